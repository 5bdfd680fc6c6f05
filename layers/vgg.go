package layers

import "fmt"

// Architecture names accepted by Build.
const (
	ArchVGG         = "vgg"
	ArchVGGSmall    = "vgg-small"
	ArchAutoencoder = "autoencoder"
)

// Build returns the compiled spec for a named architecture.
func Build(arch string, inputShape []int, numClasses int) (*ModelSpec, error) {
	switch arch {
	case ArchVGG:
		return VGG(inputShape, numClasses, []int{64, 128, 256, 512, 512}, 512)
	case ArchVGGSmall:
		return VGG(inputShape, numClasses, []int{16, 32}, 64)
	case ArchAutoencoder:
		return Autoencoder(inputShape, 256)
	default:
		return nil, fmt.Errorf("unknown architecture %q", arch)
	}
}

// VGG builds a VGG-style classifier: one block per entry in widths, each a
// stack of 3x3 same-padded convolutions followed by 2x2 max pooling, then a
// dense/dropout head. Blocks after the second use three convolutions.
func VGG(inputShape []int, numClasses int, widths []int, hidden int) (*ModelSpec, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("classifier needs at least 2 classes, got %d", numClasses)
	}
	if len(widths) == 0 {
		return nil, fmt.Errorf("VGG needs at least one convolutional block")
	}

	b := NewModelBuilder(inputShape).Named("vgg").ForTask(Classification)
	for i, w := range widths {
		convs := 2
		if i >= 2 {
			convs = 3
		}
		for j := 0; j < convs; j++ {
			b.AddConv2D(w, 3, 1, 1, true, fmt.Sprintf("conv%d_%d", i+1, j+1)).
				AddReLU(fmt.Sprintf("relu%d_%d", i+1, j+1))
		}
		b.AddMaxPool2D(2, 2, fmt.Sprintf("pool%d", i+1))
	}

	return b.
		AddDense(hidden, true, "fc1").
		AddReLU("relu_fc1").
		AddDropout(0.5, "dropout1").
		AddDense(hidden, true, "fc2").
		AddReLU("relu_fc2").
		AddDropout(0.5, "dropout2").
		AddDense(numClasses, true, "logits").
		Compile()
}

// Autoencoder builds a convolutional encoder with a dense bottleneck and a
// dense decoder whose sigmoid output is reshaped back to the input image.
func Autoencoder(inputShape []int, code int) (*ModelSpec, error) {
	if len(inputShape) != 4 {
		return nil, fmt.Errorf("autoencoder requires 4D input [batch, channels, height, width]")
	}
	image := inputShape[1:]
	size := image[0] * image[1] * image[2]

	return NewModelBuilder(inputShape).Named("autoencoder").ForTask(Reconstruction).
		AddConv2D(32, 3, 2, 1, true, "enc_conv1").
		AddReLU("enc_relu1").
		AddConv2D(64, 3, 2, 1, true, "enc_conv2").
		AddReLU("enc_relu2").
		AddDense(code, true, "code").
		AddReLU("code_relu").
		AddDense(size, true, "dec_out").
		AddSigmoid("dec_sigmoid").
		AddReshape(image, "reconstruction").
		Compile()
}
