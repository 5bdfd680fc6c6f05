package preprocessing

import (
	"fmt"
	"math"
	"math/rand"
)

// Config selects the per-image transformations applied by a Pipeline.
// Images are CHW float32 data in [0, 1] on input.
type Config struct {
	Distort       bool    // random crop, flip, brightness and contrast
	Standardize   bool    // zero mean, unit variance per image
	CropPadding   int     // zero padding around the image before the random crop
	MaxBrightness float32 // brightness delta drawn from [-max, max]
	ContrastLower float32
	ContrastUpper float32
}

// TrainingConfig is the distortion used for classifier training.
func TrainingConfig() Config {
	return Config{
		Distort:       true,
		Standardize:   true,
		CropPadding:   4,
		MaxBrightness: 63.0 / 255.0,
		ContrastLower: 0.2,
		ContrastUpper: 1.8,
	}
}

// EvalConfig standardises without distorting.
func EvalConfig() Config {
	return Config{Standardize: true}
}

// Pipeline applies a Config to images of one shape. It holds no mutable
// state, so one Pipeline can serve several producers.
type Pipeline struct {
	config                  Config
	channels, height, width int
}

func NewPipeline(config Config, channels, height, width int) (*Pipeline, error) {
	if channels <= 0 || height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid image shape %dx%dx%d", channels, height, width)
	}
	if config.CropPadding < 0 {
		return nil, fmt.Errorf("crop padding must not be negative")
	}
	if config.ContrastLower > config.ContrastUpper {
		return nil, fmt.Errorf("contrast range [%f, %f] is empty", config.ContrastLower, config.ContrastUpper)
	}
	return &Pipeline{config: config, channels: channels, height: height, width: width}, nil
}

func (p *Pipeline) Config() Config {
	return p.config
}

// Apply transforms img in place. rng must not be shared between goroutines.
func (p *Pipeline) Apply(img []float32, rng *rand.Rand) {
	c, h, w := p.channels, p.height, p.width
	if p.config.Distort {
		if p.config.CropPadding > 0 {
			pad := p.config.CropPadding
			RandomCrop(img, c, h, w, pad, rng.Intn(2*pad+1)-pad, rng.Intn(2*pad+1)-pad)
		}
		if rng.Intn(2) == 1 {
			FlipLeftRight(img, c, h, w)
		}
		if p.config.MaxBrightness > 0 {
			AdjustBrightness(img, (rng.Float32()*2-1)*p.config.MaxBrightness)
		}
		if p.config.ContrastUpper > 0 {
			lo, hi := p.config.ContrastLower, p.config.ContrastUpper
			AdjustContrast(img, c, h*w, lo+rng.Float32()*(hi-lo))
		}
	}
	if p.config.Standardize {
		PerImageStandardization(img)
	}
}

// RandomCrop shifts the image by (dy, dx) pixels, filling uncovered pixels
// with zero. This equals cropping an HxW window from the image padded by
// pad pixels on every side.
func RandomCrop(img []float32, c, h, w, pad, dy, dx int) {
	if dy == 0 && dx == 0 {
		return
	}
	if dy < -pad || dy > pad || dx < -pad || dx > pad {
		panic(fmt.Sprintf("crop offset (%d, %d) exceeds padding %d", dy, dx, pad))
	}
	src := make([]float32, h*w)
	for ch := 0; ch < c; ch++ {
		plane := img[ch*h*w : (ch+1)*h*w]
		copy(src, plane)
		for y := 0; y < h; y++ {
			sy := y + dy
			for x := 0; x < w; x++ {
				sx := x + dx
				if sy < 0 || sy >= h || sx < 0 || sx >= w {
					plane[y*w+x] = 0
				} else {
					plane[y*w+x] = src[sy*w+sx]
				}
			}
		}
	}
}

// FlipLeftRight mirrors every row.
func FlipLeftRight(img []float32, c, h, w int) {
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := img[(ch*h+y)*w : (ch*h+y+1)*w]
			for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}

func AdjustBrightness(img []float32, delta float32) {
	for i := range img {
		img[i] += delta
	}
}

// AdjustContrast scales each channel's deviation from its mean by factor.
func AdjustContrast(img []float32, c, planeSize int, factor float32) {
	for ch := 0; ch < c; ch++ {
		plane := img[ch*planeSize : (ch+1)*planeSize]
		var mean float32
		for _, v := range plane {
			mean += v
		}
		mean /= float32(planeSize)
		for i, v := range plane {
			plane[i] = (v-mean)*factor + mean
		}
	}
}

// PerImageStandardization maps img to zero mean and unit variance. The
// standard deviation is floored at 1/sqrt(N) so uniform images stay finite.
func PerImageStandardization(img []float32) {
	n := float64(len(img))
	if n == 0 {
		return
	}
	var sum, sq float64
	for _, v := range img {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	mean := sum / n
	variance := sq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Max(math.Sqrt(variance), 1/math.Sqrt(n))
	for i, v := range img {
		img[i] = float32((float64(v) - mean) / std)
	}
}
