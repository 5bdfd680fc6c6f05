package layers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestModelBuilderCompilation(t *testing.T) {
	model, err := NewModelBuilder([]int{2, 5}).
		AddDense(3, true, "dense1").
		AddSigmoid("sigmoid1").
		AddDense(1, false, "output").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	if len(model.Layers) != 3 {
		t.Errorf("Expected 3 layers, got %d", len(model.Layers))
	}
	if diff := cmp.Diff([]int{2, 3}, model.Layers[1].OutputShape); diff != "" {
		t.Errorf("sigmoid output shape mismatch (-want +got):\n%s", diff)
	}
	// 5*3 + 3 + 3*1
	if model.TotalParameters != 21 {
		t.Errorf("Expected 21 parameters, got %d", model.TotalParameters)
	}
	if diff := cmp.Diff([][]int{{5, 3}, {3}, {3, 1}}, model.ParameterShapes); diff != "" {
		t.Errorf("parameter shapes mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := NewModelBuilder([]int{1, 4}).Compile(); err == nil {
		t.Error("Expected error compiling empty model")
	}
	if _, err := NewModelBuilder([]int{1, 4}).AddConv2D(8, 3, 1, 1, true, "conv").Compile(); err == nil {
		t.Error("Expected error for Conv2D on 2D input")
	}
	if _, err := NewModelBuilder([]int{1, 1, 2, 2}).AddConv2D(8, 5, 1, 0, true, "conv").Compile(); err == nil {
		t.Error("Expected error for kernel larger than input")
	}
	if _, err := NewModelBuilder([]int{1, 6}).AddReshape([]int{4}, "reshape").Compile(); err == nil {
		t.Error("Expected error for reshape that changes element count")
	}
}

func TestConvAndPoolShapes(t *testing.T) {
	model, err := NewModelBuilder([]int{4, 3, 32, 32}).
		AddConv2D(16, 3, 1, 1, true, "conv1").
		AddMaxPool2D(2, 2, "pool1").
		AddConv2D(8, 3, 2, 1, false, "conv2").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}
	want := [][]int{{4, 16, 32, 32}, {4, 16, 16, 16}, {4, 8, 8, 8}}
	for i, layer := range model.Layers {
		if diff := cmp.Diff(want[i], layer.OutputShape); diff != "" {
			t.Errorf("layer %s output shape mismatch (-want +got):\n%s", layer.Name, diff)
		}
	}
	if got := GetIntParam(model.Layers[2].Parameters, "input_channels", 0); got != 16 {
		t.Errorf("conv2 input_channels = %d, want 16", got)
	}
}

func TestVGGSmall(t *testing.T) {
	model, err := Build(ArchVGGSmall, []int{1, 3, 32, 32}, 10)
	if err != nil {
		t.Fatalf("Failed to build vgg-small: %v", err)
	}
	if model.Task != Classification {
		t.Errorf("Expected classification task, got %s", model.Task)
	}
	if diff := cmp.Diff([]int{1, 10}, model.OutputShape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}
	if model.TotalParameters != 152602 {
		t.Errorf("Expected 152602 parameters, got %d", model.TotalParameters)
	}

	dropouts := 0
	for _, l := range model.Layers {
		if l.Type == Dropout {
			dropouts++
		}
	}
	if dropouts != 2 {
		t.Errorf("Expected 2 dropout layers, got %d", dropouts)
	}
}

func TestVGGFullDepth(t *testing.T) {
	model, err := Build(ArchVGG, []int{1, 3, 32, 32}, 10)
	if err != nil {
		t.Fatalf("Failed to build vgg: %v", err)
	}
	convs := 0
	for _, l := range model.Layers {
		if l.Type == Conv2D {
			convs++
		}
	}
	if convs != 13 {
		t.Errorf("Expected 13 convolutions, got %d", convs)
	}
	if _, err := Build(ArchVGG, []int{1, 3, 32, 32}, 1); err == nil {
		t.Error("Expected error for a single-class classifier")
	}
}

func TestAutoencoder(t *testing.T) {
	model, err := Build(ArchAutoencoder, []int{2, 3, 32, 32}, 10)
	if err != nil {
		t.Fatalf("Failed to build autoencoder: %v", err)
	}
	if model.Task != Reconstruction {
		t.Errorf("Expected reconstruction task, got %s", model.Task)
	}
	if diff := cmp.Diff(model.InputShape, model.OutputShape); diff != "" {
		t.Errorf("autoencoder must reproduce its input shape (-in +out):\n%s", diff)
	}
	if _, err := Build("resnet", []int{1, 3, 32, 32}, 10); err == nil {
		t.Error("Expected error for unknown architecture")
	}
}

// A spec that went through JSON has float64 numbers and []interface{}
// slices; Recompile must produce the same shapes.
func TestRecompileAfterJSON(t *testing.T) {
	model, err := Build(ArchAutoencoder, []int{1, 3, 16, 16}, 10)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(model)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	decoded.ParameterShapes = nil
	decoded.TotalParameters = 0
	if err := decoded.Recompile(); err != nil {
		t.Fatalf("Recompile failed: %v", err)
	}
	if decoded.TotalParameters != model.TotalParameters {
		t.Errorf("TotalParameters = %d, want %d", decoded.TotalParameters, model.TotalParameters)
	}
	if diff := cmp.Diff(model.OutputShape, decoded.OutputShape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTask(t *testing.T) {
	tests := map[string]Task{
		"classification":   Classification,
		"Classifier":       Classification,
		"autoencoder":      Reconstruction,
		" reconstruction ": Reconstruction,
	}
	for in, want := range tests {
		got, err := ParseTask(in)
		if err != nil || got != want {
			t.Errorf("ParseTask(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseTask("detection"); err == nil {
		t.Error("Expected error for unknown task")
	}
	if Classification.Metric() != "accuracy" || Reconstruction.Metric() != "error" {
		t.Error("unexpected metric names")
	}
}

func TestSummary(t *testing.T) {
	model, _ := Build(ArchVGGSmall, []int{1, 3, 32, 32}, 10)
	summary := model.Summary()
	for _, want := range []string{"Model Summary: vgg", "conv1_1", "Total Parameters: 152602"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q", want)
		}
	}
}
