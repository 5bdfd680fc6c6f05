package training

import (
	"fmt"
	"io"
	"time"

	"github.com/tsawler/vggtrain/layers"
)

// TimeLayout is the timestamp printed at the start of every progress line.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Reporter writes the training progress lines.
type Reporter struct {
	out io.Writer
	now func() time.Time
}

func NewReporter(out io.Writer) *Reporter {
	return &Reporter{out: out, now: time.Now}
}

func (r *Reporter) stamp() string {
	return r.now().Format(TimeLayout)
}

// Step prints the periodic loss line.
func (r *Reporter) Step(step int, loss float32, batchSize int, duration time.Duration) {
	sec := duration.Seconds()
	var examplesPerSec float64
	if sec > 0 {
		examplesPerSec = float64(batchSize) / sec
	}
	fmt.Fprintf(r.out, "%s: step %d, loss = %.2f (%.1f examples/sec; %.3f sec/batch)\n",
		r.stamp(), step, loss, examplesPerSec, sec)
}

// Metric prints "<time>: <split> <metric> = <value>".
func (r *Reporter) Metric(split, metric string, value float64) {
	fmt.Fprintf(r.out, "%s: %s %s = %.3f\n", r.stamp(), split, metric, value)
}

// ModelArchitecturePrinter prints a layer-by-layer model description
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// PrintArchitecture writes the model architecture and its size to out.
func (p *ModelArchitecturePrinter) PrintArchitecture(out io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(out, "Model Architecture:\n")
	fmt.Fprintf(out, "%s(\n", p.modelName)

	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(out, "  %s\n", p.formatLayer(layer))
	}

	fmt.Fprintf(out, ")\n\n")

	fmt.Fprintf(out, "Task: %s\n", modelSpec.Task)
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(out, "Params size (MB): %.3f\n\n", float64(modelSpec.TotalParameters*4)/1024/1024)
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	params := layer.Parameters
	switch layer.Type {
	case layers.Conv2D:
		k := layers.GetIntParam(params, "kernel_size", 0)
		s := layers.GetIntParam(params, "stride", 1)
		pad := layers.GetIntParam(params, "padding", 0)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.Name,
			layers.GetIntParam(params, "input_channels", 0),
			layers.GetIntParam(params, "output_channels", 0),
			k, k, s, s, pad, pad,
			layers.GetBoolParam(params, "use_bias", true))
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name,
			layers.GetIntParam(params, "input_size", 0),
			layers.GetIntParam(params, "output_size", 0),
			layers.GetBoolParam(params, "use_bias", true))
	case layers.MaxPool2D:
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d)",
			layer.Name,
			layers.GetIntParam(params, "pool_size", 2),
			layers.GetIntParam(params, "stride", 2))
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(p=%.2f)", layer.Name, layers.GetFloatParam(params, "rate", 0))
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
