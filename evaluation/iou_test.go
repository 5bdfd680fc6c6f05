package evaluation

import (
	"math"
	"testing"
)

func TestBoxIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float64
	}{
		{"identical", Box{0, 0, 2, 2}, Box{0, 0, 2, 2}, 1},
		{"half overlap", Box{0, 0, 2, 2}, Box{0, 1, 2, 3}, 2.0 / 6.0},
		{"disjoint", Box{0, 0, 1, 1}, Box{2, 2, 3, 3}, 0},
		{"touching", Box{0, 0, 1, 1}, Box{1, 0, 2, 1}, 0},
		{"contained", Box{0, 0, 4, 4}, Box{1, 1, 2, 2}, 1.0 / 16.0},
		{"empty", Box{0, 0, 0, 0}, Box{0, 0, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BoxIoU(tt.a, tt.b); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("BoxIoU = %f, want %f", got, tt.want)
			}
			if got := BoxIoU(tt.b, tt.a); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("BoxIoU not symmetric: %f", got)
			}
		})
	}
}

func TestMeanIoU(t *testing.T) {
	pred := []Box{{0, 0, 2, 2}, {0, 0, 1, 1}}
	truth := []Box{{0, 0, 2, 2}, {5, 5, 6, 6}}
	if got := MeanIoU(pred, truth); got != 0.5 {
		t.Errorf("MeanIoU = %f, want 0.5", got)
	}
	if MeanIoU(nil, nil) != 0 {
		t.Error("MeanIoU of no boxes should be 0")
	}
}
