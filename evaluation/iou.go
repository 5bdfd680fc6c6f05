package evaluation

import "math"

// Box is an axis-aligned box as [ymin, xmin, ymax, xmax].
type Box [4]float64

func (b Box) Area() float64 {
	return math.Max(b[2]-b[0], 0) * math.Max(b[3]-b[1], 0)
}

// BoxIoU is the intersection over union of two boxes. Disjoint boxes give 0,
// as does an empty union.
func BoxIoU(a, b Box) float64 {
	ih := math.Max(math.Min(a[2], b[2])-math.Max(a[0], b[0]), 0)
	iw := math.Max(math.Min(a[3], b[3])-math.Max(a[1], b[1]), 0)
	inter := ih * iw
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// MeanIoU averages BoxIoU over pairs. It returns 0 for no pairs and panics
// if the slices differ in length.
func MeanIoU(pred, truth []Box) float64 {
	if len(pred) != len(truth) {
		panic("evaluation: MeanIoU needs one prediction per ground-truth box")
	}
	if len(pred) == 0 {
		return 0
	}
	var sum float64
	for i := range pred {
		sum += BoxIoU(pred[i], truth[i])
	}
	return sum / float64(len(pred))
}
