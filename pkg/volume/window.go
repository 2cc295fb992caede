package volume

import (
	"math"
)

// Byte threshold bounds applied before extraction. 0 and 255 are the
// saturation values of the window, so an iso-level there would select
// everything or nothing.
const (
	MinByteThreshold = 1
	MaxByteThreshold = 254
)

// HUToByte maps a Hounsfield value into the 0..255 display range of the
// window [wmin, wmax]. A degenerate window (wmax <= wmin) becomes a step at wmin.
func HUToByte(hu, wmin, wmax float64) float64 {
	if wmax <= wmin {
		if hu >= wmin {
			return 255
		}
		return 0
	}
	b := math.Round((hu - wmin) / (wmax - wmin) * 255)
	return math.Max(0, math.Min(255, b))
}

// ClampByteThreshold restricts an extraction threshold to [1, 254].
func ClampByteThreshold(b float64) float64 {
	return math.Max(MinByteThreshold, math.Min(MaxByteThreshold, b))
}

// WindowToByte returns a copy of v with every sample mapped through HUToByte.
func WindowToByte(v *Volume, wmin, wmax float64) *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	for i, hu := range v.Data {
		out.Data[i] = HUToByte(hu, wmin, wmax)
	}
	out.Windowed = true
	return &out
}
