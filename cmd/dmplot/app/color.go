package app

import (
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	hueStart = 236.0
	hueEnd   = 0.0

	DefaultColorMapSize = 256
)

// SigmaBounds is the significance interval mapped onto the colour ramp.
type SigmaBounds struct {
	Min float64
	Max float64
}

// ColorMapper maps significance onto a cold-to-hot ramp. Colours are
// pre-computed.
type ColorMapper struct {
	colorMap      []color.Color
	size          int
	bounds        SigmaBounds
	sigmaPerIndex float64
}

func NewColorMapper(bounds SigmaBounds) *ColorMapper {
	return NewColorMapperWithSize(bounds, DefaultColorMapSize)
}

func NewColorMapperWithSize(bounds SigmaBounds, size int) *ColorMapper {
	if size < 2 {
		size = DefaultColorMapSize
	}

	cm := &ColorMapper{
		colorMap: make([]color.Color, size),
		size:     size,
	}
	for i := range cm.colorMap {
		cm.colorMap[i] = rampColor(float64(i) / float64(size-1))
	}
	cm.UpdateBounds(bounds)
	return cm
}

func (cm *ColorMapper) UpdateBounds(bounds SigmaBounds) {
	cm.bounds = bounds
	cm.sigmaPerIndex = (bounds.Max - bounds.Min) / float64(cm.size-1)
}

// GetColor returns the colour of sigma, clamped to the bounds.
func (cm *ColorMapper) GetColor(sigma float64) color.Color {
	if cm.sigmaPerIndex <= 0 {
		return cm.colorMap[cm.size-1]
	}

	index := int((sigma - cm.bounds.Min) / cm.sigmaPerIndex)
	index = min(max(index, 0), cm.size-1)
	return cm.colorMap[index]
}

func (cm *ColorMapper) Size() int {
	return cm.size
}

// rampColor maps v in [0, 1] from blue to red.
func rampColor(v float64) color.Color {
	v = math.Max(0, math.Min(1, v))
	hue := hueStart - v*(hueStart-hueEnd)
	return colorful.Hsv(hue, 1, 0.55+0.4*math.Pow(v, 0.7)).Clamped()
}
