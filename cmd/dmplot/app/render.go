package app

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"slices"
	"time"

	"github.com/roman-kulish/pulsar-search/internal/storage"
)

const (
	fontSize = 12.0

	minMarkerRadius = 2
	maxMarkerRadius = 9

	defaultTopBorder    = 30
	defaultLeftBorder   = 90
	defaultBottomBorder = 70
	defaultRightBorder  = 40

	defaultDatetimeFormat = "2006-01-02 15:04:05.000"
)

var (
	frameColor = color.Gray{Y: 0x60}
	gridColor  = color.Gray{Y: 0xe8}
)

// BorderConfig defines the white space around the plot area.
type BorderConfig struct {
	Top    int
	Left   int // Space for the DM scale
	Bottom int // Space for the time scale and the info bar
	Right  int
}

type RenderConfig struct {
	Width, Height  int // Plot area in pixels
	DatetimeFormat string
	Location       *time.Location
	FontSize       float64
	ColorMapSize   int
	NoAnnotations  bool
	BorderConfig   BorderConfig
}

// PlotRenderer draws candidates as a DM versus time scatter plot. Marker
// radius grows with the pulse width and colour with the significance.
type PlotRenderer struct {
	config RenderConfig
}

func NewPlotRenderer(config RenderConfig) (*PlotRenderer, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("invalid plot area %dx%d", config.Width, config.Height)
	}
	if config.DatetimeFormat == "" {
		config.DatetimeFormat = defaultDatetimeFormat
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.ColorMapSize == 0 {
		config.ColorMapSize = DefaultColorMapSize
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}
	return &PlotRenderer{config: config}, nil
}

func (r *PlotRenderer) Render(plot *PlotData) (*image.RGBA, error) {
	if plot.Len() == 0 {
		return nil, errors.New("nothing to plot")
	}

	borders := r.borders(r.config.NoAnnotations)
	img := image.NewRGBA(image.Rect(0, 0,
		r.config.Width+borders.Left+borders.Right,
		r.config.Height+borders.Top+borders.Bottom))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	area := r.plotArea(r.config.NoAnnotations)
	proj := newProjection(area, plot)

	if !r.config.NoAnnotations {
		ann, err := newAnnotator(annotatorConfig{
			DatetimeFormat: r.config.DatetimeFormat,
			Location:       r.config.Location,
			FontSize:       r.config.FontSize,
		})
		if err != nil {
			return nil, fmt.Errorf("creating annotator: %w", err)
		}
		defer ann.Close()

		if err = ann.annotate(img, proj, plot); err != nil {
			return nil, fmt.Errorf("drawing annotations: %w", err)
		}
		drawFrame(img, area)
	}

	r.renderCandidates(img, proj, plot)
	return img, nil
}

func (r *PlotRenderer) borders(bare bool) BorderConfig {
	if bare {
		return BorderConfig{}
	}
	return r.config.BorderConfig
}

func (r *PlotRenderer) plotArea(bare bool) image.Rectangle {
	b := r.borders(bare)
	return image.Rect(b.Left, b.Top, b.Left+r.config.Width, b.Top+r.config.Height)
}

// renderCandidates draws the strongest candidates last so they stay on top.
func (r *PlotRenderer) renderCandidates(img *image.RGBA, proj projection, plot *PlotData) {
	colors := NewColorMapperWithSize(SigmaBounds{Min: plot.SigmaMin, Max: plot.SigmaMax}, r.config.ColorMapSize)

	points := slices.Clone(plot.Points)
	slices.SortStableFunc(points, func(a, b *storage.CandidateRecord) int {
		return cmp.Compare(a.Sigma, b.Sigma)
	})

	for _, c := range points {
		pt := proj.point(c.StartTime, c.DM)
		fillCircle(img, pt, markerRadius(c.Width, plot.WidthMax), colors.GetColor(c.Sigma))
	}
}

// projection maps (time, DM) onto the plot area. DM grows downwards.
type projection struct {
	area       image.Rectangle
	start      time.Time
	span       time.Duration
	dmLo, dmHi float64
}

func newProjection(area image.Rectangle, plot *PlotData) projection {
	start, end := plot.TimeRange()
	lo, hi := plot.DMRange()
	return projection{area: area, start: start, span: end.Sub(start), dmLo: lo, dmHi: hi}
}

func (p projection) x(t time.Time) int {
	ratio := float64(t.Sub(p.start)) / float64(p.span)
	return p.area.Min.X + int(ratio*float64(p.area.Dx()-1))
}

func (p projection) y(dm float64) int {
	ratio := (dm - p.dmLo) / (p.dmHi - p.dmLo)
	return p.area.Min.Y + int(ratio*float64(p.area.Dy()-1))
}

func (p projection) point(t time.Time, dm float64) image.Point {
	return image.Pt(p.x(t), p.y(dm))
}

func markerRadius(width, widthMax time.Duration) int {
	if widthMax <= 0 {
		return minMarkerRadius
	}
	ratio := float64(width) / float64(widthMax)
	return minMarkerRadius + int(ratio*float64(maxMarkerRadius-minMarkerRadius)+0.5)
}

func fillCircle(img *image.RGBA, c image.Point, r int, clr color.Color) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				img.Set(c.X+dx, c.Y+dy, clr)
			}
		}
	}
}

func drawFrame(img *image.RGBA, area image.Rectangle) {
	for x := area.Min.X - 1; x <= area.Max.X; x++ {
		img.Set(x, area.Min.Y-1, frameColor)
		img.Set(x, area.Max.Y, frameColor)
	}
	for y := area.Min.Y - 1; y <= area.Max.Y; y++ {
		img.Set(area.Min.X-1, y, frameColor)
		img.Set(area.Max.X, y, frameColor)
	}
}
