package app

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	dpi            = 96.0
	tickMarkLength = 5
	pixelsPerLabel = 120.0
)

type annotatorConfig struct {
	DatetimeFormat string
	Location       *time.Location
	FontSize       float64
}

type annotator struct {
	context  *freetype.Context
	config   annotatorConfig
	fontFace font.Face
}

func newAnnotator(config annotatorConfig) (*annotator, error) {
	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(config.FontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	return &annotator{
		context: ctx,
		config:  config,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    config.FontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) annotate(img *image.RGBA, proj projection, plot *PlotData) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	if err := a.drawDMScale(img, proj); err != nil {
		return fmt.Errorf("drawing DM scale: %w", err)
	}
	if err := a.drawTimeScale(img, proj); err != nil {
		return fmt.Errorf("drawing time scale: %w", err)
	}
	if err := a.drawInfoBar(img, proj, plot); err != nil {
		return fmt.Errorf("drawing info bar: %w", err)
	}
	return nil
}

func (a *annotator) fontHeight() int {
	metrics := a.fontFace.Metrics()
	return (metrics.Ascent + metrics.Descent).Round()
}

func (a *annotator) drawDMScale(img *image.RGBA, proj projection) error {
	step := niceStep(proj.dmHi-proj.dmLo, float64(proj.area.Dy())/pixelsPerLabel)
	textOffset := a.fontHeight()/2 - a.fontFace.Metrics().Descent.Round()

	for dm := math.Ceil(proj.dmLo/step) * step; dm <= proj.dmHi; dm += step {
		y := proj.y(dm)
		hLine(img, proj.area.Min.X, proj.area.Max.X, y, gridColor)
		hLine(img, proj.area.Min.X-tickMarkLength, proj.area.Min.X, y, color.Black)

		label := humanize.FtoaWithDigits(dm, 2)
		width := font.MeasureString(a.fontFace, label).Round()
		pt := freetype.Pt(proj.area.Min.X-tickMarkLength-4-width, y+textOffset)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing DM label: %w", err)
		}
	}

	pt := freetype.Pt(4, proj.area.Min.Y-a.fontHeight()/2)
	_, err := a.context.DrawString("DM (pc cm^-3)", pt)
	return err
}

func (a *annotator) drawTimeScale(img *image.RGBA, proj projection) error {
	span := proj.span.Seconds()
	step := niceStep(span, float64(proj.area.Dx())/pixelsPerLabel)
	textY := proj.area.Max.Y + tickMarkLength + a.fontHeight()

	for s := 0.0; s <= span; s += step {
		x := proj.x(proj.start.Add(time.Duration(s * float64(time.Second))))
		vLine(img, x, proj.area.Min.Y, proj.area.Max.Y, gridColor)
		vLine(img, x, proj.area.Max.Y, proj.area.Max.Y+tickMarkLength, color.Black)

		label := "+" + humanize.FtoaWithDigits(s, 3) + " s"
		width := font.MeasureString(a.fontFace, label).Round()
		pt := freetype.Pt(x-width/2, textY)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing time label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, proj projection, plot *PlotData) error {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Session: %s", plot.SessionID))
	if plot.Beam != "" {
		sb.WriteString(fmt.Sprintf("; Beam: %s", plot.Beam))
	}
	sb.WriteString(fmt.Sprintf("; Start: %s", proj.start.In(a.config.Location).Format(a.config.DatetimeFormat)))
	sb.WriteString(fmt.Sprintf("; Candidates: %s", humanize.Comma(int64(plot.Len()))))
	sb.WriteString(fmt.Sprintf("; Sigma: %s - %s",
		humanize.FtoaWithDigits(plot.SigmaMin, 1), humanize.FtoaWithDigits(plot.SigmaMax, 1)))

	textY := img.Bounds().Max.Y - a.fontHeight()/2
	pt := freetype.Pt(proj.area.Min.X, textY)
	if _, err := a.context.DrawString(sb.String(), pt); err != nil {
		return fmt.Errorf("drawing info text: %w", err)
	}
	return nil
}

// niceStep returns a 1, 2 or 5 times power of ten step that splits span into
// about n labels.
func niceStep(span, n float64) float64 {
	if span <= 0 || n < 1 {
		return math.Max(span, 1)
	}

	rough := span / n
	magnitude := math.Pow(10, math.Floor(math.Log10(rough)))
	for _, m := range []float64{1, 2, 5, 10} {
		if step := m * magnitude; step >= rough {
			return step
		}
	}
	return 10 * magnitude
}

func hLine(img *image.RGBA, x0, x1, y int, clr color.Color) {
	for x := x0; x < x1; x++ {
		img.Set(x, y, clr)
	}
}

func vLine(img *image.RGBA, x, y0, y1 int, clr color.Color) {
	for y := y0; y < y1; y++ {
		img.Set(x, y, clr)
	}
}
