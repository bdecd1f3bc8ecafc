package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"

	defaultWidth  = 1600
	defaultHeight = 900
)

type ImageFormat string

type Config struct {
	DBPath        string
	SessionID     string
	Beam          string
	OutputFile    string
	Format        ImageFormat
	MinSigma      *float64
	Width         int
	Height        int
	Verbose       bool
	NoAnnotations bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

func NewConfig() *Config {
	return &Config{
		Format: ImagePNG,
		Width:  defaultWidth,
		Height: defaultHeight,
	}
}

// NewConfigFromCLI parses the command line of the process.
func NewConfigFromCLI(args []string, output io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("dmplot", flag.ContinueOnError)
	fs.SetOutput(output)

	c := NewConfig()

	var imageFormat string
	var minSigma float64
	fs.StringVar(&c.DBPath, "db", "", "Path to the database file")
	fs.StringVar(&c.SessionID, "s", "", "Session ID")
	fs.StringVar(&c.Beam, "beam", "", "Plot only candidates of this beam")
	fs.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	fs.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	fs.Float64Var(&minSigma, "min-sigma", 0, "Plot only candidates at or above this significance")
	fs.IntVar(&c.Width, "width", defaultWidth, "Width of the plot area in pixels")
	fs.IntVar(&c.Height, "height", defaultHeight, "Height of the plot area in pixels")
	fs.BoolVar(&c.Verbose, "verbose", false, "Enable more verbose output")
	fs.BoolVar(&c.NoAnnotations, "no-annotations", false, "Disable annotations such as DM and time scales")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	imageFormat = strings.ToLower(imageFormat)

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "min-sigma" {
			c.MinSigma = &minSigma
		}
	})

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if c.SessionID == "" {
		err = errors.New("session id is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	} else if c.Width < 100 || c.Height < 100 {
		err = fmt.Errorf("plot area %dx%d is too small", c.Width, c.Height)
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}
