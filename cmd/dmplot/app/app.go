package app

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *zap.Logger) (err error) {
	if _, err = os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store, err := storage.NewSQLStore(storage.Config{Driver: storage.DriverSQLite, Path: config.DBPath},
		storage.WithLogger(logger.Named("storage")))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	plot, err := readCandidates(ctx, store, config, logger)
	if err != nil {
		return err
	}

	renderer, err := NewPlotRenderer(RenderConfig{
		Width:         config.Width,
		Height:        config.Height,
		NoAnnotations: config.NoAnnotations,
	})
	if err != nil {
		return fmt.Errorf("creating plot renderer: %w", err)
	}

	logger.Info("rendering plot",
		zap.String("destination", config.OutputFile),
		zap.String("format", string(config.Format)),
		zap.Int("width", config.Width),
		zap.Int("height", config.Height))

	img, err := renderer.Render(plot)
	if err != nil {
		return fmt.Errorf("rendering plot: %w", err)
	}

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, out.Close())
	}()

	switch config.Format {
	case ImagePNG:
		err = png.Encode(out, img)
	case ImageJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{
			Quality: 95,
		})
	}
	return err
}

func readCandidates(ctx context.Context, store *storage.SQLStore, config *Config, logger *zap.Logger) (*PlotData, error) {
	var opts []storage.ReaderOption
	var filters []zap.Field
	if config.Beam != "" {
		opts = append(opts, storage.WithBeam(config.Beam))
		filters = append(filters, zap.String("beam", config.Beam))
	}
	if config.MinSigma != nil {
		opts = append(opts, storage.WithMinSigma(*config.MinSigma))
		filters = append(filters, zap.Float64("minSigma", *config.MinSigma))
	}

	logger.Info("reader configuration", append(filters, zap.String("session", config.SessionID))...)

	iter, err := store.ReadCandidates(ctx, config.SessionID, opts...)
	if errors.Is(err, storage.ErrNoData) {
		return nil, fmt.Errorf("no candidates to plot in session %s", config.SessionID)
	}
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	plot := NewPlotData(config.SessionID, config.Beam)
	for iter.Next(ctx) {
		plot.Update(iter.Current())
	}
	if err = iter.Error(); err != nil {
		return nil, err
	}

	if config.Verbose {
		logger.Info("finished reading candidates",
			zap.Int("candidates", plot.Len()),
			zap.Time("start", plot.TimeStart),
			zap.Time("end", plot.TimeEnd),
			zap.Float64("minDM", plot.DMMin),
			zap.Float64("maxDM", plot.DMMax),
			zap.Float64("minSigma", plot.SigmaMin),
			zap.Float64("maxSigma", plot.SigmaMax))
	}
	return plot, nil
}
