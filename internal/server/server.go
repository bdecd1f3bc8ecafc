package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/pipeline"
	"github.com/roman-kulish/pulsar-search/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// CandidateStore is the read side of the candidate store.
type CandidateStore interface {
	Sessions(ctx context.Context) ([]*storage.Session, error)
	ReadCandidates(ctx context.Context, sessionID string, opts ...storage.ReaderOption) (*storage.CandidateReader, error)
}

// StatsProvider reports the counters of a running beam pipeline.
type StatsProvider interface {
	Stats() pipeline.Stats
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server exposes pipeline status and stored candidates over HTTP.
type Server struct {
	addr   string
	store  CandidateStore
	beams  []StatsProvider
	logger *zap.Logger
	engine *gin.Engine
}

func New(addr string, store CandidateStore, beams []StatsProvider, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		store:  store,
		beams:  beams,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.accessLog())

	s.engine.GET("/healthz", s.health)
	v1 := s.engine.Group("/api/v1")
	v1.GET("/beams", s.listBeams)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id/candidates", s.listCandidates)

	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info("stopped")
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listBeams(c *gin.Context) {
	stats := make([]pipeline.Stats, 0, len(s.beams))
	for _, b := range s.beams {
		stats = append(stats, b.Stats())
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.store.Sessions(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) listCandidates(c *gin.Context) {
	opts, err := readerOptions(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	r, err := s.store.ReadCandidates(ctx, c.Param("id"), opts...)
	if errors.Is(err, storage.ErrNoData) {
		c.JSON(http.StatusOK, []*storage.CandidateRecord{})
		return
	}
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	defer r.Close()

	records, err := r.ReadAll(ctx)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func readerOptions(c *gin.Context) ([]storage.ReaderOption, error) {
	var opts []storage.ReaderOption
	if beam := c.Query("beam"); beam != "" {
		opts = append(opts, storage.WithBeam(beam))
	}

	params := []struct {
		name string
		opt  func(float64) storage.ReaderOption
	}{
		{name: "dmMin", opt: storage.WithMinDM},
		{name: "dmMax", opt: storage.WithMaxDM},
		{name: "minSigma", opt: storage.WithMinSigma},
	}
	for _, p := range params {
		v, ok := c.GetQuery(p.name)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q", p.name, v)
		}
		opts = append(opts, p.opt(f))
	}
	return opts, nil
}
