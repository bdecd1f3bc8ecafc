package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"

	DefaultMaxBatchSize = 500
)

// Config selects and addresses the database.
type Config struct {
	Driver string `yaml:"driver"`

	// sqlite3
	Path string `yaml:"path"`

	// mysql
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	MaxBatchSize int `yaml:"maxBatchSize"`
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			return errors.New("sqlite3: database path is required")
		}
	case DriverMySQL:
		if c.Addr == "" || c.Database == "" {
			return errors.New("mysql: address and database are required")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Driver)
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("max batch size must not be negative, got %d", c.MaxBatchSize)
	}
	return nil
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SQLStore) {
		s.logger = logger
	}
}

// WithMaxBatchSize sets the maximum number of rows per insert statement.
func WithMaxBatchSize(n int) Option {
	return func(s *SQLStore) {
		if n > 0 {
			s.maxBatchSize = n
		}
	}
}

// SQLStore implements Store on SQLite or MySQL.
type SQLStore struct {
	cfg          Config
	logger       *zap.Logger
	maxBatchSize int

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore returns a store for the configured database. Connections are
// opened lazily; the schema is created with the first write connection.
func NewSQLStore(cfg Config, opts ...Option) (*SQLStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, spectrum.NewConfigError(err, "storage")
	}

	s := &SQLStore{
		cfg:          cfg,
		logger:       zap.NewNop(),
		maxBatchSize: DefaultMaxBatchSize,
	}
	if cfg.MaxBatchSize > 0 {
		s.maxBatchSize = cfg.MaxBatchSize
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func mysqlDSN(cfg Config) string {
	c := mysql.NewConfig()
	c.Net = "tcp"
	c.Addr = cfg.Addr
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.DBName = cfg.Database
	return c.FormatDSN()
}

func (s *SQLStore) schema() []string {
	if s.cfg.Driver == DriverMySQL {
		return mysqlSchemaSQL
	}
	return sqliteSchemaSQL
}

func (s *SQLStore) writeDSN() string {
	if s.cfg.Driver == DriverMySQL {
		return mysqlDSN(s.cfg)
	}
	return fmt.Sprintf("file:%s?%s", s.cfg.Path, "_journal_mode=WAL&_synchronous=NORMAL")
}

func (s *SQLStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open(s.cfg.Driver, s.writeDSN())
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		if s.cfg.Driver == DriverMySQL {
			db.SetConnMaxLifetime(3 * time.Minute)
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(10)
		}

		for _, stmt := range s.schema() {
			if _, err = db.Exec(stmt); err != nil {
				_ = db.Close()
				s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
				return
			}
		}

		s.logger.Debug("storage opened", zap.String("driver", s.cfg.Driver))
		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

// getReadDB returns a read-only SQLite handle, or the shared pool for MySQL.
func (s *SQLStore) getReadDB() (*sql.DB, error) {
	if s.cfg.Driver == DriverMySQL {
		return s.getWriteDB()
	}

	s.readDBOnce.Do(func() {
		db, err := sql.Open(DriverSQLite, fmt.Sprintf("file:%s?%s", s.cfg.Path, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SQLStore) CreateSession(ctx context.Context, config any) (sessionID string, err error) {
	configData, err := toNullString(config)
	if err != nil {
		return "", err
	}

	db, err := s.getWriteDB()
	if err != nil {
		return "", fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		return "", fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	id := uuid.NewString()
	if _, err = stmt.ExecContext(ctx, id, time.Now().UnixNano(), configData); err != nil {
		return "", fmt.Errorf("inserting session: %w", err)
	}
	return id, nil
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var startTime int64
	var config sql.NullString
	if err := row.Scan(&sess.ID, &startTime, &config); err != nil {
		return nil, err
	}
	sess.StartTime = time.Unix(0, startTime).UTC()
	if config.Valid {
		sess.Config = &config.String
	}
	return &sess, nil
}

func (s *SQLStore) Session(ctx context.Context, id string) (session *Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return loadSession(ctx, db, id)
}

func loadSession(ctx context.Context, db *sql.DB, id string) (session *Session, err error) {
	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	session, err = scanSession(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNoData)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) Sessions(ctx context.Context) (sessions []*Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess *Session
		if sess, err = scanSession(rows); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// ReadCandidates returns a reader over the stored candidates of a session.
// The reader must be closed after use.
func (s *SQLStore) ReadCandidates(ctx context.Context, sessionID string, opts ...ReaderOption) (*CandidateReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return NewCandidateReader(ctx, db, sessionID, opts...)
}

func (s *SQLStore) StoreCandidates(ctx context.Context, sessionID, beam string, list *spectrum.CandidateList) (err error) {
	if list == nil || list.Len() == 0 {
		return nil
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	for chunk := range slices.Chunk(list.Candidates, s.maxBatchSize) {
		values := make([]any, 0, len(chunk)*9)

		var sb strings.Builder
		sb.WriteString(insertCandidateSQL)

		for i, c := range chunk {
			row := toCandidateRow(sessionID, beam, list.Sequence, c)
			values = append(values,
				row.SessionID,
				row.Beam,
				row.Sequence,
				row.DM,
				row.StartTime,
				row.StartMJD,
				row.Width,
				row.Duration,
				row.Sigma,
			)

			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(insertCandidateValuesSQL)
		}

		if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
			return fmt.Errorf("batch inserting candidates: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("candidates stored",
		zap.String("beam", beam),
		zap.Uint64("sequence", list.Sequence),
		zap.Int("count", list.Len()))
	return nil
}

func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() {
		if s.writeDB != nil {
			s.closeErr = multierr.Append(s.closeErr, s.writeDB.Close())
			s.writeDB = nil
		}
		if s.readDB != nil {
			s.closeErr = multierr.Append(s.closeErr, s.readDB.Close())
			s.readDB = nil
		}
	})

	return s.closeErr
}
