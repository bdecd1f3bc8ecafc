package storage

// Timestamps and durations are stored as integer nanoseconds so that both
// dialects round-trip them exactly. start_mjd is kept alongside for tools that
// work in Modified Julian Date.
var (
	sqliteSchemaSQL = []string{`
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    start_time INTEGER NOT NULL,
    config     TEXT
)`, `
CREATE TABLE IF NOT EXISTS candidates (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT    NOT NULL REFERENCES sessions (id),
    beam        TEXT    NOT NULL,
    sequence    INTEGER NOT NULL,
    dm          REAL    NOT NULL,
    start_time  INTEGER NOT NULL,
    start_mjd   REAL    NOT NULL,
    width       INTEGER NOT NULL,
    duration    INTEGER NOT NULL,
    sigma       REAL    NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_session_time ON candidates (session_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_session_dm ON candidates (session_id, dm)`,
	}

	mysqlSchemaSQL = []string{`
CREATE TABLE IF NOT EXISTS sessions (
    id         VARCHAR(36) PRIMARY KEY,
    start_time BIGINT      NOT NULL,
    config     TEXT
)`, `
CREATE TABLE IF NOT EXISTS candidates (
    id          BIGINT AUTO_INCREMENT PRIMARY KEY,
    session_id  VARCHAR(36)  NOT NULL,
    beam        VARCHAR(64)  NOT NULL,
    sequence    BIGINT       NOT NULL,
    dm          DOUBLE       NOT NULL,
    start_time  BIGINT       NOT NULL,
    start_mjd   DOUBLE       NOT NULL,
    width       BIGINT       NOT NULL,
    duration    BIGINT       NOT NULL,
    sigma       DOUBLE       NOT NULL,
    INDEX idx_candidates_session_time (session_id, start_time),
    INDEX idx_candidates_session_dm (session_id, dm),
    FOREIGN KEY (session_id) REFERENCES sessions (id)
)`,
	}
)

const (
	insertSessionSQL = `
INSERT INTO sessions (
                      id,
                      start_time,
                      config)
VALUES (?, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    start_time,
    config
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    start_time,
    config
FROM sessions
ORDER BY start_time`

	insertCandidateSQL = `
INSERT INTO candidates (
                        session_id,
                        beam,
                        sequence,
                        dm,
                        start_time,
                        start_mjd,
                        width,
                        duration,
                        sigma)
VALUES `

	insertCandidateValuesSQL = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"

	selectCandidatesSQL = `
SELECT
    id,
    beam,
    sequence,
    dm,
    start_time,
    width,
    duration,
    sigma
FROM candidates
WHERE
    session_id = ?`

	countCandidatesSQL = `
SELECT
    COUNT(*)
FROM candidates
WHERE
    session_id = ?`
)
