package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && cErr != sql.ErrTxDone && *err == nil {
		*err = cErr
	}
}

// toNullString accepts a string, []byte or any JSON-serializable value.
func toNullString(v any) (sql.NullString, error) {
	var ns sql.NullString
	switch v := v.(type) {
	case nil:
		return ns, nil
	case string:
		ns.String = v
	case []byte:
		ns.String = string(v)
	default:
		p, err := json.Marshal(v)
		if err != nil {
			return ns, fmt.Errorf("marshaling config: %w", err)
		}
		ns.String = string(p)
	}
	ns.Valid = true
	return ns, nil
}
