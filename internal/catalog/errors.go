package catalog

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidCandidate = errors.New("invalid candidate")
	ErrUnknownProvider  = errors.New("unknown provider")
)

// Error provides operation context for catalog failures.
type Error struct {
	Op   string // Operation that failed (e.g., "upsert")
	Name string // Entry name if applicable
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s '%s': %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrapDBError converts a database error into a catalog error.
func wrapDBError(err error, op, name string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Op: op, Name: name, Err: ErrNotFound}
	}
	return &Error{Op: op, Name: name, Err: err}
}
