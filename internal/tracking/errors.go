package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrorKind classifies persistence failures so the Repository can decide
// what to retry.
type ErrorKind string

const (
	KindConnection    ErrorKind = "connection"
	KindConstraint    ErrorKind = "constraint_violation"
	KindTimeout       ErrorKind = "timeout"
	KindSerialization ErrorKind = "serialization"
	KindUnsupported   ErrorKind = "unsupported"
	KindUnknown       ErrorKind = "unknown"
)

// Error is a classified persistence failure.
type Error struct {
	Kind ErrorKind
	Op   OpType
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracking: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may clear on a fresh attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindSerialization:
		return true
	}
	return false
}

// IsRetryable reports whether err carries a retryable tracking Error.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retryable()
}

// classifyPostgres maps a pgx error to an ErrorKind via its SQLSTATE.
func classifyPostgres(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return KindConstraint
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return KindSerialization
		case pgErr.Code == "57014":
			return KindTimeout
		case strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") || pgErr.Code == "57P03":
			return KindConnection
		}
		return KindUnknown
	}
	if isConnectionMessage(err) {
		return KindConnection
	}
	return KindUnknown
}

// classifySQLite maps a modernc sqlite error to an ErrorKind. The driver
// exposes result codes only through the message text.
func classifySQLite(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"):
		return KindConstraint
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"):
		return KindSerialization
	case strings.Contains(msg, "unable to open"), strings.Contains(msg, "bad connection"):
		return KindConnection
	}
	return KindUnknown
}

// classifyMongo maps a driver error to an ErrorKind.
func classifyMongo(err error) ErrorKind {
	switch {
	case mongo.IsDuplicateKeyError(err):
		return KindConstraint
	case mongo.IsTimeout(err):
		return KindTimeout
	case mongo.IsNetworkError(err), isConnectionMessage(err):
		return KindConnection
	}
	return KindUnknown
}

func isConnectionMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"server selection error",
		"closed pool",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
