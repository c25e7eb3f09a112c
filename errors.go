package sqliter

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Sentinel errors for common failure cases
var (
	// ErrRecordNotFound is returned when a query returns no results
	ErrRecordNotFound = errors.New("sqliter: record not found")

	// ErrInvalidModel is returned when the model type is invalid
	ErrInvalidModel = errors.New("sqliter: invalid model")

	// ErrNoSession is returned when an accessor has no bound session
	ErrNoSession = errors.New("sqliter: no session bound")

	// ErrRelationNotFound is returned when a relationship is not registered
	ErrRelationNotFound = errors.New("sqliter: relation not found")

	// ErrInvalidRelation is returned when an operation does not apply to
	// the relationship kind, e.g. Add on a reverse foreign-key set
	ErrInvalidRelation = errors.New("sqliter: invalid relation type")

	// ErrNullRelation is returned when a null foreign key is dereferenced
	ErrNullRelation = errors.New("sqliter: null relation")

	// ErrInvalidPath is returned for malformed or untraversable field paths
	ErrInvalidPath = errors.New("sqliter: invalid field path")

	// ErrDuplicateKey is returned for unique constraint violations
	ErrDuplicateKey = errors.New("sqliter: duplicate key violation")

	// ErrForeignKey is returned for foreign key constraint violations
	ErrForeignKey = errors.New("sqliter: foreign key constraint violation")

	// ErrNilPointer is returned when a nil pointer is passed
	ErrNilPointer = errors.New("sqliter: nil pointer")

	// ErrInvalidConfig is returned when relationship config is invalid
	ErrInvalidConfig = errors.New("sqliter: invalid relation config")

	// ErrSessionClosed is returned when a closed session is used
	ErrSessionClosed = errors.New("sqliter: session closed")
)

// QueryError wraps database errors with query context for better debugging
type QueryError struct {
	Query     string // The SQL statement that failed
	Args      []any  // The statement arguments
	Operation string // Operation type: SELECT, INSERT, UPDATE, DELETE
	Err       error  // The underlying error
}

func (e *QueryError) Error() string {
	argsStr := formatArgs(e.Args)
	return fmt.Sprintf("sqliter: %s failed: %v\nQuery: %s\nArgs: %s",
		e.Operation, e.Err, e.Query, argsStr)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// RelationError wraps relationship resolution failures with context
type RelationError struct {
	Relation  string // Name of the relation
	ModelType string // Type of the owning model
	Err       error  // The underlying error
}

func (e *RelationError) Error() string {
	return fmt.Sprintf("sqliter: relation '%s' error on model %s: %v",
		e.Relation, e.ModelType, e.Err)
}

func (e *RelationError) Unwrap() error {
	return e.Err
}

// PathError reports an invalid traversal path in a filter, join or
// prefetch expression.
type PathError struct {
	Path    string // The full dunder path as written by the caller
	Segment string // The segment that failed to resolve
	Err     error  // The underlying error, usually ErrInvalidPath
}

func (e *PathError) Error() string {
	return fmt.Sprintf("sqliter: cannot resolve segment '%s' in path '%s': %v",
		e.Segment, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// ConfigError reports an invalid relationship declaration. Registration
// fails as a whole when any edge is misconfigured.
type ConfigError struct {
	Model string // Model or table the edge was declared on
	Field string // Accessor field of the offending edge
	Err   error  // The underlying error, usually ErrInvalidConfig
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sqliter: invalid relation config on %s.%s: %v",
		e.Model, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// WrapQueryError wraps a database error with query context. SQLite
// constraint failures are classified onto the matching sentinel via the
// driver's extended result codes, with a message check as fallback for
// errors that arrive already flattened to text.
func WrapQueryError(operation, query string, args []any, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &QueryError{
				Query:     query,
				Args:      args,
				Operation: operation,
				Err:       fmt.Errorf("%w: %v", ErrDuplicateKey, err),
			}
		case sqlite3.ErrConstraintForeignKey:
			return &QueryError{
				Query:     query,
				Args:      args,
				Operation: operation,
				Err:       fmt.Errorf("%w: %v", ErrForeignKey, err),
			}
		}
	}

	errMsg := err.Error()
	if strings.Contains(errMsg, "UNIQUE constraint") ||
		strings.Contains(errMsg, "unique constraint") {
		return &QueryError{
			Query:     query,
			Args:      args,
			Operation: operation,
			Err:       fmt.Errorf("%w: %v", ErrDuplicateKey, err),
		}
	}

	if strings.Contains(errMsg, "FOREIGN KEY constraint") ||
		strings.Contains(errMsg, "foreign key") {
		return &QueryError{
			Query:     query,
			Args:      args,
			Operation: operation,
			Err:       fmt.Errorf("%w: %v", ErrForeignKey, err),
		}
	}

	return &QueryError{
		Query:     query,
		Args:      args,
		Operation: operation,
		Err:       err,
	}
}

// WrapRelationError wraps a relation error with context
func WrapRelationError(relation, modelType string, err error) error {
	if err == nil {
		return nil
	}
	return &RelationError{
		Relation:  relation,
		ModelType: modelType,
		Err:       err,
	}
}

// IsNotFound checks if the error is ErrRecordNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsConstraintViolation checks if the error is a constraint violation
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrForeignKey)
}

// IsDuplicateKey checks if the error is a duplicate key violation
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsForeignKeyViolation checks if the error is a foreign key violation
func IsForeignKeyViolation(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// IsNullRelation checks if the error is a null relation dereference
func IsNullRelation(err error) bool {
	return errors.Is(err, ErrNullRelation)
}

// IsInvalidPath checks if the error is an invalid traversal path
func IsInvalidPath(err error) bool {
	return errors.Is(err, ErrInvalidPath)
}

// formatArgs formats query arguments for error messages
func formatArgs(args []any) string {
	if len(args) == 0 {
		return "[]"
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprintf("%v", arg)
	}

	// Limit output length
	result := "[" + strings.Join(parts, ", ") + "]"
	if len(result) > 200 {
		return result[:196] + "...]"
	}
	return result
}
