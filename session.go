package sqliter

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// chunk size cap for multi-row inserts, besides the parameter limit
const maxBatchRows = 500

// SQLite's default variable limit
const maxBatchParams = 32766

// queryer is the subset of sql.DB and sql.Tx the session executes on.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Session is the execution context everything runs through: it holds
// the database handle, the relationship registry, the result cache and
// the query counter. Accessors on loaded instances stay bound to the
// session that produced them.
type Session struct {
	db       *sql.DB
	tx       *sql.Tx
	registry *Registry
	cache    *ResultCache
	stmts    *StmtCache
	logger   logrus.FieldLogger

	counter *int64
	ownsDB  bool
	closed  *bool

	// tables written inside the open transaction; their cache entries
	// are evicted at commit. Nil outside a transaction.
	written map[string]bool
}

// Option configures a Session.
type Option func(*Session)

// WithRegistry uses an existing registry instead of a fresh empty one.
// Sessions sharing a schema should share the registry.
func WithRegistry(r *Registry) Option {
	return func(s *Session) { s.registry = r }
}

// WithCache enables the result cache with no default expiry.
func WithCache() Option {
	return func(s *Session) { s.cache = NewResultCache(0) }
}

// WithCacheTTL enables the result cache with a default time-to-live.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Session) { s.cache = NewResultCache(d) }
}

// WithLogger logs compiled statements, arguments and durations at
// debug level.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) { s.logger = l }
}

// WithStmtCache reuses prepared statements through an LRU of the given
// capacity.
func WithStmtCache(capacity int) Option {
	return func(s *Session) { s.stmts = NewStmtCache(capacity) }
}

// WithConnectionPool tunes the underlying pool: maximum open and idle
// connections and the connection lifetime in seconds.
func WithConnectionPool(maxOpen, maxIdle, lifetimeSeconds int) Option {
	return func(s *Session) {
		s.db.SetMaxOpenConns(maxOpen)
		s.db.SetMaxIdleConns(maxIdle)
		s.db.SetConnMaxLifetime(time.Duration(lifetimeSeconds) * time.Second)
	}
}

// Open opens a SQLite database and wraps it in a session. Foreign key
// enforcement is switched on for every pooled connection, SQLite
// leaves it off by default.
func Open(dsn string, opts ...Option) (*Session, error) {
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk") {
		if strings.Contains(dsn, "?") {
			dsn += "&_foreign_keys=on"
		} else {
			dsn += "?_foreign_keys=on"
		}
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, WrapQueryError("OPEN", dsn, nil, err)
	}
	s := NewSession(db, opts...)
	s.ownsDB = true
	return s, nil
}

// NewSession wraps an already opened handle. The caller keeps ownership
// of the handle; Close will not close it.
func NewSession(db *sql.DB, opts ...Option) *Session {
	s := &Session{
		db:      db,
		counter: new(int64),
		closed:  new(bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	return s
}

// Registry returns the session's relationship registry.
func (s *Session) Registry() *Registry { return s.registry }

// Cache returns the result cache, nil when caching is disabled.
func (s *Session) Cache() *ResultCache { return s.cache }

// DB returns the underlying handle.
func (s *Session) DB() *sql.DB { return s.db }

// QueryCount returns how many statements the session has executed,
// reads and writes both. Transactions share the counter.
func (s *Session) QueryCount() int64 {
	return atomic.LoadInt64(s.counter)
}

// ResetQueryCount zeroes the statement counter.
func (s *Session) ResetQueryCount() {
	atomic.StoreInt64(s.counter, 0)
}

// Close clears the result cache (entries and counters), closes cached
// prepared statements, and closes the handle if the session opened it.
func (s *Session) Close() error {
	if *s.closed {
		return nil
	}
	*s.closed = true
	if s.cache != nil {
		s.cache.reset()
	}
	if s.stmts != nil {
		s.stmts.Clear()
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Session) conn() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Session) check() error {
	if s == nil || s.db == nil {
		return ErrNoSession
	}
	if *s.closed {
		return ErrSessionClosed
	}
	return nil
}

// Transaction runs fn inside a transaction. Any error or panic rolls
// the whole transaction back; nothing fn wrote survives a failure.
// Nested calls run in the enclosing transaction. The result cache is
// neither read nor populated inside the transaction: uncommitted state
// must not leak into it, and entries for the tables fn wrote are
// evicted once the commit succeeds.
func (s *Session) Transaction(ctx context.Context, fn func(tx *Session) error) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapQueryError("BEGIN", "", nil, err)
	}

	txSess := &Session{
		db:       s.db,
		tx:       tx,
		registry: s.registry,
		cache:    s.cache,
		logger:   s.logger,
		counter:  s.counter,
		closed:   s.closed,
		written:  make(map[string]bool),
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txSess); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return WrapQueryError("COMMIT", "", nil, err)
	}

	// A rollback leaves the store exactly as the cache remembers it, so
	// only a committed transaction evicts.
	tables := make([]string, 0, len(txSess.written))
	for t := range txSess.written {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	s.invalidate(tables...)
	return nil
}

// query executes a read statement, counting and logging it.
func (s *Session) query(ctx context.Context, stmt string, args []any) (*sql.Rows, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	atomic.AddInt64(s.counter, 1)
	start := time.Now()

	var rows *sql.Rows
	var err error
	if s.stmts != nil && s.tx == nil {
		ps, release := s.stmts.Get(stmt)
		if ps == nil {
			prepared, perr := s.db.PrepareContext(ctx, stmt)
			if perr != nil {
				return nil, WrapQueryError("SELECT", stmt, args, perr)
			}
			ps, release = s.stmts.PutAndGet(stmt, prepared)
		}
		rows, err = ps.QueryContext(ctx, args...)
		release()
	} else {
		rows, err = s.conn().QueryContext(ctx, stmt, args...)
	}

	s.log("SELECT", stmt, args, start, err)
	if err != nil {
		return nil, WrapQueryError("SELECT", stmt, args, err)
	}
	return rows, nil
}

// queryRow executes a single-row read, counting and logging it.
func (s *Session) queryRow(ctx context.Context, stmt string, args []any) (*sql.Row, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	atomic.AddInt64(s.counter, 1)
	start := time.Now()
	row := s.conn().QueryRowContext(ctx, stmt, args...)
	s.log("SELECT", stmt, args, start, nil)
	return row, nil
}

// exec executes a write statement and, on success, synchronously evicts
// every cache entry depending on the written tables before returning.
// A DELETE also rewrites the tables its referential actions reach, so
// those are evicted too. Inside a transaction the tables are recorded
// instead and evicted at commit.
func (s *Session) exec(ctx context.Context, op, stmt string, args []any, tables ...string) (sql.Result, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	atomic.AddInt64(s.counter, 1)
	start := time.Now()
	res, err := s.conn().ExecContext(ctx, stmt, args...)
	s.log(op, stmt, args, start, err)
	if err != nil {
		return nil, WrapQueryError(op, stmt, args, err)
	}
	if op == "DELETE" && s.registry != nil {
		for _, t := range tables {
			tables = append(tables, s.registry.deleteFanout(t)...)
		}
	}
	if s.tx != nil {
		for _, t := range tables {
			s.written[t] = true
		}
	} else {
		s.invalidate(tables...)
	}
	return res, nil
}

func (s *Session) invalidate(tables ...string) {
	if s.cache == nil {
		return
	}
	for _, t := range tables {
		s.cache.InvalidateTable(t)
	}
}

// cacheGet and cachePut are no-ops inside a transaction: entries must
// reflect committed state only, and a read there could miss the
// transaction's own writes.
func (s *Session) cacheGet(sig uint64) (any, bool) {
	if s.cache == nil || s.tx != nil {
		return nil, false
	}
	return s.cache.Get(sig)
}

func (s *Session) cachePut(sig uint64, v any, deps []string, ttl time.Duration) {
	if s.cache == nil || s.tx != nil {
		return
	}
	s.cache.Put(sig, v, deps, ttl)
}

func (s *Session) log(op, stmt string, args []any, start time.Time, err error) {
	if s.logger == nil {
		return
	}
	entry := s.logger.WithFields(logrus.Fields{
		"op":       op,
		"stmt":     stmt,
		"args":     formatArgs(args),
		"duration": time.Since(start),
	})
	if err != nil {
		entry.WithError(err).Debug("statement failed")
		return
	}
	entry.Debug("statement")
}

// syncRefs writes the identifier of every populated Ref accessor
// through to its FK column field so the row persists what the accessor
// points at.
func syncRefs(s *Session, info *ModelInfo, elem reflect.Value) {
	if s.registry == nil {
		return
	}
	for _, e := range s.registry.EdgesFor(info.TableName) {
		if !e.IsForward() {
			continue
		}
		acc := info.Accessors[e.Field]
		if acc == nil || acc.IsSet {
			continue
		}
		f := elem.FieldByIndex(acc.Index)
		if f.IsNil() {
			continue
		}
		rb, ok := f.Interface().(refBinder)
		if !ok {
			continue
		}
		cfi, ok := info.Columns[e.FKColumn()]
		if !ok {
			continue
		}
		_ = fillValue(elem.FieldByIndex(cfi.Index), rb.refID())
	}
}

// touchTimestamps sets created_at (inserts only) and updated_at when
// the model has the columns and they are zero or being refreshed.
func touchTimestamps(info *ModelInfo, elem reflect.Value, insert bool) {
	now := time.Now()
	if insert {
		if fi, ok := info.Columns["created_at"]; ok {
			f := elem.FieldByIndex(fi.Index)
			if f.IsZero() {
				_ = fillValue(f, now)
			}
		}
	}
	if fi, ok := info.Columns["updated_at"]; ok {
		_ = fillValue(elem.FieldByIndex(fi.Index), now)
	}
}

// Insert writes one row. A zero primary key is treated as
// auto-assigned: the column is omitted and the generated identifier is
// written back onto the instance. Accessors on the instance come back
// bound to the session.
func Insert[T any](ctx context.Context, s *Session, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}
	if err := s.check(); err != nil {
		return err
	}

	info := ParseModel[T]()
	elem := reflect.ValueOf(entity).Elem()
	syncRefs(s, info, elem)
	touchTimestamps(info, elem, true)

	autoPK := info.isZeroPK(elem)
	cols := make([]string, 0, len(info.ColumnList))
	args := make([]any, 0, len(info.ColumnList))
	for _, c := range info.ColumnList {
		fi := info.Columns[c]
		if fi.IsPrimary && autoPK {
			continue
		}
		cols = append(cols, c)
		args = append(args, normalizeID(elem.FieldByIndex(fi.Index).Interface()))
	}
	if len(cols) == 0 {
		return fmt.Errorf("%w: nothing to insert", ErrInvalidModel)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		info.TableName, strings.Join(cols, ", "), placeholders(len(cols)))
	res, err := s.exec(ctx, "INSERT", stmt, args, info.TableName)
	if err != nil {
		return err
	}

	if autoPK {
		if id, err := res.LastInsertId(); err == nil {
			if fi := info.pkField(); fi != nil {
				_ = fillValue(elem.FieldByIndex(fi.Index), id)
			}
		}
	}

	bindInstance(s, info, reflect.ValueOf(entity))
	return nil
}

// InsertAll writes many rows with multi-row statements, chunked to stay
// under SQLite's parameter limit. Primary keys are not written back;
// reload rows that need their identifiers. Chunks run in one
// transaction.
func InsertAll[T any](ctx context.Context, s *Session, entities []*T) error {
	if len(entities) == 0 {
		return nil
	}
	if err := s.check(); err != nil {
		return err
	}

	info := ParseModel[T]()
	cols := make([]string, 0, len(info.ColumnList))
	for _, c := range info.ColumnList {
		if info.Columns[c].IsPrimary {
			continue
		}
		cols = append(cols, c)
	}
	if len(cols) == 0 {
		return fmt.Errorf("%w: nothing to insert", ErrInvalidModel)
	}

	chunkRows := maxBatchParams / len(cols)
	if chunkRows > maxBatchRows {
		chunkRows = maxBatchRows
	}
	if chunkRows < 1 {
		chunkRows = 1
	}

	return s.Transaction(ctx, func(tx *Session) error {
		for start := 0; start < len(entities); start += chunkRows {
			end := start + chunkRows
			if end > len(entities) {
				end = len(entities)
			}
			chunk := entities[start:end]

			var sb strings.Builder
			sb.WriteString("INSERT INTO ")
			sb.WriteString(info.TableName)
			sb.WriteString(" (")
			sb.WriteString(strings.Join(cols, ", "))
			sb.WriteString(") VALUES ")

			args := make([]any, 0, len(chunk)*len(cols))
			for i, e := range chunk {
				if e == nil {
					return ErrNilPointer
				}
				elem := reflect.ValueOf(e).Elem()
				syncRefs(tx, info, elem)
				touchTimestamps(info, elem, true)
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString("(")
				sb.WriteString(placeholders(len(cols)))
				sb.WriteString(")")
				for _, c := range cols {
					args = append(args, normalizeID(elem.FieldByIndex(info.Columns[c].Index).Interface()))
				}
			}

			if _, err := tx.exec(ctx, "INSERT", sb.String(), args, info.TableName); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update rewrites every column of a row, matched by primary key.
// Updating a missing row is an error, ErrRecordNotFound.
func Update[T any](ctx context.Context, s *Session, entity *T) error {
	info := ParseModel[T]()
	cols := make([]string, 0, len(info.ColumnList))
	for _, c := range info.ColumnList {
		if info.Columns[c].IsPrimary {
			continue
		}
		cols = append(cols, c)
	}
	return updateColumns(ctx, s, info, entity, cols)
}

// UpdateColumns rewrites a subset of columns of a row, matched by
// primary key. Updating a missing row is an error, ErrRecordNotFound.
func UpdateColumns[T any](ctx context.Context, s *Session, entity *T, columns ...string) error {
	info := ParseModel[T]()
	for _, c := range columns {
		if _, ok := info.Columns[c]; !ok {
			return fmt.Errorf("%w: unknown column %q on table %q",
				ErrInvalidPath, c, info.TableName)
		}
	}
	sorted := append([]string(nil), columns...)
	sort.Strings(sorted)
	return updateColumns(ctx, s, info, entity, sorted)
}

func updateColumns[T any](ctx context.Context, s *Session, info *ModelInfo, entity *T, cols []string) error {
	if entity == nil {
		return ErrNilPointer
	}
	if err := s.check(); err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("%w: no columns to update", ErrInvalidModel)
	}

	elem := reflect.ValueOf(entity).Elem()
	if info.isZeroPK(elem) {
		return fmt.Errorf("%w: cannot update without a primary key", ErrInvalidModel)
	}
	syncRefs(s, info, elem)
	touchTimestamps(info, elem, false)

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(info.TableName)
	sb.WriteString(" SET ")
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c)
		sb.WriteString(" = ?")
		args = append(args, normalizeID(elem.FieldByIndex(info.Columns[c].Index).Interface()))
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(info.PrimaryKey)
	sb.WriteString(" = ?")
	args = append(args, normalizeID(info.pkValue(elem)))

	res, err := s.exec(ctx, "UPDATE", sb.String(), args, info.TableName)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return WrapQueryError("UPDATE", sb.String(), args, err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete removes a row by primary key. Deleting a missing row is an
// error, ErrRecordNotFound.
func Delete[T any](ctx context.Context, s *Session, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}
	if err := s.check(); err != nil {
		return err
	}

	info := ParseModel[T]()
	elem := reflect.ValueOf(entity).Elem()
	if info.isZeroPK(elem) {
		return fmt.Errorf("%w: cannot delete without a primary key", ErrInvalidModel)
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", info.TableName, info.PrimaryKey)
	args := []any{normalizeID(info.pkValue(elem))}
	res, err := s.exec(ctx, "DELETE", stmt, args, info.TableName)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return WrapQueryError("DELETE", stmt, args, err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Get loads a row by primary key, ErrRecordNotFound when absent.
func Get[T any](ctx context.Context, s *Session, id any) (*T, error) {
	info := ParseModel[T]()
	return Select[T](s).Filter(info.PrimaryKey, id).One(ctx)
}

// Save inserts the instance when its primary key is zero, updates it
// otherwise.
func Save[T any](ctx context.Context, s *Session, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}
	info := ParseModel[T]()
	if info.isZeroPK(reflect.ValueOf(entity).Elem()) {
		return Insert(ctx, s, entity)
	}
	return Update(ctx, s, entity)
}
