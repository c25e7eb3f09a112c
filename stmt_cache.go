package sqliter

import (
	"container/list"
	"database/sql"
	"sync"
)

// StmtCache is an LRU of prepared statements, keyed by statement text.
// Entries are reference counted so a statement evicted while a query
// still runs on it is closed only after its last release.
type StmtCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*stmtEntry
	lru      *list.List
}

type stmtEntry struct {
	stmt    *sql.Stmt
	element *list.Element
	query   string
	refs    int
	evicted bool
}

// NewStmtCache returns a statement cache holding at most capacity
// statements; zero or negative defaults to 100.
func NewStmtCache(capacity int) *StmtCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &StmtCache{
		capacity: capacity,
		items:    make(map[string]*stmtEntry),
		lru:      list.New(),
	}
}

// Get returns a cached statement and its release func, or (nil, nil)
// on a miss. The caller must call release once done with the statement.
func (c *StmtCache) Get(query string) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[query]
	if !ok {
		return nil, nil
	}
	c.lru.MoveToFront(e.element)
	e.refs++
	return e.stmt, func() { c.release(e) }
}

// PutAndGet stores a freshly prepared statement and returns it with a
// held reference, so it cannot be evicted and closed before the caller
// is done. The caller must call release once done.
func (c *StmtCache) PutAndGet(query string, stmt *sql.Stmt) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[query]; ok {
		c.evict(old)
	}
	if len(c.items) >= c.capacity {
		if back := c.lru.Back(); back != nil {
			c.evict(back.Value.(*stmtEntry))
		}
	}

	e := &stmtEntry{stmt: stmt, query: query, refs: 1}
	e.element = c.lru.PushFront(e)
	c.items[query] = e
	return e.stmt, func() { c.release(e) }
}

// evict drops an entry from the index; the statement closes now if
// unreferenced, otherwise on its last release. Lock held.
func (c *StmtCache) evict(e *stmtEntry) {
	c.lru.Remove(e.element)
	delete(c.items, e.query)
	e.evicted = true
	if e.refs == 0 && e.stmt != nil {
		_ = e.stmt.Close()
	}
}

func (c *StmtCache) release(e *stmtEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.evicted && e.stmt != nil {
		_ = e.stmt.Close()
	}
}

// Clear evicts everything; in-flight statements close on release.
func (c *StmtCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.items {
		e.evicted = true
		if e.refs == 0 && e.stmt != nil {
			_ = e.stmt.Close()
		}
	}
	c.items = make(map[string]*stmtEntry)
	c.lru.Init()
}

// Len returns the number of cached statements.
func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
