package sqliter

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func compile[T any](t *testing.T, q *Query[T]) *compiled {
	t.Helper()
	c, err := q.compileSelect(false)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c
}

func TestCompileOrderIndependence(t *testing.T) {
	s := setupSession(t)

	a := Select[Book](s).
		Filter("price__gte", 10).
		SelectRelated("author").
		Filter("author__name", "Ann").
		SelectRelated("publisher")
	b := Select[Book](s).
		SelectRelated("publisher", "author").
		Filter("author__name", "Ann").
		Filter("price__gte", 10)

	ca, cb := compile(t, a), compile(t, b)
	if ca.stmt != cb.stmt {
		t.Errorf("statements differ:\n%s\n%s", ca.stmt, cb.stmt)
	}
	if !reflect.DeepEqual(ca.args, cb.args) {
		t.Errorf("args differ: %v vs %v", ca.args, cb.args)
	}
	if !reflect.DeepEqual(ca.deps, cb.deps) {
		t.Errorf("deps differ: %v vs %v", ca.deps, cb.deps)
	}
}

func TestCompileFilterOperators(t *testing.T) {
	s := setupSession(t)

	tests := []struct {
		key   string
		value any
		want  string
		args  []any
	}{
		{"title", "x", "books.title = ?", []any{"x"}},
		{"price__gt", 5, "books.price > ?", []any{5}},
		{"price__lte", 5, "books.price <= ?", []any{5}},
		{"title__ne", "x", "books.title != ?", []any{"x"}},
		{"title__like", "Go%", "books.title LIKE ?", []any{"Go%"}},
		{"id__in", []int64{1, 2}, "books.id IN (?, ?)", []any{int64(1), int64(2)}},
		{"id__in", []int64{}, "1 = 0", nil},
		{"publisher_id__isnull", true, "books.publisher_id IS NULL", nil},
		{"publisher_id__isnull", false, "books.publisher_id IS NOT NULL", nil},
		{"title", nil, "books.title IS NULL", nil},
		// Relation name shorthand compares the FK column.
		{"author", int64(3), "books.author_id = ?", []any{int64(3)}},
	}
	for _, tt := range tests {
		c := compile(t, Select[Book](s).Filter(tt.key, tt.value))
		if !strings.Contains(c.stmt, "WHERE "+tt.want) {
			t.Errorf("Filter(%q, %v): stmt %q missing %q", tt.key, tt.value, c.stmt, tt.want)
		}
		if tt.args == nil {
			if len(c.args) != 0 {
				t.Errorf("Filter(%q): unexpected args %v", tt.key, c.args)
			}
		} else if !reflect.DeepEqual(c.args, tt.args) {
			t.Errorf("Filter(%q): args = %v, want %v", tt.key, c.args, tt.args)
		}
	}
}

func TestCompileFilterTraversal(t *testing.T) {
	s := setupSession(t)

	c := compile(t, Select[Book](s).Filter("author__name__like", "A%"))
	if !strings.Contains(c.stmt, "JOIN authors AS t1 ON t1.id = books.author_id") {
		t.Errorf("missing traversal join: %s", c.stmt)
	}
	if !strings.Contains(c.stmt, "t1.name LIKE ?") {
		t.Errorf("filter not qualified by alias: %s", c.stmt)
	}

	// Filter path and SelectRelated path share one join.
	c = compile(t, Select[Book](s).SelectRelated("author").Filter("author__name", "Ann"))
	if n := strings.Count(c.stmt, "JOIN authors"); n != 1 {
		t.Errorf("authors joined %d times, want 1: %s", n, c.stmt)
	}
}

func TestCompileNullableHopJoinsLeft(t *testing.T) {
	s := setupSession(t)

	c := compile(t, Select[Book](s).SelectRelated("publisher"))
	if !strings.Contains(c.stmt, "LEFT JOIN publishers") {
		t.Errorf("nullable hop not LEFT: %s", c.stmt)
	}

	c = compile(t, Select[Book](s).SelectRelated("author"))
	if strings.Contains(c.stmt, "LEFT JOIN") {
		t.Errorf("non-nullable hop joined LEFT: %s", c.stmt)
	}
}

func TestCompileFieldsKeepPKAndFKs(t *testing.T) {
	s := setupSession(t)

	c := compile(t, Select[Book](s).Fields("title"))
	head := strings.SplitN(c.stmt, " FROM ", 2)[0]
	for _, col := range []string{"books.id", "books.title", "books.author_id", "books.publisher_id"} {
		if !strings.Contains(head, col) {
			t.Errorf("column %s dropped from %q", col, head)
		}
	}
	if strings.Contains(head, "books.price") {
		t.Errorf("unselected column survived: %q", head)
	}

	c = compile(t, Select[Book](s).Exclude("author_id", "id"))
	head = strings.SplitN(c.stmt, " FROM ", 2)[0]
	if !strings.Contains(head, "books.id") || !strings.Contains(head, "books.author_id") {
		t.Errorf("pk or fk excluded: %q", head)
	}

	if _, err := Select[Book](s).Fields("nope").compileSelect(false); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("unknown field error = %v", err)
	}
}

func TestCompileOrderLimitOffset(t *testing.T) {
	s := setupSession(t)

	c := compile(t, Select[Book](s).OrderDesc("price").Limit(5).Offset(10))
	if !strings.HasSuffix(c.stmt, "ORDER BY books.price DESC LIMIT 5 OFFSET 10") {
		t.Errorf("tail = %q", c.stmt)
	}

	if _, err := Select[Book](s).Order("nope").compileSelect(false); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("unknown order column error = %v", err)
	}
}

func TestQueryBuilderErrorSticks(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()

	q := Select[Book](s).Filter("bogus__column", 1)
	if _, err := q.All(ctx); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("All error = %v", err)
	}
	if _, err := q.Count(ctx); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Count error = %v", err)
	}
}

func TestWriteQueriesRejectTraversal(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()

	_, err := Select[Book](s).Filter("author__name", "Ann").Delete(ctx)
	if !errors.Is(err, ErrInvalidPath) {
		t.Errorf("traversing delete error = %v", err)
	}
	_, err = Select[Book](s).Filter("author__name", "Ann").Update(ctx, map[string]any{"price": 1})
	if !errors.Is(err, ErrInvalidPath) {
		t.Errorf("traversing update error = %v", err)
	}
}

func TestUpdateAndDeleteRequireMatches(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()
	seedAuthorBooks(t, s)

	n, err := Select[Book](s).Filter("price__gte", 20).Update(ctx, map[string]any{"price": 99})
	if err != nil || n != 3 {
		t.Fatalf("update = %d, %v", n, err)
	}

	_, err = Select[Book](s).Filter("title", "No Such Book").Update(ctx, map[string]any{"price": 1})
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("zero-row update error = %v", err)
	}
	_, err = Select[Book](s).Filter("title", "No Such Book").Delete(ctx)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("zero-row delete error = %v", err)
	}

	n, err = Select[Book](s).Filter("price", 99).Delete(ctx)
	if err != nil || n != 3 {
		t.Fatalf("delete = %d, %v", n, err)
	}
}

func TestOneFirstLast(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()
	seedAuthorBooks(t, s)

	if _, err := Select[Book](s).Filter("title", "missing").One(ctx); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("One miss error = %v", err)
	}

	first, err := Select[Book](s).First(ctx)
	if err != nil || first.Title != "Go in Anger" {
		t.Fatalf("First = %+v, %v", first, err)
	}
	last, err := Select[Book](s).Last(ctx)
	if err != nil || last.Title != "Stay Put" {
		t.Fatalf("Last = %+v, %v", last, err)
	}

	// With an explicit order, Last inverts it.
	cheap, err := Select[Book](s).Order("price").Last(ctx)
	if err != nil || cheap.Price != 40 {
		t.Fatalf("Last by price = %+v, %v", cheap, err)
	}
}
