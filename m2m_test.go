package sqliter

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestJunctionDDL(t *testing.T) {
	reg := newTestRegistry(t)

	var edge *Edge
	for _, e := range reg.EdgesFor("books") {
		if e.Kind == ManyToMany {
			edge = e
		}
	}
	if edge == nil {
		t.Fatal("no many-to-many edge on books")
	}

	ddl, err := JunctionDDL(edge, reg)
	if err != nil {
		t.Fatalf("ddl: %v", err)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS books_tags",
		"book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE",
		"tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE",
		"UNIQUE (book_id, tag_id)",
		"CREATE INDEX IF NOT EXISTS idx_books_tags_book_id",
		"CREATE INDEX IF NOT EXISTS idx_books_tags_tag_id",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("ddl missing %q:\n%s", want, ddl)
		}
	}

	fk := &Edge{Field: "Author", Table: "books", Target: "authors", Kind: OneToMany}
	if _, err := JunctionDDL(fk, reg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("fk edge ddl error = %v, want ErrInvalidConfig", err)
	}
}

func TestJunctionDDLSelfReferential(t *testing.T) {
	reg := newTestRegistry(t)

	var edge *Edge
	for _, e := range reg.EdgesFor("people") {
		if e.Kind == ManyToMany {
			edge = e
		}
	}
	if edge == nil {
		t.Fatal("no many-to-many edge on people")
	}

	ddl, err := JunctionDDL(edge, reg)
	if err != nil {
		t.Fatalf("ddl: %v", err)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS people_people",
		"from_person_id",
		"to_person_id",
		"UNIQUE (from_person_id, to_person_id)",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("ddl missing %q:\n%s", want, ddl)
		}
	}
}

func TestCanonicalPair(t *testing.T) {
	tests := []struct {
		a, b         any
		wantA, wantB any
	}{
		{int64(2), int64(1), int64(1), int64(2)},
		{int64(1), int64(2), int64(1), int64(2)},
		{int64(5), int64(5), int64(5), int64(5)},
		// Numeric ordering, not textual: 9 < 10.
		{int64(10), int64(9), int64(9), int64(10)},
		{"b", "a", "a", "b"},
	}
	for _, tt := range tests {
		a, b := canonicalPair(tt.a, tt.b)
		if a != tt.wantA || b != tt.wantB {
			t.Errorf("canonicalPair(%v, %v) = %v, %v; want %v, %v",
				tt.a, tt.b, a, b, tt.wantA, tt.wantB)
		}
	}
}

func TestM2MSetIsAtomic(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()
	ann, _ := seedAuthorBooks(t, s)
	tags := seedTags(t, s, "go", "sql")

	book, err := ann.Books.One(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := book.Tags.Add(ctx, tags[0]); err != nil {
		t.Fatal(err)
	}

	// A rejected member list leaves the old membership intact.
	err = book.Tags.Set(ctx, tags[1], nil)
	if !errors.Is(err, ErrNilPointer) {
		t.Fatalf("set with nil member error = %v", err)
	}
	n, err := book.Tags.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("membership after failed set = %d, %v", n, err)
	}

	if err := book.Tags.Set(ctx, tags[1]); err != nil {
		t.Fatalf("set: %v", err)
	}
	members, err := book.Tags.All(ctx)
	if err != nil || len(members) != 1 || members[0].ID != tags[1].ID {
		t.Fatalf("membership after set = %v, %v", members, err)
	}
}
