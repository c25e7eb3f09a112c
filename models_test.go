package sqliter

import (
	"context"
	"testing"
)

// Shared fixture schema: authors/publishers 1-N books, books N-N tags,
// people symmetric N-N people.

type Author struct {
	ID    int64
	Name  string
	Books *RelSet[Book]
}

type Publisher struct {
	ID    int64
	Name  string
	Books *RelSet[Book]
}

type Book struct {
	ID          int64
	Title       string
	Price       float64
	AuthorID    int64
	PublisherID *int64
	Author      *Ref[Author]
	Publisher   *Ref[Publisher]
	Tags        *RelSet[Tag]
}

type Tag struct {
	ID    int64
	Name  string
	Books *RelSet[Book]
}

type Person struct {
	ID      int64
	Name    string
	Friends *RelSet[Person]
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()

	err := Register[Book](reg,
		&Edge{Field: "Author", Target: "authors", Kind: OneToMany, OnDelete: Cascade},
		&Edge{Field: "Publisher", Target: "publishers", Kind: OneToMany, Nullable: true, OnDelete: SetNull},
		&Edge{Field: "Tags", Target: "tags", Kind: ManyToMany},
	)
	if err != nil {
		t.Fatalf("register Book: %v", err)
	}
	if err := Register[Author](reg); err != nil {
		t.Fatalf("register Author: %v", err)
	}
	if err := Register[Publisher](reg); err != nil {
		t.Fatalf("register Publisher: %v", err)
	}
	if err := Register[Tag](reg); err != nil {
		t.Fatalf("register Tag: %v", err)
	}
	err = Register[Person](reg,
		&Edge{Field: "Friends", Target: "people", Kind: ManyToMany, Symmetric: true},
	)
	if err != nil {
		t.Fatalf("register Person: %v", err)
	}
	return reg
}

const testDDL = `
CREATE TABLE authors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
CREATE TABLE publishers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
CREATE TABLE books (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	price REAL NOT NULL DEFAULT 0,
	author_id INTEGER NOT NULL REFERENCES authors(id) ON DELETE CASCADE,
	publisher_id INTEGER REFERENCES publishers(id) ON DELETE SET NULL
);
CREATE TABLE tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
CREATE TABLE people (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
`

func setupSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	reg := newTestRegistry(t)

	s, err := Open(":memory:", append([]Option{WithRegistry(reg)}, opts...)...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// One logical connection; a second pool connection would see its
	// own empty :memory: database.
	s.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })

	if _, err := s.DB().Exec(testDDL); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	for _, table := range []string{"books", "people"} {
		for _, e := range reg.EdgesFor(table) {
			if e.Kind != ManyToMany {
				continue
			}
			ddl, err := JunctionDDL(e, reg)
			if err != nil {
				t.Fatalf("junction ddl: %v", err)
			}
			if _, err := s.DB().Exec(ddl); err != nil {
				t.Fatalf("create junction: %v", err)
			}
		}
	}
	return s
}

func seedAuthorBooks(t *testing.T, s *Session) (*Author, *Author) {
	t.Helper()
	ctx := context.Background()

	ann := &Author{Name: "Ann"}
	bob := &Author{Name: "Bob"}
	for _, a := range []*Author{ann, bob} {
		if err := Insert(ctx, s, a); err != nil {
			t.Fatalf("insert author: %v", err)
		}
	}
	books := []*Book{
		{Title: "Go in Anger", Price: 10, AuthorID: ann.ID},
		{Title: "Go in Peace", Price: 20, AuthorID: ann.ID},
		{Title: "Go Again", Price: 30, AuthorID: ann.ID},
		{Title: "Stay Put", Price: 40, AuthorID: bob.ID},
	}
	for _, b := range books {
		if err := Insert(ctx, s, b); err != nil {
			t.Fatalf("insert book: %v", err)
		}
	}
	return ann, bob
}
