package sqliter

import (
	"context"
	"errors"
	"testing"
)

func TestRefLazyLoadIsIdempotent(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()
	ann, _ := seedAuthorBooks(t, s)

	book, err := Select[Book](s).Filter("title", "Go in Anger").One(ctx)
	if err != nil {
		t.Fatalf("load book: %v", err)
	}
	if _, ok := book.Author.Resolved(); ok {
		t.Fatal("author resolved before first Get")
	}

	s.ResetQueryCount()
	a, err := book.Author.Get(ctx)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if a.ID != ann.ID || a.Name != "Ann" {
		t.Errorf("author = %+v", a)
	}
	if got := s.QueryCount(); got != 1 {
		t.Errorf("first Get ran %d queries, want 1", got)
	}

	b, err := book.Author.Get(ctx)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if b != a {
		t.Error("second Get returned a different instance")
	}
	if got := s.QueryCount(); got != 1 {
		t.Errorf("second Get queried again, count = %d", got)
	}
}

func TestRefNullDereference(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()
	seedAuthorBooks(t, s)

	book, err := Select[Book](s).Filter("title", "Go in Anger").One(ctx)
	if err != nil {
		t.Fatalf("load book: %v", err)
	}

	if !book.Publisher.IsNull() {
		t.Fatal("publisher should be null")
	}
	if book.Publisher.ID() != nil {
		t.Errorf("null ref ID = %v", book.Publisher.ID())
	}
	_, err = book.Publisher.Get(ctx)
	if !errors.Is(err, ErrNullRelation) {
		t.Errorf("null dereference error = %v, want ErrNullRelation", err)
	}
	var rerr *RelationError
	if !errors.As(err, &rerr) {
		t.Errorf("error %T does not carry relation context", err)
	}
}

func TestRefIDReadsWithoutQuerying(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()
	ann, _ := seedAuthorBooks(t, s)

	book, err := Select[Book](s).Filter("title", "Go in Peace").One(ctx)
	if err != nil {
		t.Fatal(err)
	}

	s.ResetQueryCount()
	if !compareIDs(book.Author.ID(), ann.ID) {
		t.Errorf("ref id = %v, want %v", book.Author.ID(), ann.ID)
	}
	if book.Author.IsNull() {
		t.Error("bound ref reported null")
	}
	if got := s.QueryCount(); got != 0 {
		t.Errorf("reading the identifier ran %d queries", got)
	}
}

func TestRefSet(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()
	ann, bob := seedAuthorBooks(t, s)

	book, err := Select[Book](s).Filter("author", ann.ID).First(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Set by instance writes through to the FK field.
	if err := book.Author.Set(bob); err != nil {
		t.Fatalf("set by instance: %v", err)
	}
	if book.AuthorID != bob.ID {
		t.Errorf("fk field = %d, want %d", book.AuthorID, bob.ID)
	}
	if err := Update(ctx, s, book); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got, err := Get[Book](ctx, s, book.ID)
	if err != nil || got.AuthorID != bob.ID {
		t.Fatalf("reloaded fk = %d, %v", got.AuthorID, err)
	}

	// Set by raw identifier drops any cached value.
	if err := book.Author.Set(ann.ID); err != nil {
		t.Fatalf("set by id: %v", err)
	}
	if _, ok := book.Author.Resolved(); ok {
		t.Error("cached value survived repointing")
	}
	if book.AuthorID != ann.ID {
		t.Errorf("fk field = %d, want %d", book.AuthorID, ann.ID)
	}

	// Nil is only legal on a nullable edge.
	if err := book.Author.Set(nil); !errors.Is(err, ErrInvalidRelation) {
		t.Errorf("null on required edge error = %v", err)
	}
	if err := book.Publisher.Set(nil); err != nil {
		t.Errorf("null on nullable edge: %v", err)
	}
	if book.PublisherID != nil {
		t.Errorf("nullable fk not cleared: %v", *book.PublisherID)
	}

	// Unsaved instances and junk types are rejected.
	if err := book.Author.Set(&Author{Name: "ghost"}); !errors.Is(err, ErrInvalidModel) {
		t.Errorf("unsaved instance error = %v", err)
	}
	if err := book.Author.Set(3.14); !errors.Is(err, ErrInvalidRelation) {
		t.Errorf("float identifier error = %v", err)
	}
}

func TestRefEqual(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()
	ann, _ := seedAuthorBooks(t, s)

	b1, err := Select[Book](s).Filter("title", "Go in Anger").One(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := Select[Book](s).BypassCache().Filter("title", "Go in Peace").One(ctx)
	if err != nil {
		t.Fatal(err)
	}

	s.ResetQueryCount()
	eq, err := b1.Author.Equal(ctx, b2.Author)
	if err != nil || !eq {
		t.Fatalf("same author Equal = %v, %v", eq, err)
	}
	if got := s.QueryCount(); got != 0 {
		t.Errorf("identifier comparison ran %d queries", got)
	}

	other := NewRef[Author](ann)
	eq, err = b1.Author.Equal(ctx, other)
	if err != nil || !eq {
		t.Fatalf("Equal against hand-built ref = %v, %v", eq, err)
	}

	null1, null2 := NewRefID[Author](nil), NewRefID[Author](nil)
	eq, err = null1.Equal(ctx, null2)
	if err != nil || !eq {
		t.Fatalf("two null refs Equal = %v, %v", eq, err)
	}
	eq, err = null1.Equal(ctx, b1.Author)
	if err != nil || eq {
		t.Fatalf("null vs bound Equal = %v, %v", eq, err)
	}
}

func TestNewRefHelpers(t *testing.T) {
	a := &Author{ID: 5, Name: "Ann"}
	r := NewRef(a)
	if v, ok := r.Resolved(); !ok || v != a {
		t.Error("NewRef did not cache the instance")
	}
	if !compareIDs(r.ID(), int64(5)) {
		t.Errorf("NewRef id = %v", r.ID())
	}

	rid := NewRefID[Author](int64(7))
	if compareIDs(rid.ID(), int64(5)) || !compareIDs(rid.ID(), int64(7)) {
		t.Errorf("NewRefID id = %v", rid.ID())
	}
	if _, err := rid.Get(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("unbound Get error = %v", err)
	}
}
