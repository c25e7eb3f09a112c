package sqliter

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestWrapQueryErrorClassifiesConstraints(t *testing.T) {
	s := setupSession(t)
	ctx := context.Background()
	ann, _ := seedAuthorBooks(t, s)

	// Duplicate primary key.
	err := Insert(ctx, s, &Author{ID: ann.ID, Name: "Clone"})
	if !IsDuplicateKey(err) {
		t.Errorf("duplicate pk error = %v, want duplicate key", err)
	}
	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("error %T does not carry query context", err)
	}
	if qerr.Operation != "INSERT" || !strings.Contains(qerr.Query, "INSERT INTO authors") {
		t.Errorf("query context = %q %q", qerr.Operation, qerr.Query)
	}

	// Dangling foreign key.
	err = Insert(ctx, s, &Book{Title: "Orphan", AuthorID: 9999})
	if !IsForeignKeyViolation(err) {
		t.Errorf("dangling fk error = %v, want foreign key violation", err)
	}
	if !IsConstraintViolation(err) {
		t.Error("fk violation not recognized as constraint violation")
	}
}

func TestErrorHelpers(t *testing.T) {
	if !IsNotFound(ErrRecordNotFound) {
		t.Error("IsNotFound on sentinel")
	}
	if !IsNotFound(WrapRelationError("author", "Book", ErrRecordNotFound)) {
		t.Error("IsNotFound through RelationError")
	}
	if IsNotFound(ErrInvalidPath) {
		t.Error("IsNotFound on unrelated error")
	}
	if !IsNullRelation(WrapRelationError("publisher", "Book", ErrNullRelation)) {
		t.Error("IsNullRelation through RelationError")
	}
	if !IsInvalidPath(&PathError{Path: "a__b", Segment: "b", Err: ErrInvalidPath}) {
		t.Error("IsInvalidPath through PathError")
	}
	if WrapQueryError("SELECT", "", nil, nil) != nil {
		t.Error("wrapping nil produced an error")
	}
}

func TestErrorMessagesCarryContext(t *testing.T) {
	qe := &QueryError{
		Query:     "SELECT * FROM books WHERE id = ?",
		Args:      []any{7},
		Operation: "SELECT",
		Err:       ErrRecordNotFound,
	}
	msg := qe.Error()
	for _, want := range []string{"SELECT failed", "books", "[7]"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}

	pe := &PathError{Path: "author__nope", Segment: "nope", Err: ErrInvalidPath}
	if !strings.Contains(pe.Error(), "author__nope") || !strings.Contains(pe.Error(), "'nope'") {
		t.Errorf("path message = %q", pe.Error())
	}

	ce := &ConfigError{Model: "books", Field: "Tags", Err: ErrInvalidConfig}
	if !strings.Contains(ce.Error(), "books.Tags") {
		t.Errorf("config message = %q", ce.Error())
	}
}

func TestFormatArgsTruncates(t *testing.T) {
	long := make([]any, 100)
	for i := range long {
		long[i] = "aaaaaaaaaa"
	}
	got := formatArgs(long)
	if len(got) != 200 {
		t.Errorf("formatted args length = %d, want 200", len(got))
	}
	if !strings.HasSuffix(got, "...]") {
		t.Errorf("truncated args = %q", got)
	}
	if formatArgs(nil) != "[]" {
		t.Errorf("empty args = %q", formatArgs(nil))
	}
}
