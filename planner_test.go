package sqliter

import (
	"errors"
	"testing"
)

type Country struct {
	ID   int64
	Name string
}

type City struct {
	ID        int64
	Name      string
	CountryID int64
	Country   *Ref[Country]
}

type Venue struct {
	ID     int64
	Name   string
	CityID *int64
	City   *Ref[City]
}

func plannerRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := Register[Country](reg); err != nil {
		t.Fatal(err)
	}
	err := Register[City](reg, &Edge{Field: "Country", Target: "countries", Kind: OneToMany})
	if err != nil {
		t.Fatal(err)
	}
	err = Register[Venue](reg, &Edge{Field: "City", Target: "cities", Kind: OneToMany, Nullable: true})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestPlannerAliasesAndDedup(t *testing.T) {
	reg := plannerRegistry(t)
	p := newJoinPlanner(reg, reg.Resolve("venues"))

	leaf, err := p.walk("city__country", true)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if leaf.Table != "countries" || leaf.Alias != "t2" {
		t.Errorf("leaf = %s/%s, want countries/t2", leaf.Table, leaf.Alias)
	}

	// Shared prefix reuses the existing join.
	again, err := p.walk("city", false)
	if err != nil {
		t.Fatalf("walk prefix: %v", err)
	}
	if again.Alias != "t1" {
		t.Errorf("prefix alias = %s, want t1", again.Alias)
	}
	if len(p.joins) != 2 {
		t.Fatalf("join count = %d, want 2", len(p.joins))
	}
}

func TestPlannerNullabilityPropagates(t *testing.T) {
	reg := plannerRegistry(t)
	p := newJoinPlanner(reg, reg.Resolve("venues"))

	if _, err := p.walk("city__country", true); err != nil {
		t.Fatalf("walk: %v", err)
	}

	// venue.city is nullable, so both the hop and everything under it
	// must join LEFT.
	for _, ji := range p.joins {
		if ji.Kind != leftJoin {
			t.Errorf("join %s kind = %s, want LEFT JOIN", ji.Path, ji.Kind)
		}
		if !ji.Nullable {
			t.Errorf("join %s not marked nullable", ji.Path)
		}
	}

	// A non-nullable chain stays INNER.
	p2 := newJoinPlanner(reg, reg.Resolve("cities"))
	ji, err := p2.walk("country", true)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if ji.Kind != innerJoin {
		t.Errorf("join kind = %s, want JOIN", ji.Kind)
	}
}

func TestPlannerClauseShape(t *testing.T) {
	reg := plannerRegistry(t)
	p := newJoinPlanner(reg, reg.Resolve("cities"))
	if _, err := p.walk("country", true); err != nil {
		t.Fatal(err)
	}

	clauses := p.clauses()
	want := "JOIN countries AS t1 ON t1.id = cities.country_id"
	if len(clauses) != 1 || clauses[0] != want {
		t.Errorf("clauses = %v, want [%s]", clauses, want)
	}
}

func TestPlannerRejectsNonForwardSegments(t *testing.T) {
	reg := newTestRegistry(t)
	root := reg.Resolve("authors")

	// Reverse FK segment.
	p := newJoinPlanner(reg, root)
	_, err := p.walk("books", true)
	var perr *PathError
	if !errors.As(err, &perr) || !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("reverse walk error = %v, want PathError", err)
	}

	// M2M segment.
	p = newJoinPlanner(reg, reg.Resolve("books"))
	if _, err := p.walk("tags", true); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("m2m walk error = %v, want ErrInvalidPath", err)
	}

	// Unknown segment.
	if _, err := p.walk("nonsense", true); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("unknown walk error = %v, want ErrInvalidPath", err)
	}
}
