package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refCollection(name string, targets ...string) *Collection {
	c := &Collection{Name: name}
	c.Fields = append(c.Fields, &Field{Name: "title", Type: TypeString})
	for _, target := range targets {
		c.Fields = append(c.Fields, &Field{Name: target + "_ref", Type: TypeReference, Target: target})
	}
	return c
}

func TestDependencyGraph_PlanOrdersDependenciesFirst(t *testing.T) {
	authors := refCollection("authors")
	posts := refCollection("posts", "authors", "categories")
	categories := refCollection("categories")
	comments := refCollection("comments", "posts")

	plan := NewDependencyGraph([]*Collection{comments, posts, categories, authors}).Plan()

	assert.Equal(t, [][]string{
		{"authors", "categories"},
		{"posts"},
		{"comments"},
	}, plan.Waves)
	assert.Empty(t, plan.BrokenCycles)
	assert.Equal(t, []string{"authors", "categories", "posts", "comments"}, plan.Order())
}

func TestDependencyGraph_PlanIsIndependentOfInputOrder(t *testing.T) {
	a := refCollection("a")
	b := refCollection("b", "a")

	first := NewDependencyGraph([]*Collection{a, b}).Plan()
	second := NewDependencyGraph([]*Collection{b, a}).Plan()

	assert.Equal(t, first.Waves, second.Waves)
	assert.Equal(t, []string{"a", "b"}, first.Order())
}

func TestDependencyGraph_PlanBreaksCyclesDeterministically(t *testing.T) {
	x := refCollection("x", "y")
	y := refCollection("y", "z")
	z := refCollection("z", "x")
	standalone := refCollection("standalone")

	plan := NewDependencyGraph([]*Collection{z, y, x, standalone}).Plan()

	require.Len(t, plan.BrokenCycles, 1)
	cycle := plan.BrokenCycles[0]
	assert.Equal(t, "x", cycle.BrokenAt)
	assert.Equal(t, []string{"x", "y", "z"}, cycle.Path)
	assert.Equal(t, "x -> y -> z -> x (broken at x)", cycle.String())

	assert.Equal(t, []string{"standalone", "x", "z", "y"}, plan.Order())
}

func TestDependencyGraph_SelfReferenceIsNotACycle(t *testing.T) {
	pages := refCollection("pages", "pages")

	plan := NewDependencyGraph([]*Collection{pages}).Plan()

	assert.Empty(t, plan.BrokenCycles)
	assert.Equal(t, [][]string{{"pages"}}, plan.Waves)
}

func TestDependencyGraph_IgnoresUnknownTargets(t *testing.T) {
	posts := refCollection("posts", "missing")

	g := NewDependencyGraph([]*Collection{posts})

	assert.Empty(t, g.Dependencies("posts"))
	assert.Equal(t, [][]string{{"posts"}}, g.Plan().Waves)
}

func TestDependencyGraph_Dependents(t *testing.T) {
	authors := refCollection("authors")
	posts := refCollection("posts", "authors")
	books := refCollection("books", "authors")

	g := NewDependencyGraph([]*Collection{authors, posts, books})

	assert.Equal(t, []string{"books", "posts"}, g.Dependents("authors"))
	assert.Empty(t, g.Dependents("posts"))
}
