package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const postsYAML = `
name: posts
label: Posts
fields:
  - name: title
    type: string
    required: true
  - name: body
    type: richtext
`

func TestLoader_LoadsDirectoryDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "posts.yaml", postsYAML)
	writeFile(t, dir, "nested/authors.json", `{"name": "authors", "fields": [{"name": "name", "type": "string"}]}`)
	writeFile(t, dir, "README.md", "not a definition")
	writeFile(t, dir, ".hidden.yaml", "name: hidden")

	l := NewLoader(zaptest.NewLogger(t), NewDirSource(dir))
	result := l.Load(context.Background())

	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"authors", "posts"}, result.Names())

	posts := result.Modules["posts"]
	require.NotNil(t, posts)
	assert.Equal(t, filepath.Join(dir, "posts.yaml"), posts.Origin)
	require.Len(t, posts.Definition.Fields, 2)
	assert.Equal(t, "title", posts.Definition.Fields[0].Name)
	assert.True(t, posts.Definition.Fields[0].Required)
}

func TestLoader_MalformedSourceDoesNotAbortPass(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "posts.yaml", postsYAML)
	broken := writeFile(t, dir, "broken.yaml", "name: [unterminated")
	writeFile(t, dir, "pages.yaml", "name: pages\nfields: not-a-list\n")

	l := NewLoader(zaptest.NewLogger(t), NewDirSource(dir))
	result := l.Load(context.Background())

	assert.Equal(t, []string{"posts"}, result.Names())

	require.Len(t, result.Errors[broken], 1, "unnamed failure is keyed by origin")
	var loadErr *LoadError
	require.True(t, errors.As(result.Errors[broken][0], &loadErr))
	assert.Empty(t, loadErr.Collection)

	require.Len(t, result.Errors["pages"], 1, "named failure is attached to the collection")
	require.True(t, errors.As(result.Errors["pages"][0], &loadErr))
	assert.Equal(t, "pages", loadErr.Collection)

	assert.ElementsMatch(t, []string{"pages", "posts"}, result.ClaimedNames())
}

func TestLoader_UnknownKeysAreLoadErrors(t *testing.T) {
	_, err := ParseDefinition([]byte("name: posts\nfeilds: []\n"))
	assert.Error(t, err)

	_, err = ParseDefinition([]byte(""))
	assert.EqualError(t, err, "empty definition")
}

func TestLoader_DuplicateNamesConflict(t *testing.T) {
	dir := t.TempDir()
	fileOrigin := writeFile(t, dir, "posts.yaml", postsYAML)

	mem := NewMemorySource("plugin:blog", &Definition{
		Name:   "posts",
		Fields: []FieldDefinition{{Name: "title", Type: "string"}},
	})

	l := NewLoader(zaptest.NewLogger(t), NewDirSource(dir), mem)
	result := l.Load(context.Background())

	_, loaded := result.Modules["posts"]
	assert.False(t, loaded, "conflicting collection must not be handed to validation")

	require.Len(t, result.Errors["posts"], 1)
	var conflict *ConflictError
	require.True(t, errors.As(result.Errors["posts"][0], &conflict))
	assert.Equal(t, []string{fileOrigin, "plugin:blog/posts"}, conflict.Origins)
	assert.Contains(t, conflict.Error(), fileOrigin)
	assert.Contains(t, conflict.Error(), "plugin:blog/posts")
}

func TestLoader_SourceManagement(t *testing.T) {
	l := NewLoader(nil)

	blog := NewMemorySource("plugin:blog", &Definition{Name: "posts"})
	require.NoError(t, l.AddSource(blog))
	assert.Error(t, l.AddSource(NewMemorySource("plugin:blog")))

	assert.Equal(t, []string{"posts"}, l.AvailableCollectionNames(context.Background()))

	blog.Add(&Definition{Name: "tags"})
	assert.Equal(t, []string{"posts", "tags"}, l.AvailableCollectionNames(context.Background()))
	assert.True(t, blog.Remove("tags"))
	assert.False(t, blog.Remove("tags"))
	assert.Equal(t, []string{"posts"}, l.AvailableCollectionNames(context.Background()))

	assert.True(t, l.RemoveSource("plugin:blog"))
	assert.False(t, l.RemoveSource("plugin:blog"))
	assert.Empty(t, l.AvailableCollectionNames(context.Background()))
}

func TestLoader_MissingDirectoryIsSourceError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	src := NewDirSource(missing)
	l := NewLoader(nil, src)

	result := l.Load(context.Background())

	assert.Empty(t, result.Modules)
	require.Len(t, result.Errors[src.Name()], 1)
}

func TestLoader_UnnamedMemoryDefinition(t *testing.T) {
	l := NewLoader(nil, NewMemorySource("mem", &Definition{}))

	result := l.Load(context.Background())

	assert.Empty(t, result.Modules)
	require.Len(t, result.Errors["mem#0"], 1)
	assert.Contains(t, result.Errors["mem#0"][0].Error(), "no name")
}
