package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RawDefinition is a definition as delivered by a source. Exactly one of
// Data or Definition is set: file-based sources deliver bytes, in-memory and
// plugin sources deliver typed documents.
type RawDefinition struct {
	Origin     string
	Data       []byte
	Definition *Definition
}

// Source provides named raw collection definitions
type Source interface {
	Name() string
	Definitions(ctx context.Context) ([]RawDefinition, error)
}

// MemorySource serves definitions held in memory
type MemorySource struct {
	name        string
	mu          sync.RWMutex
	definitions []*Definition
}

// NewMemorySource creates a memory source with the given definitions
func NewMemorySource(name string, definitions ...*Definition) *MemorySource {
	return &MemorySource{
		name:        name,
		definitions: definitions,
	}
}

// Name returns the source name
func (s *MemorySource) Name() string {
	return s.name
}

// Add appends a definition to the source
func (s *MemorySource) Add(def *Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions = append(s.definitions, def)
}

// Remove drops the definitions named name and reports whether any existed
func (s *MemorySource) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.definitions[:0:0]
	for _, def := range s.definitions {
		if def == nil || def.Name != name {
			kept = append(kept, def)
		}
	}
	removed := len(kept) != len(s.definitions)
	s.definitions = kept
	return removed
}

// Definitions returns the definitions held by the source
func (s *MemorySource) Definitions(ctx context.Context) ([]RawDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raws := make([]RawDefinition, 0, len(s.definitions))
	for i, def := range s.definitions {
		origin := fmt.Sprintf("%s#%d", s.name, i)
		if def != nil && def.Name != "" {
			origin = fmt.Sprintf("%s/%s", s.name, def.Name)
		}
		raws = append(raws, RawDefinition{Origin: origin, Definition: def})
	}
	return raws, nil
}

// DirSource reads one definition per YAML or JSON file below a directory
type DirSource struct {
	dir string
}

// NewDirSource creates a directory source
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Name returns the source name
func (s *DirSource) Name() string {
	return "dir:" + s.dir
}

// Dir returns the watched directory
func (s *DirSource) Dir() string {
	return s.dir
}

// Definitions reads every definition file below the directory, recursively,
// in lexical path order
func (s *DirSource) Definitions(ctx context.Context) ([]RawDefinition, error) {
	var paths []string
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != s.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsDefinitionFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", s.dir, err)
	}

	sort.Strings(paths)

	raws := make([]RawDefinition, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read file %s: %w", path, err)
		}
		raws = append(raws, RawDefinition{Origin: path, Data: data})
	}
	return raws, nil
}

// IsDefinitionFile reports whether path has a definition file extension
func IsDefinitionFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch filepath.Ext(base) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ParseDefinition parses a definition document. Unknown keys are rejected so
// that typos surface as load errors instead of silently dropped fields.
func ParseDefinition(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty definition")
		}
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return &def, nil
}

// salvageName extracts the top-level name of a document that failed strict
// parsing, so the failure can be attached to the collection
func salvageName(data []byte) string {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ""
	}
	name, _ := doc["name"].(string)
	return name
}
