package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// GraphProvider resolves a city name to its road network.
type GraphProvider interface {
	Graph(ctx context.Context, city string) (*Graph, error)
}

// StaticGraphProvider loads graphs from YAML. Path is either a directory of
// <city>.yaml files or a single file holding one graph. Loaded graphs are
// cached; callers receive clones.
type StaticGraphProvider struct {
	path string

	mu    sync.Mutex
	cache map[string]*Graph
}

// NewStaticGraphProvider returns a provider rooted at path.
func NewStaticGraphProvider(path string) *StaticGraphProvider {
	return &StaticGraphProvider{path: path, cache: make(map[string]*Graph)}
}

// Graph returns the named city's graph.
func (p *StaticGraphProvider) Graph(ctx context.Context, city string) (*Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.cache[city]; ok {
		return g.Clone(), nil
	}

	file := p.path
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("graph source %s: %w", p.path, err)
	}
	if info.IsDir() {
		file = filepath.Join(p.path, city+".yaml")
	}
	g, err := LoadGraph(file)
	if err != nil {
		return nil, err
	}
	if g.City != city {
		return nil, fmt.Errorf("graph file %s describes %q, not %q", file, g.City, city)
	}
	logrus.Debugf("loaded graph %s: %d nodes, %d edges", city, len(g.Nodes), len(g.Edges))
	p.cache[city] = g
	return g.Clone(), nil
}

// LoadGraph reads and validates a single YAML graph file. Unknown fields are errors.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph: %w", err)
	}
	var g Graph
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&g); err != nil {
		return nil, fmt.Errorf("parsing graph %s: %w", path, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// MapGraphProvider serves graphs held in memory.
type MapGraphProvider map[string]*Graph

// Graph returns a clone of the named graph.
func (m MapGraphProvider) Graph(ctx context.Context, city string) (*Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, ok := m[city]
	if !ok {
		return nil, fmt.Errorf("unknown city %q", city)
	}
	return g.Clone(), nil
}
