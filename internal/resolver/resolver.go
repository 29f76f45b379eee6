// Package resolver implements the context-resolver engine: named SQL
// queries that run immediately after authentication to derive session
// variables from database state. Resolvers execute in dependency order,
// chain results by substituting escaped literal values for $N
// placeholders in the query text, and cache results per a per-resolver
// TTL.
package resolver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/wire"
)

const maxResolvers = 10

// file is the top-level shape of a resolver TOML document.
type file struct {
	Resolver []tomlDef `toml:"resolver"`
}

// tomlDef is one [[resolver]] block as parsed from TOML.
type tomlDef struct {
	Name      string            `toml:"name"`
	Query     string            `toml:"query"`
	Params    []string          `toml:"params"`
	Inject    map[string]string `toml:"inject"` // session_var -> column_name
	Required  bool              `toml:"required"`
	DependsOn []string          `toml:"depends_on"`
	CacheTTL  int64             `toml:"cache_ttl"` // seconds, 0 = no caching
}

// inject pairs a session variable with the result column it is drawn
// from. The TOML library hands the inject table over as a map, so the
// declared order is not kept; pairs are sorted by session variable for
// determinism.
type inject struct {
	sessionVar string
	column     string
}

// Def is a validated, execution-ordered resolver definition.
type Def struct {
	Name      string
	Query     string
	Params    []string
	Inject    []inject
	Required  bool
	DependsOn []string
	CacheTTL  time.Duration
}

// MetricsRecorder receives resolver execution counters; per-resolver
// counters are keyed by resolver name.
type MetricsRecorder interface {
	ResolverCacheHit()
	ResolverCacheMiss()
	ResolverExecuted(name string)
	ResolverErrored(name string)
}

type noopRecorder struct{}

func (noopRecorder) ResolverCacheHit()       {}
func (noopRecorder) ResolverCacheMiss()      {}
func (noopRecorder) ResolverExecuted(string) {}
func (noopRecorder) ResolverErrored(string)  {}

// Engine holds the ordered resolver definitions and the shared result
// cache.
type Engine struct {
	Defs    []Def
	cache   *resultCache
	metrics MetricsRecorder
}

// Load reads and validates a resolver TOML file, topologically sorts its
// [[resolver]] blocks by depends_on, and returns an Engine ready to
// execute them.
func Load(path string, metrics MetricsRecorder) (*Engine, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: cannot read %q: %w", path, err)
	}

	var parsed file
	if err := toml.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("resolver: invalid TOML in %q: %w", path, err)
	}
	if len(parsed.Resolver) == 0 {
		return nil, fmt.Errorf("resolver: %q contains no [[resolver]] blocks", path)
	}
	if len(parsed.Resolver) > maxResolvers {
		return nil, fmt.Errorf("resolver: too many resolvers (max %d)", maxResolvers)
	}

	defs := make([]Def, 0, len(parsed.Resolver))
	for _, r := range parsed.Resolver {
		injects := make([]inject, 0, len(r.Inject))
		for sessionVar, col := range r.Inject {
			injects = append(injects, inject{sessionVar: sessionVar, column: col})
		}
		sort.Slice(injects, func(i, j int) bool { return injects[i].sessionVar < injects[j].sessionVar })

		defs = append(defs, Def{
			Name:      r.Name,
			Query:     r.Query,
			Params:    r.Params,
			Inject:    injects,
			Required:  r.Required,
			DependsOn: r.DependsOn,
			CacheTTL:  time.Duration(r.CacheTTL) * time.Second,
		})
	}

	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("resolver: duplicate resolver name %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := seen[dep]; !ok {
				return nil, fmt.Errorf("resolver: %q depends on %q, which does not exist", d.Name, dep)
			}
		}
	}

	sorted, err := topologicalSort(defs)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Engine{Defs: sorted, cache: newResultCache(), metrics: metrics}, nil
}

// topologicalSort orders defs by depends_on using Kahn's algorithm,
// returning an error if a cycle exists.
func topologicalSort(defs []Def) ([]Def, error) {
	nameToIdx := make(map[string]int, len(defs))
	for i, d := range defs {
		nameToIdx[d.Name] = i
	}

	n := len(defs)
	inDegree := make([]int, n)
	adj := make([][]int, n)
	for i, d := range defs {
		for _, dep := range d.DependsOn {
			depIdx := nameToIdx[dep]
			adj[depIdx] = append(adj[depIdx], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, n)
	for i, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		order = append(order, idx)
		for _, neighbor := range adj[idx] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(order) != n {
		return nil, fmt.Errorf("resolver: cycle detected in depends_on graph")
	}

	sorted := make([]Def, n)
	for i, idx := range order {
		sorted[i] = defs[idx]
	}
	return sorted, nil
}

// CacheSize reports the number of entries currently cached, for the
// resolver cache-size gauge.
func (e *Engine) CacheSize() int {
	return e.cache.size()
}

// EvictExpired removes expired cache entries. Intended to be called
// periodically by a background goroutine.
func (e *Engine) EvictExpired() {
	e.cache.evictExpired()
}

// ResolveContext executes every resolver in order against server,
// reading the response through r, and writes resolved values into vars.
// vars maps session variable name to value; a nil pointer represents
// SQL NULL. vars comes in pre-populated with the static context derived
// from the client's username.
func (e *Engine) ResolveContext(ctx context.Context, server netio.Conn, r *bufio.Reader, vars map[string]*string) error {
	for _, def := range e.Defs {
		inputValues := make([]*string, len(def.Params))
		skip := false
		for i, paramName := range def.Params {
			val, known := vars[paramName]
			if !known {
				return fmt.Errorf("resolver: %q references unknown context variable %q", def.Name, paramName)
			}
			inputValues[i] = val
			if val == nil {
				skip = true
			}
		}

		if skip {
			for _, inj := range def.Inject {
				vars[inj.sessionVar] = nil
			}
			continue
		}

		var key cacheKey
		hasCacheKey := false
		if def.CacheTTL > 0 {
			key = makeCacheKey(def.Name, inputValues)
			hasCacheKey = true
			if entry, hit := e.cache.get(key); hit {
				e.metrics.ResolverCacheHit()
				for _, inj := range def.Inject {
					vars[inj.sessionVar] = entry.values[inj.column]
				}
				continue
			}
		}

		e.metrics.ResolverCacheMiss()
		e.metrics.ResolverExecuted(def.Name)
		row, err := executeResolver(ctx, server, r, def, inputValues)
		if err != nil {
			e.metrics.ResolverErrored(def.Name)
			return err
		}

		if row == nil {
			if def.Required {
				return fmt.Errorf("resolver: required resolver %q returned no rows", def.Name)
			}
			cacheValues := make(map[string]*string, len(def.Inject))
			for _, inj := range def.Inject {
				vars[inj.sessionVar] = nil
				cacheValues[inj.column] = nil
			}
			if hasCacheKey {
				e.cache.put(key, cacheValues, def.CacheTTL)
			}
			continue
		}

		cacheValues := make(map[string]*string, len(def.Inject))
		for _, inj := range def.Inject {
			val := row[inj.column]
			cacheValues[inj.column] = val
			vars[inj.sessionVar] = val
		}
		if hasCacheKey {
			e.cache.put(key, cacheValues, def.CacheTTL)
		}
	}
	return nil
}

// executeResolver runs one resolver's query to completion, returning the
// first result row (or nil for zero rows).
func executeResolver(ctx context.Context, server netio.Conn, r *bufio.Reader, def Def, inputValues []*string) (map[string]*string, error) {
	sql, err := substituteParams(def.Query, inputValues)
	if err != nil {
		return nil, err
	}

	if _, err := server.Write(wire.BuildSimpleQuery(sql)); err != nil {
		return nil, fmt.Errorf("resolver: sending query for %q: %w", def.Name, err)
	}

	var columnNames []string
	var firstRow map[string]*string

	for {
		msg, err := readBackendMessage(r)
		if err != nil {
			return nil, fmt.Errorf("resolver: reading response for %q: %w", def.Name, err)
		}
		switch {
		case msg.IsRowDescription():
			columnNames = parseRowDescription(msg.Payload)
		case msg.IsDataRow():
			if firstRow == nil {
				firstRow = parseDataRow(msg.Payload, columnNames)
			}
		case msg.IsErrorResponse():
			pgErr := wire.ParseError(msg)
			if err := drainToReady(r); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("resolver: %q query error: %w", def.Name, pgErr)
		case msg.IsReadyForQuery():
			return firstRow, nil
		}
	}
}

func drainToReady(r *bufio.Reader) error {
	for {
		msg, err := readBackendMessage(r)
		if err != nil {
			return fmt.Errorf("resolver: draining to ReadyForQuery: %w", err)
		}
		if msg.IsReadyForQuery() {
			return nil
		}
	}
}

// substituteParams replaces $1, $2, ... with escaped literal values (or
// NULL), substituting in descending index order so $10 isn't clobbered
// by a prior replacement of $1.
func substituteParams(sql string, values []*string) (string, error) {
	result := sql
	for i := len(values) - 1; i >= 0; i-- {
		placeholder := fmt.Sprintf("$%d", i+1)
		replacement := "NULL"
		if values[i] != nil {
			replacement = wire.EscapeSetValue(*values[i])
		}
		result = strings.ReplaceAll(result, placeholder, replacement)
	}
	return result, nil
}
