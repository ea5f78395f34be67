// Package graph models the project as a directed file dependency graph.
//
// Nodes and edges live in arenas and adjacency is index based. An edge
// runs from the importing file to the imported file, so the files put at
// risk by a change to f are the transitive dependents of f.
//
// A Graph is built once from a snapshot and is read-only afterwards; it is
// safe for concurrent readers.
package graph

import (
	"errors"
	"sort"
)

// ErrNodeNotFound is returned when an edge references an unknown file.
var ErrNodeNotFound = errors.New("node not found")

// Edge is an import relationship between two node indexes.
type Edge struct {
	From int
	To   int
}

// Graph is an arena-backed directed graph over project files.
type Graph struct {
	nodes []string
	index map[string]int
	edges []Edge
	out   [][]int
	in    [][]int
	seen  map[Edge]bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int), seen: make(map[Edge]bool)}
}

// AddNode adds path and returns its index. Adding an existing path returns
// the existing index.
func (g *Graph) AddNode(path string) int {
	if i, ok := g.index[path]; ok {
		return i
	}
	i := len(g.nodes)
	g.nodes = append(g.nodes, path)
	g.index[path] = i
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	return i
}

// AddEdge records that from imports to. Self edges and duplicates are
// ignored.
func (g *Graph) AddEdge(from, to string) error {
	fi, ok := g.index[from]
	if !ok {
		return ErrNodeNotFound
	}
	ti, ok := g.index[to]
	if !ok {
		return ErrNodeNotFound
	}
	e := Edge{From: fi, To: ti}
	if fi == ti || g.seen[e] {
		return nil
	}
	g.seen[e] = true
	g.edges = append(g.edges, e)
	g.out[fi] = append(g.out[fi], ti)
	g.in[ti] = append(g.in[ti], fi)
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Has reports whether path is a node.
func (g *Graph) Has(path string) bool {
	_, ok := g.index[path]
	return ok
}

// Dependencies returns the files path imports directly, sorted.
func (g *Graph) Dependencies(path string) []string {
	i, ok := g.index[path]
	if !ok {
		return nil
	}
	return g.names(g.out[i])
}

// Dependents returns the files importing path directly, sorted.
func (g *Graph) Dependents(path string) []string {
	i, ok := g.index[path]
	if !ok {
		return nil
	}
	return g.names(g.in[i])
}

// Impacted returns every file that transitively depends on any of paths,
// excluding paths themselves, sorted. Traversal is breadth first with a
// visited set, so cycles terminate.
func (g *Graph) Impacted(paths ...string) []string {
	visited := make([]bool, len(g.nodes))
	var queue []int
	for _, p := range paths {
		if i, ok := g.index[p]; ok && !visited[i] {
			visited[i] = true
			queue = append(queue, i)
		}
	}
	var found []int
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.in[cur] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			found = append(found, dep)
			queue = append(queue, dep)
		}
	}
	return g.names(found)
}

// InCycle reports whether path can reach itself through imports.
func (g *Graph) InCycle(path string) bool {
	src, ok := g.index[path]
	if !ok {
		return false
	}
	visited := make([]bool, len(g.nodes))
	queue := append([]int(nil), g.out[src]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == src {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		queue = append(queue, g.out[cur]...)
	}
	return false
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i])
	}
	sort.Strings(out)
	return out
}
