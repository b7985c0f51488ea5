package analyzer

import (
	"fmt"
	"sort"

	"github.com/yourbasic/graph"

	"github.com/vitebski/pipeline-populator/pkg/apperrors"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// Edge links a referenced (parent) table to a referencing (child) table
type Edge struct {
	Parent     string
	Child      string
	Kind       models.ReferenceKind
	References []models.ForeignKey
}

// Graph is the foreign key dependency structure keyed by table ID.
// Levels are memoized; the graph itself is never patched after it is built.
type Graph struct {
	nodes    []string
	known    map[string]bool
	children map[string]map[string]*Edge
	parents  map[string]map[string]*Edge
	levels   map[string]int
}

// NewGraph creates a graph over the given table IDs
func NewGraph(nodes ...string) *Graph {
	g := &Graph{
		known:    make(map[string]bool),
		children: make(map[string]map[string]*Edge),
		parents:  make(map[string]map[string]*Edge),
	}
	for _, n := range nodes {
		g.AddNode(n)
	}
	return g
}

// AddNode registers a table without edges
func (g *Graph) AddNode(id string) {
	if g.known[id] {
		return
	}
	g.known[id] = true
	g.nodes = append(g.nodes, id)
	sort.Strings(g.nodes)
	g.levels = nil
}

// Nodes returns all table IDs in sorted order
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

// AddReference adds the edge described by a foreign key constraint
func (g *Graph) AddReference(fk models.ForeignKey) error {
	parent := models.TableID(fk.ReferencedSchema, fk.ReferencedTable)
	child := models.TableID(fk.Schema, fk.Table)
	if parent == child {
		return &apperrors.SchemaLoadError{Table: child, Reason: "self-referencing foreign key " + fk.ConstraintName}
	}
	g.AddNode(parent)
	g.AddNode(child)

	if g.children[parent] == nil {
		g.children[parent] = make(map[string]*Edge)
	}
	if g.parents[child] == nil {
		g.parents[child] = make(map[string]*Edge)
	}

	e, ok := g.children[parent][child]
	if !ok {
		e = &Edge{Parent: parent, Child: child, Kind: fk.Kind()}
		g.children[parent][child] = e
		g.parents[child][parent] = e
	}
	// one hierarchical reference makes the whole edge structural
	if fk.Kind() == models.Hierarchical {
		e.Kind = models.Hierarchical
	}
	e.References = append(e.References, fk)
	g.levels = nil
	return nil
}

// Edge returns the edge between parent and child
func (g *Graph) Edge(parent, child string) (*Edge, bool) {
	e, ok := g.children[parent][child]
	return e, ok
}

// Children returns the edges to tables that depend on id
func (g *Graph) Children(id string) []*Edge {
	return sortedEdges(g.children[id], func(e *Edge) string { return e.Child })
}

// Parents returns the edges to tables that id depends on
func (g *Graph) Parents(id string) []*Edge {
	return sortedEdges(g.parents[id], func(e *Edge) string { return e.Parent })
}

func sortedEdges(m map[string]*Edge, by func(*Edge) string) []*Edge {
	edges := make([]*Edge, 0, len(m))
	for _, e := range m {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return by(edges[i]) < by(edges[j]) })
	return edges
}

// Level returns the hierarchical level of a table; Levels must have succeeded first
func (g *Graph) Level(id string) int {
	return g.levels[id]
}

// Levels computes the hierarchical level of every table.
//
// Tables that depend on nothing are at level 0 and every other table sits one
// below the lowest of its parents.
func (g *Graph) Levels() (map[string]int, error) {
	if g.levels != nil {
		return g.levels, nil
	}

	levels := make(map[string]int, len(g.nodes))
	pending := make(map[string]int, len(g.nodes))
	var frontier []string
	for _, n := range g.nodes {
		pending[n] = len(g.parents[n])
		if pending[n] == 0 {
			frontier = append(frontier, n)
		}
	}

	// topological layering: peel tables whose parents are all placed
	for round := 0; len(frontier) > 0; round++ {
		var next []string
		for _, n := range frontier {
			levels[n] = -round
			for _, e := range g.Children(n) {
				pending[e.Child]--
				if pending[e.Child] == 0 {
					next = append(next, e.Child)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if len(levels) < len(g.nodes) {
		return nil, apperrors.CycleError(g.cycleMembers())
	}

	// refine until every child sits exactly one below its lowest parent
	converged := false
	for pass := 0; pass <= len(g.nodes); pass++ {
		changed := false
		for _, n := range g.nodes {
			parents := g.Parents(n)
			if len(parents) == 0 {
				continue
			}
			want := levels[parents[0].Parent]
			for _, e := range parents[1:] {
				if levels[e.Parent] < want {
					want = levels[e.Parent]
				}
			}
			want--
			if levels[n] != want {
				levels[n] = want
				changed = true
			}
		}
		if !changed {
			converged = true
			break
		}
	}
	if !converged {
		return nil, &apperrors.SchemaLoadError{Reason: fmt.Sprintf("levels did not converge after %d passes", len(g.nodes)+1)}
	}

	g.levels = levels
	return levels, nil
}

// indexed converts the graph into the positional form used by the graph library
func (g *Graph) indexed() *graph.Mutable {
	index := make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		index[n] = i
	}
	m := graph.New(len(g.nodes))
	for _, parent := range g.nodes {
		for _, e := range g.Children(parent) {
			m.AddCost(index[parent], index[e.Child], int64(e.Kind))
		}
	}
	return m
}

// cycleMembers names the tables taking part in dependency cycles
func (g *Graph) cycleMembers() []string {
	var members []string
	for _, comp := range graph.StrongComponents(g.indexed()) {
		if len(comp) < 2 {
			continue
		}
		for _, i := range comp {
			members = append(members, g.nodes[i])
		}
	}
	sort.Strings(members)
	return members
}

// TopologicalOrder returns the tables with every parent before its children
func (g *Graph) TopologicalOrder() ([]string, error) {
	order, ok := graph.TopSort(g.indexed())
	if !ok {
		return nil, apperrors.CycleError(g.cycleMembers())
	}
	ids := make([]string, len(order))
	for i, v := range order {
		ids[i] = g.nodes[v]
	}
	return ids, nil
}

// Descendants returns every table reachable from id through dependent edges, breadth first
func (g *Graph) Descendants(id string) []string {
	var out []string
	visited := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, e := range g.Children(n) {
			if visited[e.Child] {
				continue
			}
			visited[e.Child] = true
			out = append(out, e.Child)
			queue = append(queue, e.Child)
		}
	}
	return out
}
