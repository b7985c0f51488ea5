package relvar

import (
	"context"
	"fmt"
	"sort"

	"github.com/vitebski/pipeline-populator/internal/analyzer"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// DeleteSummary lists what a cascading delete removes, in execution order
type DeleteSummary struct {
	Entries []DeleteEntry
}

// DeleteEntry is the row count affected in one table
type DeleteEntry struct {
	Table string
	Level int
	Count int64
}

// Total returns the number of rows across all tables
func (s *DeleteSummary) Total() int64 {
	var n int64
	for _, e := range s.Entries {
		n += e.Count
	}
	return n
}

// DeleteQuick removes the rows of the relvar without cascading or confirmation
func (r *Relvar) DeleteQuick(ctx context.Context) (int64, error) {
	where, args, err := r.Where()
	if err != nil {
		return 0, err
	}
	affected, err := r.engine.DB.ExecuteStatement(ctx, "DELETE FROM "+r.table.FullName()+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", r.table.Name, err)
	}
	return affected, nil
}

// Increment adds one to an integer column of every row in the relvar, in a single statement
func (r *Relvar) Increment(ctx context.Context, column string) (int64, error) {
	col, ok := r.table.Column(column)
	if !ok || !col.IsNumeric {
		return 0, fmt.Errorf("table %s has no numeric column %s", r.table.Name, column)
	}
	where, args, err := r.Where()
	if err != nil {
		return 0, err
	}
	q := quoteIdent(column)
	affected, err := r.engine.DB.ExecuteStatement(ctx,
		"UPDATE "+r.table.FullName()+" SET "+q+" = "+q+" + 1"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", r.table.Name, err)
	}
	return affected, nil
}

// Delete removes the rows of the relvar together with every dependent row.
// The affected counts are reported before anything changes. Unless the engine is
// unattended the operator must confirm; a declined delete returns false and
// leaves the store untouched. All deletes share one transaction.
func (r *Relvar) Delete(ctx context.Context) (*DeleteSummary, bool, error) {
	schema, err := r.engine.Analyzer.Schema(ctx)
	if err != nil {
		return nil, false, err
	}
	plan, err := r.cascade(schema)
	if err != nil {
		return nil, false, err
	}

	summary := &DeleteSummary{}
	for _, rel := range plan {
		n, err := rel.Count(ctx)
		if err != nil {
			return nil, false, err
		}
		summary.Entries = append(summary.Entries, DeleteEntry{
			Table: rel.table.ID(),
			Level: schema.Graph.Level(rel.table.ID()),
			Count: n,
		})
	}

	if summary.Total() == 0 {
		r.engine.Logger.Infof("Nothing to delete from %s", r.table.Name)
		return summary, true, nil
	}

	fmt.Fprintf(r.engine.Out, "About to delete:\n")
	for _, e := range summary.Entries {
		if e.Count > 0 {
			fmt.Fprintf(r.engine.Out, "  %s: %d rows\n", e.Table, e.Count)
		}
	}

	if !r.engine.Unattended && (r.engine.Confirm == nil || !r.engine.Confirm("Proceed to delete?")) {
		r.engine.Logger.Info("Delete cancelled")
		return summary, false, nil
	}

	owned := !r.engine.DB.InTransaction()
	if owned {
		if err := r.engine.DB.StartTransaction(ctx); err != nil {
			return nil, false, err
		}
	}
	for i, rel := range plan {
		if summary.Entries[i].Count == 0 {
			continue
		}
		if _, err := rel.DeleteQuick(ctx); err != nil {
			if owned {
				r.engine.DB.CancelTransaction(ctx)
			}
			r.engine.Logger.Errorf("Delete rolled back: %v", err)
			return nil, false, err
		}
	}
	if owned {
		if err := r.engine.DB.CommitTransaction(ctx); err != nil {
			return nil, false, err
		}
	}
	r.engine.Logger.Infof("Deleted %d rows from %d tables", summary.Total(), len(plan))
	return summary, true, nil
}

// cascade builds the relvar of every table reachable from r, deepest level first.
// Each table is visited once.
func (r *Relvar) cascade(schema *analyzer.Schema) ([]*Relvar, error) {
	root := r.table.ID()
	rels := map[string]*Relvar{root: r}
	visit := []string{root}
	queue := []string{root}

	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]
		parent := rels[parentID]

		for _, edge := range schema.Graph.Children(parentID) {
			if _, seen := rels[edge.Child]; seen {
				continue
			}
			table, ok := schema.Tables[edge.Child]
			if !ok {
				return nil, fmt.Errorf("dependent table %s is not registered", edge.Child)
			}
			child := New(r.engine, table)
			if parent.Restricted() {
				child = child.Restrict(propagate(parent, edge))
			}
			rels[edge.Child] = child
			visit = append(visit, edge.Child)
			queue = append(queue, edge.Child)
		}
	}

	order := make(map[string]int, len(visit))
	for i, id := range visit {
		order[id] = i
	}
	sort.SliceStable(visit, func(i, j int) bool {
		li, lj := schema.Graph.Level(visit[i]), schema.Graph.Level(visit[j])
		if li != lj {
			return li < lj
		}
		return order[visit[i]] > order[visit[j]]
	})

	plan := make([]*Relvar, len(visit))
	for i, id := range visit {
		plan[i] = rels[id]
	}
	return plan, nil
}

// propagate carries a parent's restriction onto a child through the edge.
// Hierarchical edges that keep the attribute names join on the referenced
// attributes of all their references at once; otherwise each reference maps
// the child columns onto the parent columns.
func propagate(parent *Relvar, edge *analyzer.Edge) Restriction {
	if edge.Kind == models.Hierarchical && sharesNames(edge) {
		var pairs []models.ColumnPair
		seen := make(map[string]bool)
		for _, fk := range edge.References {
			for _, p := range fk.Columns {
				if !seen[p.Column] {
					seen[p.Column] = true
					pairs = append(pairs, p)
				}
			}
		}
		if len(pairs) > 0 {
			return In(parent, pairs)
		}
	}
	alternatives := make([]Restriction, 0, len(edge.References))
	for _, fk := range edge.References {
		alternatives = append(alternatives, In(parent, fk.Columns))
	}
	return Or(alternatives...)
}

func sharesNames(edge *analyzer.Edge) bool {
	for _, fk := range edge.References {
		for _, p := range fk.Columns {
			if p.Column != p.ReferencedColumn {
				return false
			}
		}
	}
	return true
}
