package analyzer

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vitebski/pipeline-populator/pkg/models"
)

// PrintSchemaAnalysis prints the registry, the hierarchy levels, and the dependency edges
func PrintSchemaAnalysis(w io.Writer, s *Schema) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintf(w, "PIPELINE SCHEMA ANALYSIS: %s\n", s.Database)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	tiers := make(map[models.Tier][]string)
	external := 0
	for id, table := range s.Tables {
		if table.External {
			external++
			continue
		}
		tiers[table.Tier] = append(tiers[table.Tier], id)
	}

	fmt.Fprintln(w, "\n1. BASIC STATISTICS")
	fmt.Fprintf(w, "   Total tables: %d\n", len(s.Tables)-external)
	fmt.Fprintf(w, "   External tables: %d\n", external)
	fmt.Fprintf(w, "   Dependencies: %d\n", s.edgeCount())

	fmt.Fprintln(w, "\n2. TIERS")
	for _, tier := range []models.Tier{models.Lookup, models.Manual, models.Imported, models.Computed, models.Job} {
		ids := tiers[tier]
		sort.Strings(ids)
		fmt.Fprintf(w, "   %-9s %3d  %s\n", tier.String()+":", len(ids), strings.Join(ids, ", "))
	}

	fmt.Fprintln(w, "\n3. LEVELS")
	for _, id := range s.TablesByLevel() {
		table := s.Tables[id]
		name := table.ClassName
		if table.External {
			name += ", external"
		}
		fmt.Fprintf(w, "   %4d  %s (%s)\n", s.Graph.Level(id), id, name)
	}

	fmt.Fprintln(w, "\n4. DEPENDENCIES")
	for _, id := range s.Graph.Nodes() {
		for _, e := range s.Graph.Children(id) {
			var cols []string
			for _, fk := range e.References {
				for _, pair := range fk.Columns {
					cols = append(cols, pair.Column)
				}
			}
			fmt.Fprintf(w, "   %s -> %s [%s] (%s)\n", e.Parent, e.Child, e.Kind, strings.Join(cols, ", "))
		}
	}

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}
