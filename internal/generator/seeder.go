package generator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/internal/analyzer"
	"github.com/vitebski/pipeline-populator/internal/relvar"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// defaultBatchSize is the number of rows written per insert batch
const defaultBatchSize = 100

// Seeder fills manual and lookup tables with fake rows in dependency order.
// Foreign key columns take their values from rows that already exist in the parent.
type Seeder struct {
	Engine     *relvar.Engine
	Generator  *DataGenerator
	NumRecords int
	BatchSize  int
	Logger     *logrus.Logger

	// InsertedData keeps the generated rows of each table by ID
	InsertedData map[string][]models.Tuple
	// Inserted counts the rows the store accepted per table ID
	Inserted map[string]int64
	// FailedTables records why a table could not be seeded
	FailedTables map[string]string

	parentRows map[string][]models.Tuple
}

// NewSeeder creates a new seeder
func NewSeeder(engine *relvar.Engine, generator *DataGenerator, numRecords int, logger *logrus.Logger) *Seeder {
	return &Seeder{
		Engine:       engine,
		Generator:    generator,
		NumRecords:   numRecords,
		BatchSize:    defaultBatchSize,
		Logger:       logger,
		InsertedData: make(map[string][]models.Tuple),
		Inserted:     make(map[string]int64),
		FailedTables: make(map[string]string),
		parentRows:   make(map[string][]models.Tuple),
	}
}

// Targets returns the seedable table IDs in insertion order. Names restrict the
// selection; an empty list selects every manual and lookup table of the schema.
func (s *Seeder) Targets(ctx context.Context, names ...string) ([]string, error) {
	schema, err := s.Engine.Analyzer.Schema(ctx)
	if err != nil {
		return nil, err
	}
	order, err := schema.Graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool)
	for _, name := range names {
		table, err := schema.Table(name)
		if err != nil {
			return nil, err
		}
		if !seedable(table) {
			return nil, fmt.Errorf("table %s is %s; only manual and lookup tables can be seeded", table.Name, table.Tier)
		}
		wanted[table.ID()] = true
	}

	var targets []string
	for _, id := range order {
		table := schema.Tables[id]
		if table == nil || !seedable(table) {
			continue
		}
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		targets = append(targets, id)
	}
	return targets, nil
}

func seedable(table *models.Table) bool {
	return !table.External && (table.Tier == models.Manual || table.Tier == models.Lookup)
}

// Seed populates the selected tables. A table that fails is recorded in
// FailedTables and the others still run; the error is reserved for schema problems.
func (s *Seeder) Seed(ctx context.Context, names ...string) (bool, error) {
	targets, err := s.Targets(ctx, names...)
	if err != nil {
		return false, err
	}
	schema, err := s.Engine.Analyzer.Schema(ctx)
	if err != nil {
		return false, err
	}

	success := true
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := s.seedTable(ctx, schema, schema.Tables[id]); err != nil {
			s.Logger.Errorf("Error seeding table %s: %v", id, err)
			s.FailedTables[id] = err.Error()
			success = false
		}
	}
	return success, nil
}

// seedTable generates and inserts NumRecords rows for one table
func (s *Seeder) seedTable(ctx context.Context, schema *analyzer.Schema, table *models.Table) error {
	s.Logger.Infof("Seeding table: %s", table.Name)

	id := table.ID()
	refs := make(map[string]bool)
	type reference struct {
		fk   models.ForeignKey
		rows []models.Tuple
	}
	var references []reference
	for _, edge := range schema.Graph.Parents(id) {
		for _, fk := range edge.References {
			rows, err := s.referencedRows(ctx, schema, edge.Parent, fk)
			if err != nil {
				return err
			}
			if len(rows) == 0 && !s.nullable(table, fk) {
				return fmt.Errorf("no rows in %s to satisfy %s", fk.ReferencedTable, fk.ConstraintName)
			}
			references = append(references, reference{fk: fk, rows: rows})
			for _, pair := range fk.Columns {
				refs[pair.Column] = true
			}
		}
	}

	target := relvar.New(s.Engine, table)
	batch := make([]models.Tuple, 0, s.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		affected, err := target.Insert(ctx, batch, relvar.InsertIgnore)
		if err != nil {
			return err
		}
		s.Inserted[id] += affected
		s.InsertedData[id] = append(s.InsertedData[id], batch...)
		batch = make([]models.Tuple, 0, s.BatchSize)
		return nil
	}

	for i := 0; i < s.NumRecords; i++ {
		tuple := make(models.Tuple)
		for _, col := range table.Columns {
			if col.IsAutoIncrement || refs[col.Name] {
				continue
			}
			if v := s.Generator.GenerateData(col); v != nil {
				tuple[col.Name] = v
			}
		}
		for _, ref := range references {
			if len(ref.rows) == 0 {
				continue
			}
			// all columns of one reference come from the same parent row
			row := ref.rows[s.Generator.Faker.IntBetween(0, len(ref.rows)-1)]
			for _, pair := range ref.fk.Columns {
				tuple[pair.Column] = row[pair.ReferencedColumn]
			}
		}
		batch = append(batch, tuple)

		if len(batch) >= s.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	s.Logger.Infof("Successfully seeded table %s with %d records", table.Name, s.Inserted[id])
	return nil
}

// referencedRows returns the parent rows a reference can point to. Generated rows
// are reused when they carry every referenced column; otherwise the store is read.
func (s *Seeder) referencedRows(ctx context.Context, schema *analyzer.Schema, parentID string, fk models.ForeignKey) ([]models.Tuple, error) {
	cols := make([]string, len(fk.Columns))
	for i, pair := range fk.Columns {
		cols[i] = pair.ReferencedColumn
	}

	if rows := s.InsertedData[parentID]; len(rows) > 0 && hasAll(rows[0], cols) {
		return rows, nil
	}

	cacheKey := parentID + "/" + fk.ConstraintName
	if rows, ok := s.parentRows[cacheKey]; ok {
		return rows, nil
	}
	parent := schema.Tables[parentID]
	if parent == nil {
		return nil, fmt.Errorf("unknown referenced table %s", parentID)
	}
	rows, err := relvar.New(s.Engine, parent).Fetch(ctx, cols...)
	if err != nil {
		return nil, err
	}
	s.parentRows[cacheKey] = rows
	return rows, nil
}

// nullable reports whether every referencing column of fk accepts NULL
func (s *Seeder) nullable(table *models.Table, fk models.ForeignKey) bool {
	for _, pair := range fk.Columns {
		col, ok := table.Column(pair.Column)
		if !ok || !col.IsNullable {
			return false
		}
	}
	return true
}

func hasAll(tuple models.Tuple, cols []string) bool {
	for _, c := range cols {
		if _, ok := tuple[c]; !ok {
			return false
		}
	}
	return true
}

// Verify counts the rows of the given tables and returns those below minRecords
func (s *Seeder) Verify(ctx context.Context, tables []string, minRecords int) (map[string]int64, error) {
	s.Logger.Infof("Verifying that all tables have at least %d record(s)...", minRecords)

	short := make(map[string]int64)
	for _, name := range tables {
		r, err := s.Engine.Table(ctx, name)
		if err != nil {
			return nil, err
		}
		n, err := r.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n < int64(minRecords) {
			s.Logger.Warningf("Table %s has only %d/%d expected records", name, n, minRecords)
			short[name] = n
		}
	}
	if len(short) == 0 {
		s.Logger.Info("Verification successful: All tables have at least the minimum number of records")
	}
	return short, nil
}
