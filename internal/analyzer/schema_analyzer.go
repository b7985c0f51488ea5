package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/internal/connector"
	"github.com/vitebski/pipeline-populator/internal/utils"
	"github.com/vitebski/pipeline-populator/pkg/apperrors"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// Catalog is the raw metadata read from the store for one schema
type Catalog struct {
	Database    string
	Tables      []*models.Table
	ForeignKeys []models.ForeignKey
}

// Schema is an immutable snapshot of the table registry and its dependency graph
type Schema struct {
	Database string
	Pattern  *TierPattern
	Tables   map[string]*models.Table
	Graph    *Graph
}

// SchemaAnalyzer loads the catalog of one schema and keeps the current snapshot
type SchemaAnalyzer struct {
	DB      *connector.DatabaseConnector
	Pattern *TierPattern
	Logger  *logrus.Logger

	mu     sync.Mutex
	schema *Schema
}

// NewSchemaAnalyzer creates a new schema analyzer
func NewSchemaAnalyzer(db *connector.DatabaseConnector, prefix string, logger *logrus.Logger) *SchemaAnalyzer {
	return &SchemaAnalyzer{
		DB:      db,
		Pattern: NewTierPattern(prefix),
		Logger:  logger,
	}
}

// Schema returns the current snapshot, loading it on first access
func (sa *SchemaAnalyzer) Schema(ctx context.Context) (*Schema, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	if sa.schema != nil {
		return sa.schema, nil
	}

	catalog, err := sa.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	schema, err := BuildSchema(catalog, sa.Pattern)
	if err != nil {
		sa.Logger.Errorf("Error building dependency graph: %v", err)
		return nil, err
	}
	sa.Logger.Infof("Loaded %d tables and %d dependencies from schema %s",
		len(schema.Tables), schema.edgeCount(), catalog.Database)
	sa.schema = schema
	return schema, nil
}

// Reload drops the snapshot when forced; the next access reads the catalog again
func (sa *SchemaAnalyzer) Reload(force bool) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if force || sa.schema == nil {
		sa.schema = nil
		sa.Logger.Debug("Schema snapshot invalidated")
	}
}

// SetSchema installs a prebuilt snapshot in place of the catalog
func (sa *SchemaAnalyzer) SetSchema(schema *Schema) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.schema = schema
}

// LoadCatalog reads tables, columns, and foreign keys from information_schema
func (sa *SchemaAnalyzer) LoadCatalog(ctx context.Context) (*Catalog, error) {
	database := sa.DB.Database
	catalog := &Catalog{Database: database}

	tablesQuery := `
		SELECT table_name AS table_name, table_comment AS table_comment
		FROM information_schema.tables
		WHERE table_schema = ?
		AND table_type = 'BASE TABLE'
		AND table_name REGEXP ?
		ORDER BY table_name
	`
	tablesResult, err := sa.DB.ExecuteQuery(ctx, tablesQuery, database, sa.Pattern.SQLPattern())
	if err != nil {
		sa.Logger.Errorf("Error getting tables: %v", err)
		return nil, fmt.Errorf("list tables: %w", err)
	}

	byName := make(map[string]*models.Table)
	for _, row := range tablesResult {
		name := asString(row["table_name"])
		tier, className, ok := sa.Pattern.Classify(name)
		if !ok {
			sa.Logger.Debugf("Skipping table %s: name does not follow the tier convention", name)
			continue
		}
		table := &models.Table{
			Schema:    database,
			Name:      name,
			ClassName: className,
			Tier:      tier,
			Comment:   asString(row["table_comment"]),
		}
		byName[name] = table
		catalog.Tables = append(catalog.Tables, table)
	}

	columnsQuery := `
		SELECT
			table_name AS table_name,
			column_name AS column_name,
			column_type AS column_type,
			column_key AS column_key,
			is_nullable AS is_nullable,
			column_default AS column_default,
			column_comment AS column_comment,
			extra AS extra
		FROM information_schema.columns
		WHERE table_schema = ?
		ORDER BY table_name, ordinal_position
	`
	columnsResult, err := sa.DB.ExecuteQuery(ctx, columnsQuery, database)
	if err != nil {
		sa.Logger.Errorf("Error getting columns: %v", err)
		return nil, fmt.Errorf("list columns: %w", err)
	}

	for _, row := range columnsResult {
		table, ok := byName[asString(row["table_name"])]
		if !ok {
			continue
		}
		col := models.Column{
			Name:            asString(row["column_name"]),
			Type:            asString(row["column_type"]),
			IsKey:           asString(row["column_key"]) == "PRI",
			IsNullable:      asString(row["is_nullable"]) == "YES",
			IsAutoIncrement: strings.Contains(strings.ToLower(asString(row["extra"])), "auto_increment"),
			Comment:         asString(row["column_comment"]),
		}
		if row["column_default"] != nil {
			def := asString(row["column_default"])
			col.Default = &def
		}
		if alias, err := utils.ToCamelCase(col.Name); err == nil {
			col.Alias = alias
		}
		if err := classifyColumn(table.Name, &col); err != nil {
			sa.Logger.Errorf("Error classifying column: %v", err)
			return nil, err
		}
		table.Columns = append(table.Columns, col)
	}

	fkQuery := `
		SELECT
			k.constraint_name AS constraint_name,
			k.table_schema AS table_schema,
			k.table_name AS table_name,
			k.column_name AS column_name,
			k.referenced_table_schema AS referenced_table_schema,
			k.referenced_table_name AS referenced_table_name,
			k.referenced_column_name AS referenced_column_name,
			(c.column_key = 'PRI') AS in_key
		FROM information_schema.key_column_usage k
		JOIN information_schema.columns c
		ON c.table_schema = k.table_schema
		AND c.table_name = k.table_name
		AND c.column_name = k.column_name
		WHERE k.referenced_table_name IS NOT NULL
		AND (k.table_schema = ? OR k.referenced_table_schema = ?)
		ORDER BY k.table_schema, k.table_name, k.constraint_name, k.ordinal_position
	`
	fkResult, err := sa.DB.ExecuteQuery(ctx, fkQuery, database, database)
	if err != nil {
		sa.Logger.Errorf("Error getting foreign keys: %v", err)
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}

	var current *models.ForeignKey
	for _, row := range fkResult {
		schema := asString(row["table_schema"])
		table := asString(row["table_name"])
		constraint := asString(row["constraint_name"])
		if current == nil || current.Schema != schema || current.Table != table || current.ConstraintName != constraint {
			if current != nil {
				catalog.ForeignKeys = append(catalog.ForeignKeys, *current)
			}
			current = &models.ForeignKey{
				ConstraintName:   constraint,
				Schema:           schema,
				Table:            table,
				ReferencedSchema: asString(row["referenced_table_schema"]),
				ReferencedTable:  asString(row["referenced_table_name"]),
				InPrimaryKey:     true,
			}
		}
		current.Columns = append(current.Columns, models.ColumnPair{
			Column:           asString(row["column_name"]),
			ReferencedColumn: asString(row["referenced_column_name"]),
		})
		if !asBool(row["in_key"]) {
			current.InPrimaryKey = false
		}
	}
	if current != nil {
		catalog.ForeignKeys = append(catalog.ForeignKeys, *current)
	}

	return catalog, nil
}

// BuildSchema assembles the registry and the dependency graph from a catalog.
// Tables of other schemas reached through foreign keys are added as external entries.
func BuildSchema(catalog *Catalog, pattern *TierPattern) (*Schema, error) {
	schema := &Schema{
		Database: catalog.Database,
		Pattern:  pattern,
		Tables:   make(map[string]*models.Table),
		Graph:    NewGraph(),
	}
	for _, table := range catalog.Tables {
		schema.Tables[table.ID()] = table
		schema.Graph.AddNode(table.ID())
	}

	external := NewTierPattern("")
	for _, fk := range catalog.ForeignKeys {
		childID := models.TableID(fk.Schema, fk.Table)
		parentID := models.TableID(fk.ReferencedSchema, fk.ReferencedTable)
		_, childOwn := schema.Tables[childID]
		_, parentOwn := schema.Tables[parentID]
		if !childOwn && !parentOwn {
			continue
		}
		for _, end := range []struct{ schema, name string }{{fk.Schema, fk.Table}, {fk.ReferencedSchema, fk.ReferencedTable}} {
			id := models.TableID(end.schema, end.name)
			if _, ok := schema.Tables[id]; ok {
				continue
			}
			if end.schema == catalog.Database {
				return nil, &apperrors.SchemaLoadError{Table: id, Reason: "referenced table does not follow the tier convention"}
			}
			tier, className, ok := external.Classify(end.name)
			if !ok {
				return nil, &apperrors.SchemaLoadError{Table: id, Reason: "cannot classify externally referenced table"}
			}
			schema.Tables[id] = &models.Table{
				Schema:    end.schema,
				Name:      end.name,
				ClassName: className,
				Tier:      tier,
				External:  true,
			}
		}
		if err := schema.Graph.AddReference(fk); err != nil {
			return nil, err
		}
	}

	if _, err := schema.Graph.Levels(); err != nil {
		return nil, err
	}
	return schema, nil
}

// Table finds a table by registry ID, store-side name, or class name
func (s *Schema) Table(name string) (*models.Table, error) {
	if t, ok := s.Tables[name]; ok {
		return t, nil
	}
	if t, ok := s.Tables[models.TableID(s.Database, name)]; ok {
		return t, nil
	}
	for _, t := range s.Tables {
		if !t.External && t.ClassName == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownTable, name)
}

// TablesByLevel returns table IDs from the roots downwards, ties broken by name
func (s *Schema) TablesByLevel() []string {
	ids := s.Graph.Nodes()
	sort.SliceStable(ids, func(i, j int) bool {
		li, lj := s.Graph.Level(ids[i]), s.Graph.Level(ids[j])
		if li != lj {
			return li > lj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (s *Schema) edgeCount() int {
	n := 0
	for _, id := range s.Graph.Nodes() {
		n += len(s.Graph.Children(id))
	}
	return n
}

// asString converts a catalog value into a string
func asString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// asBool converts a catalog flag into a bool
func asBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	default:
		b, err := strconv.ParseBool(asString(v))
		return err == nil && b
	}
}
