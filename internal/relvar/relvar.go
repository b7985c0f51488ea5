// Package relvar implements relational variables: a base table together with an
// ordered list of restrictions. Relvars are values; every restriction returns a
// new relvar. Fetch, count, validated insert, and cascading delete are built on
// the dependency graph held by the schema analyzer.
package relvar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/internal/analyzer"
	"github.com/vitebski/pipeline-populator/internal/connector"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// ConfirmFunc asks the operator to approve a destructive operation
type ConfirmFunc func(prompt string) bool

// Engine carries what relvars need to reach the store
type Engine struct {
	DB       *connector.DatabaseConnector
	Analyzer *analyzer.SchemaAnalyzer
	Logger   *logrus.Logger
	// Out receives pre-mutation summaries
	Out     io.Writer
	Confirm ConfirmFunc
	// Unattended skips confirmation of destructive operations
	Unattended bool
	// DecimalTolerance is the largest rounding loss accepted for fixed-point columns
	DecimalTolerance decimal.Decimal
}

// NewEngine creates an engine that confirms on the terminal
func NewEngine(db *connector.DatabaseConnector, schemaAnalyzer *analyzer.SchemaAnalyzer, logger *logrus.Logger) *Engine {
	return &Engine{
		DB:       db,
		Analyzer: schemaAnalyzer,
		Logger:   logger,
		Out:      os.Stdout,
		Confirm:  PromptConfirm(os.Stdin, os.Stdout),
	}
}

// PromptConfirm returns a ConfirmFunc reading a yes/no answer
func PromptConfirm(in io.Reader, out io.Writer) ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(prompt string) bool {
		fmt.Fprintf(out, "%s [yes/No]: ", prompt)
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "yes" || answer == "y"
	}
}

// Table returns the unrestricted relvar of a registered table
func (e *Engine) Table(ctx context.Context, name string) (*Relvar, error) {
	schema, err := e.Analyzer.Schema(ctx)
	if err != nil {
		return nil, err
	}
	table, err := schema.Table(name)
	if err != nil {
		return nil, err
	}
	return New(e, table), nil
}

// Relvar is a table restricted by predicates
type Relvar struct {
	engine       *Engine
	table        *models.Table
	restrictions []Restriction
}

// New creates the unrestricted relvar of a table descriptor
func New(engine *Engine, table *models.Table) *Relvar {
	return &Relvar{engine: engine, table: table}
}

// Table returns the base table descriptor
func (r *Relvar) Table() *models.Table {
	return r.table
}

// Engine returns the engine the relvar runs on
func (r *Relvar) Engine() *Engine {
	return r.engine
}

// Restricted reports whether any restriction applies
func (r *Relvar) Restricted() bool {
	return len(r.restrictions) > 0
}

// Restrict returns a new relvar with the additional restrictions
func (r *Relvar) Restrict(rs ...Restriction) *Relvar {
	out := &Relvar{engine: r.engine, table: r.table}
	out.restrictions = append(append(out.restrictions, r.restrictions...), rs...)
	return out
}

// Minus restricts to rows whose primary key does not appear in other
func (r *Relvar) Minus(other *models.Table) *Relvar {
	return r.Restrict(antijoin{other: other, attrs: r.table.PrimaryKey()})
}

// Where compiles the restrictions into a WHERE clause, empty when unrestricted
func (r *Relvar) Where() (string, []interface{}, error) {
	var conds []string
	var args []interface{}
	for _, rs := range r.restrictions {
		cond, condArgs, err := rs.condition(r.table)
		if err != nil {
			return "", nil, err
		}
		if cond == "" {
			continue
		}
		conds = append(conds, "("+cond+")")
		args = append(args, condArgs...)
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// String renders the relvar for logs and summaries
func (r *Relvar) String() string {
	where, args, err := r.Where()
	if err != nil {
		return r.table.FullName() + " <invalid restriction>"
	}
	return fmt.Sprintf("%s%s %v", r.table.FullName(), where, args)
}

// Count returns the number of rows in the relvar
func (r *Relvar) Count(ctx context.Context) (int64, error) {
	where, args, err := r.Where()
	if err != nil {
		return 0, err
	}
	rows, err := r.engine.DB.ExecuteQuery(ctx, "SELECT COUNT(*) AS n FROM "+r.table.FullName()+where, args...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", r.table.Name, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt64(rows[0]["n"])
}

// Exists reports whether the relvar has at least one row
func (r *Relvar) Exists(ctx context.Context) (bool, error) {
	where, args, err := r.Where()
	if err != nil {
		return false, err
	}
	rows, err := r.engine.DB.ExecuteQuery(ctx,
		"SELECT EXISTS(SELECT 1 FROM "+r.table.FullName()+where+") AS e", args...)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", r.table.Name, err)
	}
	if len(rows) == 0 {
		return false, nil
	}
	n, err := toInt64(rows[0]["e"])
	return n != 0, err
}

// Fetch returns the requested attributes, or all columns, ordered by primary key
func (r *Relvar) Fetch(ctx context.Context, attrs ...string) ([]models.Tuple, error) {
	if len(attrs) == 0 {
		for _, col := range r.table.Columns {
			attrs = append(attrs, col.Name)
		}
	}
	where, args, err := r.Where()
	if err != nil {
		return nil, err
	}

	query := "SELECT " + quoteList(attrs) + " FROM " + r.table.FullName() + where
	if pk := r.table.PrimaryKey(); len(pk) > 0 {
		query += " ORDER BY " + quoteList(pk)
	}

	rows, err := r.engine.DB.ExecuteQuery(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r.table.Name, err)
	}

	tuples := make([]models.Tuple, 0, len(rows))
	for _, row := range rows {
		tuple := make(models.Tuple, len(attrs))
		for _, name := range attrs {
			tuple[name] = r.decode(name, row[name])
		}
		tuples = append(tuples, tuple)
	}
	return tuples, nil
}

// FetchKeys returns the distinct primary keys of the relvar
func (r *Relvar) FetchKeys(ctx context.Context) ([]models.Key, error) {
	pk := r.table.PrimaryKey()
	if len(pk) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", r.table.Name)
	}
	tuples, err := r.Fetch(ctx, pk...)
	if err != nil {
		return nil, err
	}
	keys := make([]models.Key, len(tuples))
	for i, t := range tuples {
		keys[i] = models.Key(t)
	}
	return keys, nil
}

// decode converts a raw column value into its Go form
func (r *Relvar) decode(name string, v interface{}) interface{} {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	col, known := r.table.Column(name)
	switch {
	case !known, col.IsString:
		return string(b)
	case col.IsNumeric:
		s := string(b)
		if strings.Contains(col.Type, "int") {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
			if n, err := strconv.ParseUint(s, 10, 64); err == nil {
				return n
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	}
	return b
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case float64:
		return int64(val), nil
	case []byte:
		return strconv.ParseInt(string(val), 10, 64)
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected count value %T", v)
}
