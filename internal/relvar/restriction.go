package relvar

import (
	"fmt"
	"strings"

	"github.com/vitebski/pipeline-populator/pkg/apperrors"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// Restriction is a row filter that compiles against the restricted table
type Restriction interface {
	condition(table *models.Table) (string, []interface{}, error)
}

type keyRestriction struct {
	keys []models.Key
}

// ByKey restricts to rows matching the attribute values of key.
// Attributes the table does not declare are ignored, but a key must share at
// least one attribute with the table.
func ByKey(key models.Key) Restriction {
	return keyRestriction{keys: []models.Key{key}}
}

// ByKeys restricts to rows matching any of the keys; an empty list matches nothing
func ByKeys(keys []models.Key) Restriction {
	return keyRestriction{keys: keys}
}

func (k keyRestriction) condition(table *models.Table) (string, []interface{}, error) {
	if len(k.keys) == 0 {
		return "FALSE", nil, nil
	}
	var alternatives []string
	var args []interface{}
	for _, key := range k.keys {
		var parts []string
		for _, name := range key.Names() {
			if !table.HasColumn(name) {
				continue
			}
			if key[name] == nil {
				parts = append(parts, quoteIdent(name)+" IS NULL")
				continue
			}
			parts = append(parts, quoteIdent(name)+" = ?")
			args = append(args, key[name])
		}
		if len(parts) == 0 {
			return "", nil, &apperrors.UnknownFieldError{Table: table.Name, Field: strings.Join(key.Names(), ", ")}
		}
		alternatives = append(alternatives, strings.Join(parts, " AND "))
	}
	if len(alternatives) == 1 {
		return alternatives[0], args, nil
	}
	return "(" + strings.Join(alternatives, ") OR (") + ")", args, nil
}

type predicate struct {
	sql  string
	args []interface{}
}

// Where restricts by a literal SQL condition with placeholder arguments
func Where(sql string, args ...interface{}) Restriction {
	return predicate{sql: sql, args: args}
}

func (p predicate) condition(*models.Table) (string, []interface{}, error) {
	return p.sql, p.args, nil
}

type semijoin struct {
	parent *Relvar
	pairs  []models.ColumnPair
	negate bool
}

// In restricts to rows whose columns match a row of parent through the column pairs
func In(parent *Relvar, pairs []models.ColumnPair) Restriction {
	return semijoin{parent: parent, pairs: pairs}
}

// NotIn restricts to rows whose columns match no row of parent
func NotIn(parent *Relvar, pairs []models.ColumnPair) Restriction {
	return semijoin{parent: parent, pairs: pairs, negate: true}
}

func (s semijoin) condition(table *models.Table) (string, []interface{}, error) {
	if len(s.pairs) == 0 {
		return "", nil, fmt.Errorf("semijoin of %s with %s has no columns", table.Name, s.parent.table.Name)
	}
	local := make([]string, len(s.pairs))
	remote := make([]string, len(s.pairs))
	for i, p := range s.pairs {
		local[i] = p.Column
		remote[i] = p.ReferencedColumn
	}
	where, args, err := s.parent.Where()
	if err != nil {
		return "", nil, err
	}
	op := " IN "
	if s.negate {
		op = " NOT IN "
	}
	return "(" + quoteList(local) + ")" + op +
		"(SELECT " + quoteList(remote) + " FROM " + s.parent.table.FullName() + where + ")", args, nil
}

type anyOf struct {
	alternatives []Restriction
}

// Or restricts to rows satisfying at least one of the restrictions
func Or(rs ...Restriction) Restriction {
	if len(rs) == 1 {
		return rs[0]
	}
	return anyOf{alternatives: rs}
}

func (a anyOf) condition(table *models.Table) (string, []interface{}, error) {
	if len(a.alternatives) == 0 {
		return "FALSE", nil, nil
	}
	var conds []string
	var args []interface{}
	for _, rs := range a.alternatives {
		cond, condArgs, err := rs.condition(table)
		if err != nil {
			return "", nil, err
		}
		if cond == "" {
			return "", nil, nil
		}
		conds = append(conds, "("+cond+")")
		args = append(args, condArgs...)
	}
	return strings.Join(conds, " OR "), args, nil
}

type antijoin struct {
	other *models.Table
	attrs []string
}

func (a antijoin) condition(table *models.Table) (string, []interface{}, error) {
	if len(a.attrs) == 0 {
		return "", nil, fmt.Errorf("table %s has no primary key", table.Name)
	}
	for _, name := range a.attrs {
		if !a.other.HasColumn(name) {
			return "", nil, fmt.Errorf("table %s lacks key attribute %s of %s", a.other.Name, name, table.Name)
		}
	}
	cols := quoteList(a.attrs)
	return "(" + cols + ") NOT IN (SELECT " + cols + " FROM " + a.other.FullName() + ")", nil, nil
}
