package relvar

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitebski/pipeline-populator/pkg/apperrors"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// InsertMode selects how duplicate primary keys are handled
type InsertMode int

const (
	// Insert fails with DuplicateKeyError on an existing key
	Insert InsertMode = iota
	// InsertIgnore silently skips tuples whose key exists
	InsertIgnore
	// Replace overwrites the existing row
	Replace
)

var decimalType = regexp.MustCompile(`^decimal\((\d+),(\d+)\)`)

// encodedTuple is a validated tuple ready for a parameterized statement
type encodedTuple struct {
	columns []string
	args    []interface{}
}

// Insert validates every tuple and writes them in one statement batch.
// Nothing is written when any tuple is invalid.
func (r *Relvar) Insert(ctx context.Context, tuples []models.Tuple, mode InsertMode) (int64, error) {
	encoded := make([]encodedTuple, 0, len(tuples))
	for _, tuple := range tuples {
		enc, err := r.encode(tuple)
		if err != nil {
			return 0, err
		}
		encoded = append(encoded, enc)
	}
	if len(encoded) == 0 {
		return 0, nil
	}

	verb := "INSERT INTO "
	switch mode {
	case InsertIgnore:
		verb = "INSERT IGNORE INTO "
	case Replace:
		verb = "REPLACE INTO "
	}

	queries := make([]string, len(encoded))
	params := make([][]interface{}, len(encoded))
	for i, enc := range encoded {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(enc.columns)), ", ")
		queries[i] = verb + r.table.FullName() + " (" + quoteList(enc.columns) + ") VALUES (" + placeholders + ")"
		params[i] = enc.args
	}

	if len(queries) == 1 {
		affected, err := r.engine.DB.ExecuteStatement(ctx, queries[0], params[0]...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", r.table.Name, err)
		}
		return affected, nil
	}
	affected, err := r.engine.DB.ExecuteMany(ctx, queries, params)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", r.table.Name, err)
	}
	r.engine.Logger.Debugf("Inserted %d rows into %s", affected, r.table.Name)
	return affected, nil
}

// InsertOne writes a single tuple
func (r *Relvar) InsertOne(ctx context.Context, tuple models.Tuple, mode InsertMode) error {
	_, err := r.Insert(ctx, []models.Tuple{tuple}, mode)
	return err
}

// encode checks a tuple against the table heading and converts its values
func (r *Relvar) encode(tuple models.Tuple) (encodedTuple, error) {
	names := make([]string, 0, len(tuple))
	for name := range tuple {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !r.table.HasColumn(name) {
			return encodedTuple{}, &apperrors.UnknownFieldError{Table: r.table.Name, Field: name}
		}
	}

	var enc encodedTuple
	for _, col := range r.table.Columns {
		v, ok := tuple[col.Name]
		if !ok {
			continue
		}
		arg, omit, err := r.encodeValue(col, v)
		if err != nil {
			return encodedTuple{}, err
		}
		if omit {
			continue
		}
		enc.columns = append(enc.columns, col.Name)
		enc.args = append(enc.args, arg)
	}
	return enc, nil
}

// encodeValue returns the statement argument for one value, or omit when
// the column should take its default
func (r *Relvar) encodeValue(col models.Column, v interface{}) (interface{}, bool, error) {
	if v == nil {
		return nil, false, nil
	}
	mismatch := func(expected string) error {
		return &apperrors.TypeMismatchError{Table: r.table.Name, Column: col.Name, Expected: expected, Value: v}
	}

	switch {
	case col.IsString:
		switch val := v.(type) {
		case string:
			return val, false, nil
		case time.Time:
			return val.Format("2006-01-02 15:04:05.999999"), false, nil
		}
		return nil, false, mismatch("a string")

	case col.IsBlob:
		switch val := v.(type) {
		case []byte:
			return val, false, nil
		case string:
			return []byte(val), false, nil
		}
		return nil, false, mismatch("binary data")

	case col.IsNumeric:
		return r.encodeNumeric(col, v, mismatch)
	}
	return v, false, nil
}

func (r *Relvar) encodeNumeric(col models.Column, v interface{}, mismatch func(string) error) (interface{}, bool, error) {
	bigint := strings.HasPrefix(col.Type, "bigint")

	switch val := v.(type) {
	case bool:
		if val {
			return int8(1), false, nil
		}
		return int8(0), false, nil
	case decimal.Decimal:
		if err := r.checkDecimal(col, val); err != nil {
			return nil, false, err
		}
		return val.String(), false, nil
	case string:
		return r.encodeNumericString(col, val, mismatch)
	case float32:
		return r.encodeFloat(col, float64(val), bigint, mismatch)
	case float64:
		return r.encodeFloat(col, val, bigint, mismatch)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if err := r.checkDecimal(col, decimal.NewFromInt(rv.Int())); err != nil {
			return nil, false, err
		}
		return strconv.FormatInt(rv.Int(), 10), false, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		s := strconv.FormatUint(rv.Uint(), 10)
		if err := r.checkDecimal(col, decimal.RequireFromString(s)); err != nil {
			return nil, false, err
		}
		return s, false, nil
	case reflect.String:
		return r.encodeNumericString(col, rv.String(), mismatch)
	}
	return nil, false, mismatch("a number")
}

// encodeNumericString accepts numeric text and sends it in canonical form
func (r *Relvar) encodeNumericString(col models.Column, s string, mismatch func(string) error) (interface{}, bool, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, false, mismatch("a number")
	}
	if err := r.checkDecimal(col, d); err != nil {
		return nil, false, err
	}
	return d.String(), false, nil
}

func (r *Relvar) encodeFloat(col models.Column, f float64, bigint bool, mismatch func(string) error) (interface{}, bool, error) {
	if math.IsNaN(f) {
		if col.IsAutoIncrement {
			return nil, false, nil
		}
		return nil, true, nil
	}
	if math.IsInf(f, 0) {
		return nil, false, mismatch("a finite number")
	}
	if err := r.checkDecimal(col, decimal.NewFromFloat(f)); err != nil {
		return nil, false, err
	}
	if bigint {
		return strconv.FormatFloat(f, 'f', -1, 64), false, nil
	}
	return strconv.FormatFloat(f, 'g', 16, 64), false, nil
}

// checkDecimal enforces the magnitude and scale of decimal(p,s) columns
func (r *Relvar) checkDecimal(col models.Column, d decimal.Decimal) error {
	m := decimalType.FindStringSubmatch(col.Type)
	if m == nil {
		return nil
	}
	precision, _ := strconv.Atoi(m[1])
	scale, _ := strconv.Atoi(m[2])

	limit := decimal.New(1, int32(precision-scale))
	if d.Abs().GreaterThanOrEqual(limit) {
		return &apperrors.DecimalRangeError{Column: col.Name, Value: d.String(), Type: col.Type}
	}
	loss := d.Sub(d.Round(int32(scale))).Abs()
	if loss.GreaterThan(r.engine.DecimalTolerance) {
		return &apperrors.DecimalPrecisionError{Column: col.Name, Value: d.String(), Type: col.Type}
	}
	return nil
}
