package relvar

import (
	"bytes"
	"context"
	"errors"
	"math"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitebski/pipeline-populator/internal/analyzer"
	"github.com/vitebski/pipeline-populator/internal/connector"
	"github.com/vitebski/pipeline-populator/pkg/apperrors"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

func key(name string) models.Column {
	return models.Column{Name: name, Type: "int", IsKey: true, IsNumeric: true}
}

func testCatalog() *analyzer.Catalog {
	mouse := &models.Table{Schema: "lab", Name: "mouse", ClassName: "Mouse", Columns: []models.Column{
		key("mouse_id"),
		{Name: "species", Type: "varchar(32)", IsString: true},
		{Name: "weight", Type: "decimal(5,2)", IsNumeric: true, IsNullable: true},
	}}
	rig := &models.Table{Schema: "lab", Name: "#rig", ClassName: "Rig", Tier: models.Lookup, Columns: []models.Column{
		{Name: "rig", Type: "varchar(16)", IsKey: true, IsString: true},
	}}
	session := &models.Table{Schema: "lab", Name: "_session", ClassName: "Session", Tier: models.Imported, Columns: []models.Column{
		key("mouse_id"),
		{Name: "session_id", Type: "smallint unsigned", IsKey: true, IsNumeric: true},
		{Name: "rig", Type: "varchar(16)", IsString: true},
	}}
	transfer := &models.Table{Schema: "lab", Name: "_transfer", ClassName: "Transfer", Tier: models.Imported, Columns: []models.Column{
		key("transfer_id"),
		{Name: "mouse_id", Type: "int", IsNumeric: true},
	}}
	scan := &models.Table{Schema: "lab", Name: "__scan", ClassName: "Scan", Tier: models.Computed, Columns: []models.Column{
		key("mouse_id"),
		{Name: "session_id", Type: "smallint unsigned", IsKey: true, IsNumeric: true},
		{Name: "scan_id", Type: "int", IsKey: true, IsNumeric: true, IsAutoIncrement: true},
		{Name: "frames", Type: "longblob", IsBlob: true, IsNullable: true},
		{Name: "depth", Type: "decimal(6,2)", IsNumeric: true},
		{Name: "total", Type: "bigint unsigned", IsNumeric: true},
	}}

	fk := func(child, parent string, inKey bool, cols ...string) models.ForeignKey {
		f := models.ForeignKey{ConstraintName: child + "_fk", Schema: "lab", Table: child,
			ReferencedSchema: "lab", ReferencedTable: parent, InPrimaryKey: inKey}
		for _, c := range cols {
			f.Columns = append(f.Columns, models.ColumnPair{Column: c, ReferencedColumn: c})
		}
		return f
	}

	return &analyzer.Catalog{
		Database: "lab",
		Tables:   []*models.Table{mouse, rig, session, transfer, scan},
		ForeignKeys: []models.ForeignKey{
			fk("_session", "mouse", true, "mouse_id"),
			fk("_session", "#rig", false, "rig"),
			fk("_transfer", "mouse", false, "mouse_id"),
			fk("__scan", "_session", true, "mouse_id", "session_id"),
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *bytes.Buffer) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	dc := connector.NewDatabaseConnectorFromDB(db, "lab", logger)

	schema, err := analyzer.BuildSchema(testCatalog(), analyzer.NewTierPattern(""))
	require.NoError(t, err)
	sa := analyzer.NewSchemaAnalyzer(dc, "", logger)
	sa.SetSchema(schema)

	out := &bytes.Buffer{}
	engine := &Engine{
		DB:       dc,
		Analyzer: sa,
		Logger:   logger,
		Out:      out,
		Confirm: func(string) bool {
			t.Fatal("unexpected confirmation prompt")
			return false
		},
	}
	return engine, mock, out
}

func table(t *testing.T, e *Engine, name string) *Relvar {
	r, err := e.Table(context.Background(), name)
	require.NoError(t, err)
	return r
}

func TestWhereCompilesRestrictions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mouse := table(t, e, "Mouse")

	where, args, err := mouse.Where()
	require.NoError(t, err)
	assert.Empty(t, where)
	assert.Nil(t, args)

	restricted := mouse.Restrict(ByKey(models.Key{"mouse_id": 7, "session_id": 2}))
	assert.False(t, mouse.Restricted())
	where, args, err = restricted.Where()
	require.NoError(t, err)
	assert.Equal(t, " WHERE (`mouse_id` = ?)", where)
	assert.Equal(t, []interface{}{7}, args)

	where, args, err = mouse.Restrict(ByKeys([]models.Key{{"mouse_id": 1}, {"mouse_id": 2}}), Where("`weight` > ?", 20)).Where()
	require.NoError(t, err)
	assert.Equal(t, " WHERE ((`mouse_id` = ?) OR (`mouse_id` = ?)) AND (`weight` > ?)", where)
	assert.Equal(t, []interface{}{1, 2, 20}, args)

	where, _, err = mouse.Restrict(ByKeys(nil)).Where()
	require.NoError(t, err)
	assert.Equal(t, " WHERE (FALSE)", where)

	where, args, err = mouse.Restrict(ByKey(models.Key{"species": nil})).Where()
	require.NoError(t, err)
	assert.Equal(t, " WHERE (`species` IS NULL)", where)
	assert.Empty(t, args)

	// a misspelt key must not widen the selection to every row
	var unknown *apperrors.UnknownFieldError
	_, _, err = mouse.Restrict(ByKey(models.Key{"mose_id": 1})).Where()
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "mose_id", unknown.Field)
}

func TestSemijoinAndMinus(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mouse := table(t, e, "Mouse").Restrict(Where("`species` = ?", "mus"))
	session := table(t, e, "Session")
	scan := table(t, e, "Scan")

	where, args, err := session.Restrict(In(mouse, []models.ColumnPair{{Column: "mouse_id", ReferencedColumn: "mouse_id"}})).Where()
	require.NoError(t, err)
	assert.Equal(t, " WHERE ((`mouse_id`) IN (SELECT `mouse_id` FROM `lab`.`mouse` WHERE (`species` = ?)))", where)
	assert.Equal(t, []interface{}{"mus"}, args)

	where, _, err = session.Restrict(NotIn(mouse, []models.ColumnPair{{Column: "mouse_id", ReferencedColumn: "mouse_id"}})).Where()
	require.NoError(t, err)
	assert.Contains(t, where, "NOT IN (SELECT `mouse_id`")

	where, _, err = session.Minus(scan.Table()).Where()
	require.NoError(t, err)
	assert.Equal(t, " WHERE ((`mouse_id`, `session_id`) NOT IN (SELECT `mouse_id`, `session_id` FROM `lab`.`__scan`))", where)

	_, _, err = scan.Minus(session.Table()).Where()
	assert.Error(t, err, "session lacks scan_id")
}

func TestFetchDecodesValues(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mouse := table(t, e, "Mouse").Restrict(Where("`species` = ?", "mus"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `mouse_id`, `species`, `weight` FROM `lab`.`mouse` WHERE (`species` = ?) ORDER BY `mouse_id`")).
		WithArgs("mus").
		WillReturnRows(sqlmock.NewRows([]string{"mouse_id", "species", "weight"}).
			AddRow([]byte("1"), []byte("mus"), []byte("21.50")).
			AddRow([]byte("2"), []byte("mus"), nil))

	tuples, err := mouse.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, int64(1), tuples[0]["mouse_id"])
	assert.Equal(t, "mus", tuples[0]["species"])
	assert.Equal(t, 21.5, tuples[0]["weight"])
	assert.Nil(t, tuples[1]["weight"])

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `mouse_id` FROM `lab`.`mouse` ORDER BY `mouse_id`")).
		WillReturnRows(sqlmock.NewRows([]string{"mouse_id"}).AddRow(int64(3)))
	keys, err := table(t, e, "Mouse").FetchKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Key{{"mouse_id": int64(3)}}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAndExists(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mouse := table(t, e, "Mouse").Restrict(ByKey(models.Key{"mouse_id": 1}))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) AS n FROM `lab`.`mouse` WHERE (`mouse_id` = ?)")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM `lab`.`mouse` WHERE (`mouse_id` = ?)) AS e")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"e"}).AddRow(int64(0)))

	n, err := mouse.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	ok, err := mouse.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromptConfirm(t *testing.T) {
	out := &bytes.Buffer{}
	confirm := PromptConfirm(strings.NewReader("yes\nno\n"), out)
	assert.True(t, confirm("Proceed?"))
	assert.False(t, confirm("Proceed?"))
	assert.False(t, confirm("Proceed?"))
	assert.Contains(t, out.String(), "Proceed? [yes/No]")
}

func TestInsertEncodesValues(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	scan := table(t, e, "Scan")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `lab`.`__scan` (`mouse_id`, `session_id`, `scan_id`, `frames`, `depth`, `total`) VALUES (?, ?, ?, ?, ?, ?)")).
		WithArgs("1", "2", nil, []byte{0x01, 0x02}, "12.5", "9007199254740993").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := scan.InsertOne(context.Background(), models.Tuple{
		"mouse_id":   1,
		"session_id": uint16(2),
		"scan_id":    math.NaN(),
		"frames":     []byte{0x01, 0x02},
		"depth":      12.5,
		"total":      uint64(9007199254740993),
	}, Insert)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOmitsNaNAndEncodesBooleans(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mouse := table(t, e, "Mouse")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `lab`.`mouse` (`mouse_id`) VALUES (?)")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := mouse.InsertOne(context.Background(), models.Tuple{"mouse_id": true, "weight": math.NaN()}, Insert)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertValidatesBeforeWriting(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mouse := table(t, e, "Mouse")
	scan := table(t, e, "Scan")
	ctx := context.Background()

	_, err := mouse.Insert(ctx, []models.Tuple{
		{"mouse_id": 1, "species": "mus"},
		{"mouse_id": 2, "colour": "brown"},
	}, Insert)
	var unknown *apperrors.UnknownFieldError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "colour", unknown.Field)

	var mismatch *apperrors.TypeMismatchError
	_, err = mouse.Insert(ctx, []models.Tuple{{"mouse_id": 1, "species": 5}}, Insert)
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "species", mismatch.Column)

	_, err = scan.Insert(ctx, []models.Tuple{{"mouse_id": 1, "frames": 3}}, Insert)
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "frames", mismatch.Column)

	_, err = mouse.Insert(ctx, []models.Tuple{{"mouse_id": []int{1, 2}}}, Insert)
	require.True(t, errors.As(err, &mismatch))

	var rangeErr *apperrors.DecimalRangeError
	_, err = mouse.Insert(ctx, []models.Tuple{{"mouse_id": 1, "weight": 1000.0}}, Insert)
	require.True(t, errors.As(err, &rangeErr))

	var precisionErr *apperrors.DecimalPrecisionError
	_, err = mouse.Insert(ctx, []models.Tuple{{"mouse_id": 1, "weight": 12.345}}, Insert)
	require.True(t, errors.As(err, &precisionErr))

	// numeric text is held to the same rules
	_, err = mouse.Insert(ctx, []models.Tuple{{"mouse_id": "not a number"}}, Insert)
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "mouse_id", mismatch.Column)

	_, err = mouse.Insert(ctx, []models.Tuple{{"mouse_id": 1, "weight": "123456.789"}}, Insert)
	require.True(t, errors.As(err, &rangeErr))

	_, err = mouse.Insert(ctx, []models.Tuple{{"mouse_id": "1", "weight": "12.345"}}, Insert)
	require.True(t, errors.As(err, &precisionErr))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCanonicalizesNumericText(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mouse := table(t, e, "Mouse")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `lab`.`mouse` (`mouse_id`, `weight`) VALUES (?, ?)")).
		WithArgs("7", "12.5").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := mouse.InsertOne(context.Background(), models.Tuple{"mouse_id": " 7 ", "weight": "12.50"}, Insert)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDecimalTolerance(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	e.DecimalTolerance = decimal.RequireFromString("0.01")
	mouse := table(t, e, "Mouse")

	mock.ExpectExec("INSERT INTO `lab`.`mouse`").
		WithArgs("1", "12.345").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := mouse.InsertOne(context.Background(), models.Tuple{"mouse_id": 1, "weight": decimal.RequireFromString("12.345")}, Insert)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertModesOnDuplicate(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mouse := table(t, e, "Mouse")
	ctx := context.Background()
	tuple := models.Tuple{"mouse_id": 1, "species": "mus"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `lab`.`mouse`")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '1' for key 'PRIMARY'"})
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `lab`.`mouse`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("REPLACE INTO `lab`.`mouse`")).
		WillReturnResult(sqlmock.NewResult(1, 2))

	_, err := mouse.Insert(ctx, []models.Tuple{tuple}, Insert)
	var dup *apperrors.DuplicateKeyError
	require.True(t, errors.As(err, &dup))

	n, err := mouse.Insert(ctx, []models.Tuple{tuple}, InsertIgnore)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = mouse.Insert(ctx, []models.Tuple{tuple}, Replace)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertManyIsAtomic(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mouse := table(t, e, "Mouse")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WithArgs("1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO").WithArgs("2").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	_, err := mouse.Insert(context.Background(), []models.Tuple{{"mouse_id": 1}, {"mouse_id": 2}}, Insert)
	var dup *apperrors.DuplicateKeyError
	assert.True(t, errors.As(err, &dup))
	assert.False(t, e.DB.InTransaction())
	assert.NoError(t, mock.ExpectationsWereMet())
}
