package generator

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitebski/pipeline-populator/internal/analyzer"
	"github.com/vitebski/pipeline-populator/internal/connector"
	"github.com/vitebski/pipeline-populator/internal/relvar"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

func labCatalog() *analyzer.Catalog {
	intKey := func(name string) models.Column {
		return models.Column{Name: name, Type: "int", IsKey: true, IsNumeric: true}
	}
	rig := &models.Table{Schema: "lab", Name: "#rig", ClassName: "Rig", Tier: models.Lookup, Columns: []models.Column{
		{Name: "rig", Type: "varchar(16)", IsKey: true, IsString: true},
	}}
	mouse := &models.Table{Schema: "lab", Name: "mouse", ClassName: "Mouse", Columns: []models.Column{
		intKey("mouse_id"),
		{Name: "species", Type: "varchar(32)", IsString: true},
		{Name: "dob", Type: "date", IsString: true},
		{Name: "weight", Type: "decimal(5,2)", IsNumeric: true, IsNullable: true},
	}}
	session := &models.Table{Schema: "lab", Name: "session", ClassName: "Session", Columns: []models.Column{
		intKey("mouse_id"),
		{Name: "session_id", Type: "smallint unsigned", IsKey: true, IsNumeric: true},
		{Name: "rig", Type: "varchar(16)", IsString: true},
		{Name: "notes", Type: "text", IsString: true, IsNullable: true},
	}}
	stats := &models.Table{Schema: "lab", Name: "__stats", ClassName: "Stats", Tier: models.Computed, Columns: []models.Column{
		intKey("mouse_id"),
		{Name: "session_id", Type: "smallint unsigned", IsKey: true, IsNumeric: true},
	}}

	fk := func(name, child, parent string, inKey bool, cols ...string) models.ForeignKey {
		f := models.ForeignKey{ConstraintName: name, Schema: "lab", Table: child,
			ReferencedSchema: "lab", ReferencedTable: parent, InPrimaryKey: inKey}
		for _, c := range cols {
			f.Columns = append(f.Columns, models.ColumnPair{Column: c, ReferencedColumn: c})
		}
		return f
	}
	return &analyzer.Catalog{
		Database: "lab",
		Tables:   []*models.Table{rig, mouse, session, stats},
		ForeignKeys: []models.ForeignKey{
			fk("session_mouse", "session", "mouse", true, "mouse_id"),
			fk("session_rig", "session", "#rig", false, "rig"),
			fk("stats_session", "__stats", "session", true, "mouse_id", "session_id"),
		},
	}
}

func newTestSeeder(t *testing.T, records int) (*Seeder, sqlmock.Sqlmock) {
	logger := quietLogger()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dc := connector.NewDatabaseConnectorFromDB(db, "lab", logger)
	schema, err := analyzer.BuildSchema(labCatalog(), analyzer.NewTierPattern(""))
	require.NoError(t, err)
	sa := analyzer.NewSchemaAnalyzer(dc, "", logger)
	sa.SetSchema(schema)

	engine := relvar.NewEngine(dc, sa, logger)
	return NewSeeder(engine, NewDataGeneratorWithSeed(1, logger), records, logger), mock
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestTargetsFollowDependencies(t *testing.T) {
	seeder, _ := newTestSeeder(t, 1)
	targets, err := seeder.Targets(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"lab.#rig", "lab.mouse", "lab.session"}, targets)
	assert.Less(t, indexOf(targets, "lab.mouse"), indexOf(targets, "lab.session"))
	assert.Less(t, indexOf(targets, "lab.#rig"), indexOf(targets, "lab.session"))
}

func TestTargetsRejectDerivedTables(t *testing.T) {
	seeder, _ := newTestSeeder(t, 1)
	_, err := seeder.Targets(context.Background(), "__stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only manual and lookup tables")
}

func TestSeedDrawsForeignKeysFromParents(t *testing.T) {
	seeder, mock := newTestSeeder(t, 3)
	ctx := context.Background()

	mock.ExpectBegin()
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT IGNORE INTO `lab`.`mouse`").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
	ok, err := seeder.Seed(ctx, "Mouse")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), seeder.Inserted["lab.mouse"])

	mice := map[interface{}]bool{}
	for _, row := range seeder.InsertedData["lab.mouse"] {
		mice[row["mouse_id"]] = true
	}

	// rigs come from the store, mice from the rows generated above
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `rig` FROM `lab`.`#rig` ORDER BY `rig`")).
		WillReturnRows(sqlmock.NewRows([]string{"rig"}).AddRow([]byte("A")).AddRow([]byte("B")))
	mock.ExpectBegin()
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT IGNORE INTO `lab`.`session`").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
	ok, err = seeder.Seed(ctx, "session")
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, seeder.InsertedData["lab.session"], 3)
	for _, row := range seeder.InsertedData["lab.session"] {
		assert.True(t, mice[row["mouse_id"]], "mouse_id %v", row["mouse_id"])
		assert.Contains(t, []interface{}{"A", "B"}, row["rig"])
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedRecordsTableWithoutParentRows(t *testing.T) {
	seeder, mock := newTestSeeder(t, 2)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `rig` FROM `lab`.`#rig` ORDER BY `rig`")).
		WillReturnRows(sqlmock.NewRows([]string{"rig"}).AddRow([]byte("A")))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `mouse_id` FROM `lab`.`mouse` ORDER BY `mouse_id`")).
		WillReturnRows(sqlmock.NewRows([]string{"mouse_id"}))

	ok, err := seeder.Seed(context.Background(), "session")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, seeder.FailedTables["lab.session"], "no rows in mouse")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedInsertsInBatches(t *testing.T) {
	seeder, mock := newTestSeeder(t, 3)
	seeder.BatchSize = 2

	mock.ExpectBegin()
	mock.ExpectExec("INSERT IGNORE INTO `lab`.`#rig`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT IGNORE INTO `lab`.`#rig`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT IGNORE INTO `lab`.`#rig`").WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := seeder.Seed(context.Background(), "#rig")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), seeder.Inserted["lab.#rig"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyReportsShortTables(t *testing.T) {
	seeder, mock := newTestSeeder(t, 1)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) AS n FROM `lab`.`mouse`")).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(5)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) AS n FROM `lab`.`session`")).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)))

	short, err := seeder.Verify(context.Background(), []string{"mouse", "session"}, 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"session": 1}, short)
	assert.NoError(t, mock.ExpectationsWereMet())
}
