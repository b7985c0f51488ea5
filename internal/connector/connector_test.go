package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitebski/pipeline-populator/pkg/apperrors"
)

func TestNewDatabaseConnector(t *testing.T) {
	os.Setenv("MYSQL_HOST", "test-host")
	os.Setenv("MYSQL_USER", "test-user")
	os.Setenv("MYSQL_PASSWORD", "test-password")
	os.Setenv("MYSQL_DATABASE", "test-database")
	os.Setenv("MYSQL_PORT", "3307")
	defer func() {
		for _, v := range []string{"MYSQL_HOST", "MYSQL_USER", "MYSQL_PASSWORD", "MYSQL_DATABASE", "MYSQL_PORT"} {
			os.Unsetenv(v)
		}
	}()

	logger := createTestLogger()

	db := NewDatabaseConnector("", "", "", "", "", logger)
	assert.Equal(t, "test-host", db.Host)
	assert.Equal(t, "test-user", db.User)
	assert.Equal(t, "test-password", db.Password)
	assert.Equal(t, "test-database", db.Database)
	assert.Equal(t, "3307", db.Port)
	assert.Equal(t, DefaultInitStatement, db.InitStatement)
	assert.True(t, db.StrictTransactions)

	db = NewDatabaseConnector("explicit-host", "explicit-user", "explicit-password", "explicit-database", "3308", logger)
	assert.Equal(t, "explicit-host", db.Host)
	assert.Equal(t, "explicit-user", db.User)
	assert.Equal(t, "explicit-password", db.Password)
	assert.Equal(t, "explicit-database", db.Database)
	assert.Equal(t, "3308", db.Port)
}

func TestConnectRequiresDatabase(t *testing.T) {
	dc := &DatabaseConnector{Logger: createTestLogger()}
	err := dc.Connect(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoDatabase)
}

func TestConnectReplaysInitStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dc := NewDatabaseConnectorFromDB(db, "pipeline", createTestLogger())
	dc.InitStatement = "SET SESSION sql_mode = 'STRICT_ALL_TABLES'"

	mock.ExpectExec("SET SESSION sql_mode").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(int64(1)))

	rows, err := dc.ExecuteQuery(context.Background(), "SELECT 1 AS one")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["one"])
	assert.True(t, dc.IsConnected(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDuplicateKeyIsDistinguished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	dc := NewDatabaseConnectorFromDB(db, "pipeline", createTestLogger())

	mock.ExpectExec("INSERT INTO `pipeline`.`~jobs`").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'PRIMARY'"})
	mock.ExpectExec("INSERT INTO `pipeline`.`mouse`").
		WillReturnError(&mysql.MySQLError{Number: 1452, Message: "Cannot add or update a child row"})

	_, err = dc.ExecuteStatement(context.Background(), "INSERT INTO `pipeline`.`~jobs` (table_name) VALUES (?)", "scan")
	var dup *apperrors.DuplicateKeyError
	require.True(t, errors.As(err, &dup))
	assert.Contains(t, dup.Message, "Duplicate entry")

	_, err = dc.ExecuteStatement(context.Background(), "INSERT INTO `pipeline`.`mouse` (mouse_id) VALUES (?)", 1)
	require.Error(t, err)
	assert.False(t, errors.As(err, &dup))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionStateMachine(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	dc := NewDatabaseConnectorFromDB(db, "pipeline", createTestLogger())
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.False(t, dc.InTransaction())
	require.NoError(t, dc.StartTransaction(ctx))
	assert.True(t, dc.InTransaction())
	assert.ErrorIs(t, dc.StartTransaction(ctx), apperrors.ErrInTransaction)

	n, err := dc.ExecuteStatement(ctx, "DELETE FROM `pipeline`.`scan`")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, dc.CommitTransaction(ctx))
	assert.False(t, dc.InTransaction())
	assert.ErrorIs(t, dc.CommitTransaction(ctx), apperrors.ErrNoTransaction)

	require.NoError(t, dc.StartTransaction(ctx))
	require.NoError(t, dc.CancelTransaction(ctx))
	assert.False(t, dc.InTransaction())
	assert.NoError(t, dc.CancelTransaction(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteManyRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	dc := NewDatabaseConnectorFromDB(db, "pipeline", createTestLogger())

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `pipeline`.`__scan`").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM `pipeline`.`_session`").WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	_, err = dc.ExecuteMany(context.Background(),
		[]string{"DELETE FROM `pipeline`.`__scan`", "DELETE FROM `pipeline`.`_session`"},
		[][]interface{}{nil, nil})
	require.Error(t, err)
	assert.False(t, dc.InTransaction())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStrictTransactionLost(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	dc := NewDatabaseConnectorFromDB(db, "pipeline", createTestLogger())
	ctx := context.Background()

	require.NoError(t, dc.Connect(ctx))

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectPing().WillReturnError(errors.New("server has gone away"))
	mock.ExpectRollback()

	require.NoError(t, dc.StartTransaction(ctx))
	_, err = dc.ExecuteStatement(ctx, "DELETE FROM `pipeline`.`mouse`")

	var lost *apperrors.TransactionLostError
	require.True(t, errors.As(err, &lost))
	assert.False(t, dc.InTransaction())
}

func TestLenientReconnectDropsTransaction(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	dc := NewDatabaseConnectorFromDB(db, "pipeline", createTestLogger())
	dc.StrictTransactions = false
	ctx := context.Background()

	require.NoError(t, dc.Connect(ctx))

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectPing().WillReturnError(errors.New("server has gone away"))
	mock.ExpectRollback()
	mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, dc.StartTransaction(ctx))
	n, err := dc.ExecuteStatement(ctx, "DELETE FROM `pipeline`.`mouse`")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, dc.InTransaction())
}

// createTestLogger returns a logger that only reports fatal messages
func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestIsMissingTable(t *testing.T) {
	missing := &mysql.MySQLError{Number: 1146, Message: "Table 'lab.~jobs' doesn't exist"}
	assert.True(t, IsMissingTable(missing))
	assert.True(t, IsMissingTable(fmt.Errorf("fetch ~jobs: %w", missing)))
	assert.False(t, IsMissingTable(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsMissingTable(errors.New("connection refused")))
	assert.False(t, IsMissingTable(nil))
}
