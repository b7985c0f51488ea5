package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/pkg/apperrors"
)

// mysqlErrDuplicateEntry is ER_DUP_ENTRY
const mysqlErrDuplicateEntry = 1062

// mysqlErrNoSuchTable is ER_NO_SUCH_TABLE
const mysqlErrNoSuchTable = 1146

// DefaultInitStatement is replayed on every new session
const DefaultInitStatement = "SET SESSION sql_mode = 'STRICT_ALL_TABLES,NO_ENGINE_SUBSTITUTION'"

// querier is satisfied by both *sql.Conn and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DatabaseConnector owns the session with the store and its transaction state.
//
// The connector holds one dedicated connection so that the session init statement
// and an open transaction always apply to the statements that follow.
type DatabaseConnector struct {
	Host          string
	User          string
	Password      string
	Database      string
	Port          string
	InitStatement string
	// StrictTransactions fails with TransactionLostError instead of reconnecting
	// when the session drops while a transaction is open.
	StrictTransactions bool
	DB                 *sql.DB
	Logger             *logrus.Logger

	conn *sql.Conn
	tx   *sql.Tx
}

// NewDatabaseConnector creates a new database connector
func NewDatabaseConnector(host, user, password, database, port string, logger *logrus.Logger) *DatabaseConnector {
	if host == "" {
		host = getEnvOrDefault("MYSQL_HOST", "localhost")
	}
	if user == "" {
		user = getEnvOrDefault("MYSQL_USER", "root")
	}
	if password == "" {
		password = getEnvOrDefault("MYSQL_PASSWORD", "")
	}
	if database == "" {
		database = getEnvOrDefault("MYSQL_DATABASE", "")
	}
	if port == "" {
		port = getEnvOrDefault("MYSQL_PORT", "3306")
	}

	return &DatabaseConnector{
		Host:               host,
		User:               user,
		Password:           password,
		Database:           database,
		Port:               port,
		InitStatement:      DefaultInitStatement,
		StrictTransactions: true,
		Logger:             logger,
	}
}

// NewDatabaseConnectorFromDB wraps an already opened pool, used by tests and embedding programs
func NewDatabaseConnectorFromDB(db *sql.DB, database string, logger *logrus.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Database:           database,
		DB:                 db,
		StrictTransactions: true,
		Logger:             logger,
	}
}

// Connect opens the session and replays the init statement
func (dc *DatabaseConnector) Connect(ctx context.Context) error {
	if dc.Database == "" {
		return apperrors.ErrNoDatabase
	}

	if dc.DB == nil {
		cfg := mysql.NewConfig()
		cfg.User = dc.User
		cfg.Passwd = dc.Password
		cfg.Net = "tcp"
		cfg.Addr = dc.Host + ":" + dc.Port
		cfg.DBName = dc.Database
		cfg.ParseTime = true

		db, err := sql.Open("mysql", cfg.FormatDSN())
		if err != nil {
			dc.Logger.Errorf("Error connecting to MySQL database: %v", err)
			return err
		}
		dc.DB = db
	}

	// Pin one session so transactions and session settings stay on it
	conn, err := dc.DB.Conn(ctx)
	if err != nil {
		dc.Logger.Errorf("Error opening MySQL session: %v", err)
		return err
	}

	if dc.InitStatement != "" {
		if _, err := conn.ExecContext(ctx, dc.InitStatement); err != nil {
			dc.Logger.Errorf("Error running session init statement: %v", err)
			conn.Close()
			return err
		}
	}

	dc.conn = conn
	dc.Logger.Infof("Connected to MySQL database: %s", dc.Database)
	return nil
}

// Disconnect closes the session and the pool
func (dc *DatabaseConnector) Disconnect() {
	if dc.tx != nil {
		dc.Logger.Warning("Closing connection with an open transaction, rolling back")
		dc.tx.Rollback()
		dc.tx = nil
	}
	if dc.conn != nil {
		dc.conn.Close()
		dc.conn = nil
	}
	if dc.DB != nil {
		err := dc.DB.Close()
		if err != nil {
			dc.Logger.Errorf("Error closing database connection: %v", err)
		} else {
			dc.Logger.Info("MySQL connection closed")
		}
		dc.DB = nil
	}
}

// IsConnected pings the live session
func (dc *DatabaseConnector) IsConnected(ctx context.Context) bool {
	if dc.conn == nil {
		return false
	}
	return dc.conn.PingContext(ctx) == nil
}

// InTransaction reports whether a transaction is believed to be open
func (dc *DatabaseConnector) InTransaction() bool {
	return dc.tx != nil
}

// ensureConnected opens or reopens the session according to the reconnect policy
func (dc *DatabaseConnector) ensureConnected(ctx context.Context) error {
	if dc.conn == nil {
		return dc.Connect(ctx)
	}
	if err := dc.conn.PingContext(ctx); err != nil {
		if dc.tx != nil {
			// the transaction pins the session; it must end before the session can close
			dc.tx.Rollback()
			dc.tx = nil
			if dc.StrictTransactions {
				dc.Logger.Errorf("Connection lost during transaction: %v", err)
				dc.conn.Close()
				dc.conn = nil
				return &apperrors.TransactionLostError{Err: err}
			}
			dc.Logger.Warningf("Connection lost during transaction, reconnecting: %v", err)
		} else {
			dc.Logger.Warningf("Connection lost, reconnecting: %v", err)
		}
		dc.conn.Close()
		dc.conn = nil
		return dc.Connect(ctx)
	}
	return nil
}

func (dc *DatabaseConnector) current() querier {
	if dc.tx != nil {
		return dc.tx
	}
	return dc.conn
}

// ExecuteQuery executes a SQL query and returns the results
func (dc *DatabaseConnector) ExecuteQuery(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return nil, err
	}

	rows, err := dc.current().QueryContext(ctx, query, params...)
	if err != nil {
		dc.Logger.Errorf("Error executing query: %v", err)
		return nil, translateError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		dc.Logger.Errorf("Error getting columns: %v", err)
		return nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		// Create a slice of interface{} to hold the values
		values := make([]interface{}, len(columns))
		// Create a slice of pointers to the values
		valuePtrs := make([]interface{}, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}

		// Scan the result into the pointers
		if err := rows.Scan(valuePtrs...); err != nil {
			dc.Logger.Errorf("Error scanning row: %v", err)
			return nil, err
		}

		// Create a map for this row
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		dc.Logger.Errorf("Error iterating rows: %v", err)
		return nil, err
	}

	return results, nil
}

// ExecuteStatement executes a SQL statement and returns the number of affected rows
func (dc *DatabaseConnector) ExecuteStatement(ctx context.Context, query string, params ...interface{}) (int64, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return 0, err
	}

	result, err := dc.current().ExecContext(ctx, query, params...)
	if err != nil {
		err = translateError(err)
		var dup *apperrors.DuplicateKeyError
		if errors.As(err, &dup) {
			dc.Logger.Debugf("Duplicate key: %v", err)
		} else {
			dc.Logger.Errorf("Error executing statement: %v", err)
		}
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		dc.Logger.Errorf("Error getting affected rows: %v", err)
		return 0, err
	}

	return affected, nil
}

// ExecuteMany executes SQL statements with their parameter sets inside one transaction.
// When a transaction is already open the statements join it.
func (dc *DatabaseConnector) ExecuteMany(ctx context.Context, queries []string, paramsList [][]interface{}) (int64, error) {
	if len(queries) != len(paramsList) {
		return 0, fmt.Errorf("execute many: %d statements for %d parameter sets", len(queries), len(paramsList))
	}

	// Start a transaction unless one is already open
	owned := !dc.InTransaction()
	if owned {
		if err := dc.StartTransaction(ctx); err != nil {
			return 0, err
		}
	}

	// Execute each statement with its parameters
	var totalAffected int64
	for i, query := range queries {
		affected, err := dc.ExecuteStatement(ctx, query, paramsList[i]...)
		if err != nil {
			if owned {
				dc.CancelTransaction(ctx)
			}
			return 0, err
		}
		totalAffected += affected
	}

	// Commit the transaction
	if owned {
		if err := dc.CommitTransaction(ctx); err != nil {
			return 0, err
		}
	}
	return totalAffected, nil
}

// StartTransaction opens a transaction on the session
func (dc *DatabaseConnector) StartTransaction(ctx context.Context) error {
	if dc.tx != nil {
		return apperrors.ErrInTransaction
	}
	if err := dc.ensureConnected(ctx); err != nil {
		return err
	}
	tx, err := dc.conn.BeginTx(ctx, nil)
	if err != nil {
		dc.Logger.Errorf("Error starting transaction: %v", err)
		return err
	}
	dc.tx = tx
	dc.Logger.Debug("Transaction started")
	return nil
}

// CommitTransaction commits the open transaction
func (dc *DatabaseConnector) CommitTransaction(ctx context.Context) error {
	if dc.tx == nil {
		return apperrors.ErrNoTransaction
	}
	if err := dc.ensureConnected(ctx); err != nil {
		return err
	}
	tx := dc.tx
	dc.tx = nil
	if err := tx.Commit(); err != nil {
		dc.Logger.Errorf("Error committing transaction: %v", err)
		return err
	}
	dc.Logger.Debug("Transaction committed")
	return nil
}

// CancelTransaction rolls back the open transaction, if any
func (dc *DatabaseConnector) CancelTransaction(ctx context.Context) error {
	if dc.tx == nil {
		return nil
	}
	tx := dc.tx
	dc.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		dc.Logger.Errorf("Error rolling back transaction: %v", err)
		return err
	}
	dc.Logger.Debug("Transaction cancelled")
	return nil
}

// translateError maps store errors onto the error kinds callers branch on
func translateError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
		return &apperrors.DuplicateKeyError{Message: mysqlErr.Message, Err: err}
	}
	return err
}

// IsMissingTable reports whether err says the queried table does not exist
func IsMissingTable(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrNoSuchTable
}

// getEnvOrDefault gets an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
