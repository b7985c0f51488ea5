package populator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/internal/connector"
	"github.com/vitebski/pipeline-populator/internal/relvar"
	"github.com/vitebski/pipeline-populator/pkg/apperrors"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// JobTableName is the reservation table of a schema
const JobTableName = "~jobs"

// maxErrorMessage is the width of the error_message column
const maxErrorMessage = 1023

const jobTableDDL = "CREATE TABLE IF NOT EXISTS %s (" +
	"`table_name` varchar(255) NOT NULL COMMENT 'className of the table', " +
	"`key_hash` char(32) NOT NULL COMMENT 'key hash', " +
	"`status` enum('reserved','error','done') NOT NULL COMMENT 'if tuple is missing, the job is available', " +
	"`host` varchar(255) NOT NULL DEFAULT '' COMMENT 'system hostname', " +
	"`pid` int unsigned NOT NULL DEFAULT 0 COMMENT 'system process id', " +
	"`error_message` varchar(1023) NOT NULL DEFAULT '' COMMENT 'error message returned if failed', " +
	"`timestamp` timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP COMMENT 'automatic timestamp', " +
	"PRIMARY KEY (`table_name`, `key_hash`)" +
	") ENGINE=InnoDB COMMENT 'the job reservation table'"

// JobTable coordinates workers through one row per (table, key) in progress.
// The primary key makes a second reservation of the same key fail.
type JobTable struct {
	rel    *relvar.Relvar
	Logger *logrus.Logger
	Host   string
	PID    int
}

// NewJobTable binds the reservation table of a schema
func NewJobTable(engine *relvar.Engine, schema string) *JobTable {
	host, _ := os.Hostname()
	return &JobTable{
		rel:    relvar.New(engine, jobTableDescriptor(schema)),
		Logger: engine.Logger,
		Host:   host,
		PID:    os.Getpid(),
	}
}

func jobTableDescriptor(schema string) *models.Table {
	return &models.Table{
		Schema:    schema,
		Name:      JobTableName,
		ClassName: "Jobs",
		Tier:      models.Job,
		Columns: []models.Column{
			{Name: "table_name", Type: "varchar(255)", IsKey: true, IsString: true},
			{Name: "key_hash", Type: "char(32)", IsKey: true, IsString: true},
			{Name: "status", Type: "enum('reserved','error','done')", IsString: true},
			{Name: "host", Type: "varchar(255)", IsString: true},
			{Name: "pid", Type: "int unsigned", IsNumeric: true},
			{Name: "error_message", Type: "varchar(1023)", IsString: true},
			{Name: "timestamp", Type: "timestamp", IsString: true},
		},
	}
}

// Ensure creates the table when missing
func (jt *JobTable) Ensure(ctx context.Context) error {
	db := jt.rel.Engine().DB
	if _, err := db.ExecuteStatement(ctx, fmt.Sprintf(jobTableDDL, jt.rel.Table().FullName())); err != nil {
		jt.Logger.Errorf("Error creating job table: %v", err)
		return fmt.Errorf("create job table: %w", err)
	}
	return nil
}

func (jt *JobTable) record(table, keyHash string, status models.JobStatus, message string) models.Tuple {
	if len(message) > maxErrorMessage {
		message = message[:maxErrorMessage]
	}
	return models.Tuple{
		"table_name":    table,
		"key_hash":      keyHash,
		"status":        string(status),
		"host":          jt.Host,
		"pid":           jt.PID,
		"error_message": message,
	}
}

// Reserve claims a key for this process. It returns false when another
// process already holds or finished the key.
func (jt *JobTable) Reserve(ctx context.Context, table string, key models.Key) (bool, error) {
	err := jt.rel.InsertOne(ctx, jt.record(table, key.Hash(), models.JobReserved, ""), relvar.Insert)
	var dup *apperrors.DuplicateKeyError
	if errors.As(err, &dup) {
		jt.Logger.Debugf("Key %s of %s is reserved elsewhere", key, table)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Complete releases the reservation of a finished key
func (jt *JobTable) Complete(ctx context.Context, table string, key models.Key) error {
	return jt.CompleteHash(ctx, table, key.Hash())
}

// CompleteHash releases a reservation by the hash it was reserved under.
// Workers use it since decoded keys may not hash like the originals.
func (jt *JobTable) CompleteHash(ctx context.Context, table, keyHash string) error {
	_, err := jt.rel.Restrict(relvar.ByKey(models.Key{"table_name": table, "key_hash": keyHash})).DeleteQuick(ctx)
	return err
}

// MarkDone keeps the reservation as a done marker
func (jt *JobTable) MarkDone(ctx context.Context, table string, key models.Key) error {
	return jt.MarkDoneHash(ctx, table, key.Hash())
}

// MarkDoneHash is MarkDone for a known key hash
func (jt *JobTable) MarkDoneHash(ctx context.Context, table, keyHash string) error {
	return jt.rel.InsertOne(ctx, jt.record(table, keyHash, models.JobDone, ""), relvar.Replace)
}

// Fail records the error of a key; the row blocks the key until cleared
func (jt *JobTable) Fail(ctx context.Context, table string, key models.Key, message string) error {
	return jt.FailHash(ctx, table, key.Hash(), message)
}

// FailHash is Fail for a known key hash
func (jt *JobTable) FailHash(ctx context.Context, table, keyHash, message string) error {
	return jt.rel.InsertOne(ctx, jt.record(table, keyHash, models.JobError, message), relvar.Replace)
}

// List returns job rows, optionally limited to some statuses. A schema
// without a job table has no jobs.
func (jt *JobTable) List(ctx context.Context, statuses ...models.JobStatus) ([]models.JobRecord, error) {
	rel := jt.rel
	if len(statuses) > 0 {
		keys := make([]models.Key, len(statuses))
		for i, s := range statuses {
			keys[i] = models.Key{"status": string(s)}
		}
		rel = rel.Restrict(relvar.ByKeys(keys))
	}
	tuples, err := rel.Fetch(ctx)
	if connector.IsMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	records := make([]models.JobRecord, 0, len(tuples))
	for _, t := range tuples {
		records = append(records, models.JobRecord{
			TableName:    fmt.Sprint(t["table_name"]),
			KeyHash:      fmt.Sprint(t["key_hash"]),
			Status:       models.JobStatus(fmt.Sprint(t["status"])),
			Host:         fmt.Sprint(t["host"]),
			PID:          int(asInt64(t["pid"])),
			ErrorMessage: fmt.Sprint(t["error_message"]),
			Timestamp:    asTime(t["timestamp"]),
		})
	}
	return records, nil
}

// Clear removes job rows of a table, or of every table when table is empty,
// optionally limited to some statuses
func (jt *JobTable) Clear(ctx context.Context, table string, statuses ...models.JobStatus) (int64, error) {
	rel := jt.rel
	if table != "" {
		rel = rel.Restrict(relvar.ByKey(models.Key{"table_name": table}))
	}
	if len(statuses) > 0 {
		keys := make([]models.Key, len(statuses))
		for i, s := range statuses {
			keys[i] = models.Key{"status": string(s)}
		}
		rel = rel.Restrict(relvar.ByKeys(keys))
	}
	n, err := rel.DeleteQuick(ctx)
	if connector.IsMissingTable(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	jt.Logger.Infof("Cleared %d job rows", n)
	return n, nil
}

func asInt64(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case uint64:
		return int64(val)
	case int:
		return int64(val)
	case float64:
		return int64(val)
	}
	return 0
}

func asTime(v interface{}) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		if ts, err := time.ParseInLocation("2006-01-02 15:04:05", val, time.Local); err == nil {
			return ts
		}
	}
	return time.Time{}
}
