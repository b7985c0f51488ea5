package populator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/internal/connector"
	"github.com/vitebski/pipeline-populator/internal/relvar"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// CacheTableName is the cache request bookkeeping table of a schema
const CacheTableName = "~cache_request"

const cacheTableDDL = "CREATE TABLE IF NOT EXISTS %s (" +
	"`request_hash` char(32) NOT NULL COMMENT 'hash of disk label and path', " +
	"`disk_label` varchar(255) NOT NULL COMMENT 'disk holding the data', " +
	"`request_path` varchar(1023) NOT NULL COMMENT 'path on the disk', " +
	"`request_size` bigint unsigned NOT NULL DEFAULT 0 COMMENT 'bytes to stage', " +
	"`nb_clients` int unsigned NOT NULL DEFAULT 0 COMMENT 'tasks depending on the request', " +
	"`fulfilled_requests` int unsigned NOT NULL DEFAULT 0 COMMENT 'tasks that ran on the staged data', " +
	"PRIMARY KEY (`request_hash`)" +
	") ENGINE=InnoDB COMMENT 'cache staging requests'"

// CacheRequests keeps one row per (disk, path) staging request with its client counters
type CacheRequests struct {
	rel    *relvar.Relvar
	Logger *logrus.Logger
}

// NewCacheRequests binds the cache request table of a schema
func NewCacheRequests(engine *relvar.Engine, schema string) *CacheRequests {
	return &CacheRequests{
		rel: relvar.New(engine, &models.Table{
			Schema:    schema,
			Name:      CacheTableName,
			ClassName: "CacheRequest",
			Tier:      models.Job,
			Columns: []models.Column{
				{Name: "request_hash", Type: "char(32)", IsKey: true, IsString: true},
				{Name: "disk_label", Type: "varchar(255)", IsString: true},
				{Name: "request_path", Type: "varchar(1023)", IsString: true},
				{Name: "request_size", Type: "bigint unsigned", IsNumeric: true},
				{Name: "nb_clients", Type: "int unsigned", IsNumeric: true},
				{Name: "fulfilled_requests", Type: "int unsigned", IsNumeric: true},
			},
		}),
		Logger: engine.Logger,
	}
}

// Ensure creates the table when missing
func (c *CacheRequests) Ensure(ctx context.Context) error {
	db := c.rel.Engine().DB
	if _, err := db.ExecuteStatement(ctx, fmt.Sprintf(cacheTableDDL, c.rel.Table().FullName())); err != nil {
		c.Logger.Errorf("Error creating cache request table: %v", err)
		return fmt.Errorf("create cache request table: %w", err)
	}
	return nil
}

// Register records a staging request unless it exists and returns its hash
func (c *CacheRequests) Register(ctx context.Context, disk, path string, size int64) (string, error) {
	hash := models.CacheRequestHash(disk, path)
	n, err := c.rel.Insert(ctx, []models.Tuple{{
		"request_hash": hash,
		"disk_label":   disk,
		"request_path": path,
		"request_size": size,
	}}, relvar.InsertIgnore)
	if err != nil {
		return "", err
	}
	if n > 0 {
		c.Logger.Infof("Registered cache request %s:%s (%d bytes)", disk, path, size)
	}
	return hash, nil
}

// AddClient counts one more task depending on the request
func (c *CacheRequests) AddClient(ctx context.Context, hash string) error {
	_, err := c.rel.Restrict(relvar.ByKey(models.Key{"request_hash": hash})).Increment(ctx, "nb_clients")
	return err
}

// Fulfill counts one more task that ran on the staged data
func (c *CacheRequests) Fulfill(ctx context.Context, hash string) error {
	_, err := c.rel.Restrict(relvar.ByKey(models.Key{"request_hash": hash})).Increment(ctx, "fulfilled_requests")
	return err
}

// List returns every cache request; none when the table was never created
func (c *CacheRequests) List(ctx context.Context) ([]models.CacheRequest, error) {
	tuples, err := c.rel.Fetch(ctx)
	if connector.IsMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	requests := make([]models.CacheRequest, 0, len(tuples))
	for _, t := range tuples {
		requests = append(requests, models.CacheRequest{
			RequestHash:       fmt.Sprint(t["request_hash"]),
			DiskLabel:         fmt.Sprint(t["disk_label"]),
			RequestPath:       fmt.Sprint(t["request_path"]),
			RequestSize:       asInt64(t["request_size"]),
			NbClients:         asInt64(t["nb_clients"]),
			FulfilledRequests: asInt64(t["fulfilled_requests"]),
		})
	}
	return requests, nil
}
