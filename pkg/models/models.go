package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Tier represents the role of a table in the pipeline, derived from its name prefix
type Tier int

const (
	Manual Tier = iota
	Lookup
	Imported
	Computed
	Job
)

// String returns the tier name
func (t Tier) String() string {
	switch t {
	case Lookup:
		return "lookup"
	case Manual:
		return "manual"
	case Imported:
		return "imported"
	case Computed:
		return "computed"
	case Job:
		return "job"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// TierPrefix returns the table name prefix that marks the tier
func (t Tier) TierPrefix() string {
	switch t {
	case Lookup:
		return "#"
	case Imported:
		return "_"
	case Computed:
		return "__"
	case Job:
		return "~"
	}
	return ""
}

// Column represents a table column as read from the catalog
type Column struct {
	Name            string
	Type            string
	IsKey           bool
	IsNullable      bool
	IsNumeric       bool
	IsString        bool
	IsBlob          bool
	IsAutoIncrement bool
	Default         *string
	Comment         string
	Alias           string
}

// Table describes one table of the registry
type Table struct {
	Schema    string
	Name      string
	ClassName string
	Tier      Tier
	Comment   string
	Columns   []Column
	// External tables live in another schema and were discovered through foreign keys only
	External bool
}

// ID returns the stable registry identifier of the table
func (t *Table) ID() string {
	return TableID(t.Schema, t.Name)
}

// FullName returns the quoted SQL name of the table
func (t *Table) FullName() string {
	return fmt.Sprintf("`%s`.`%s`", t.Schema, t.Name)
}

// Column returns the named column and whether it exists
func (t *Table) Column(name string) (Column, bool) {
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table declares the named column
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// PrimaryKey returns the primary key attributes in declaration order
func (t *Table) PrimaryKey() []string {
	var key []string
	for _, col := range t.Columns {
		if col.IsKey {
			key = append(key, col.Name)
		}
	}
	return key
}

// TableID builds a registry identifier from schema and table name
func TableID(schema, name string) string {
	return schema + "." + name
}

// ReferenceKind classifies a foreign key edge
type ReferenceKind int64

const (
	// Hierarchical references are part of the referencing table's primary key
	Hierarchical ReferenceKind = 1
	// Associative references are not part of the primary key
	Associative ReferenceKind = 2
)

// String returns the kind name
func (k ReferenceKind) String() string {
	if k == Hierarchical {
		return "hierarchical"
	}
	return "associative"
}

// ColumnPair maps a referencing column onto the referenced column
type ColumnPair struct {
	Column           string
	ReferencedColumn string
}

// ForeignKey represents a foreign key constraint between two tables
type ForeignKey struct {
	ConstraintName   string
	Schema           string
	Table            string
	ReferencedSchema string
	ReferencedTable  string
	Columns          []ColumnPair
	// InPrimaryKey is true when every referencing column belongs to the referencing primary key
	InPrimaryKey bool
}

// Kind returns the edge classification of the constraint
func (fk ForeignKey) Kind() ReferenceKind {
	if fk.InPrimaryKey {
		return Hierarchical
	}
	return Associative
}

// Tuple is one row of attribute values
type Tuple map[string]interface{}

// Key is a tuple restricted to primary key attributes
type Key map[string]interface{}

// Names returns the attribute names in sorted order
func (k Key) Names() []string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hash returns the content hash used to identify the key in the job table
func (k Key) Hash() string {
	h := md5.New()
	for _, name := range k.Names() {
		fmt.Fprintf(h, "%s=%v\x00", name, k[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// String renders the key in a stable order for logging
func (k Key) String() string {
	s := "{"
	for i, name := range k.Names() {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s: %v", name, k[name])
	}
	return s + "}"
}

// JobStatus is the state of a job reservation
type JobStatus string

const (
	JobReserved JobStatus = "reserved"
	JobError    JobStatus = "error"
	JobDone     JobStatus = "done"
)

// JobRecord is one row of the job reservation table
type JobRecord struct {
	TableName    string
	KeyHash      string
	Status       JobStatus
	Host         string
	PID          int
	ErrorMessage string
	Timestamp    time.Time
}

// CacheRequest is one row of the cache request table
type CacheRequest struct {
	RequestHash       string
	DiskLabel         string
	RequestPath       string
	RequestSize       int64
	NbClients         int64
	FulfilledRequests int64
}

// CacheRequestHash returns the content hash of a (disk, path) request
func CacheRequestHash(disk, path string) string {
	return Key{"disk": disk, "path": path}.Hash()
}

// PopulationResult represents the result of one population run
type PopulationResult struct {
	Table      string
	Candidates int
	Completed  int
	Dispatched int
	Skipped    int
	Failed     map[string]string
}

// Failures returns the number of keys that failed
func (r *PopulationResult) Failures() int {
	return len(r.Failed)
}
