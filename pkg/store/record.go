package store

import (
	"fmt"
	"strings"
)

// Record is a single topic message as kept in the local store.
type Record struct {
	Key         string  `json:"key"`
	Payload     *string `json:"payload"`
	Partition   int32   `json:"partition"`
	Offset      int64   `json:"offset"`
	Timestamp   *int64  `json:"timestamp"`
	SchemaID    *int32  `json:"schemaId,omitempty"`
	Header      *string `json:"header,omitempty"`
	RecordBytes int64   `json:"recordBytes"`

	// Extra holds result columns that are not part of the record schema,
	// e.g. json_extract(payload, '$.id') AS id.
	Extra map[string]any `json:"extra,omitempty"`
}

// row is the gorm mapping of a stored record.
type row struct {
	Key         string  `gorm:"column:key;not null"`
	Payload     *string `gorm:"column:payload"`
	Partition   int32   `gorm:"column:partition;primaryKey;autoIncrement:false"`
	Offset      int64   `gorm:"column:offset;primaryKey;autoIncrement:false"`
	Timestamp   *int64  `gorm:"column:timestamp"`
	SchemaID    *int32  `gorm:"column:schema_id"`
	Header      *string `gorm:"column:header"`
	RecordBytes int64   `gorm:"column:record_bytes"`
}

func toRow(r Record) row {
	return row{
		Key:         r.Key,
		Payload:     r.Payload,
		Partition:   r.Partition,
		Offset:      r.Offset,
		Timestamp:   r.Timestamp,
		SchemaID:    r.SchemaID,
		Header:      r.Header,
		RecordBytes: r.RecordBytes,
	}
}

// Columns of a topic table in declaration order.
var Columns = []string{"key", "payload", "partition", "offset", "timestamp", "schema_id", "header", "record_bytes"}

// TableName returns the logical table name for a topic of a cluster.
func TableName(clusterID, topic string) string {
	return clusterID + "." + topic
}

// quoteIdent quotes name as an SQLite identifier. Backticks are used so gorm
// treats the result as a table expression instead of splitting on dots.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func createTableSQL(table string) []string {
	q := quoteIdent(table)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT NOT NULL,
	payload TEXT,
	partition INTEGER NOT NULL,
	"offset" INTEGER NOT NULL,
	timestamp INTEGER,
	schema_id INTEGER,
	header TEXT,
	record_bytes INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (partition, "offset")
)`, q),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (key)", quoteIdent(table+"#key"), q),
	}
}
