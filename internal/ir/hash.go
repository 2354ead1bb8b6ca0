package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainSnapshot = "factsync/snapshot/v1"
	DomainSchema   = "factsync/schema/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotDigest computes a content digest of a snapshot for the run journal.
// The digest depends on the table, record order and every field value.
func SnapshotDigest(table string, snap Snapshot) (string, error) {
	records := make([]any, len(snap))
	for i, r := range snap {
		records[i] = r
	}
	canonical, err := MarshalCanonical(map[string]any{
		"table":   table,
		"records": records,
	})
	if err != nil {
		return "", fmt.Errorf("snapshot digest: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// SchemaDigest computes a content digest of a table declaration.
// Two schemas with the same columns in the same order hash identically.
func SchemaDigest(schema TableSchema) (string, error) {
	cols := make([]any, len(schema.Columns))
	for i, c := range schema.Columns {
		col := map[string]any{
			"name":     c.Name,
			"type":     c.Type.String(),
			"not_null": c.NotNull,
			"pk":       c.PrimaryKey,
		}
		if c.Default != nil {
			col["default"] = c.Default
		}
		cols[i] = col
	}
	canonical, err := MarshalCanonical(map[string]any{
		"name":        schema.Name,
		"natural_key": schema.NaturalKey,
		"columns":     cols,
	})
	if err != nil {
		return "", fmt.Errorf("schema digest: %w", err)
	}
	return hashWithDomain(DomainSchema, canonical), nil
}
