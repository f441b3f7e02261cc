package storage

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// jsonVersion is stamped into every JSON-encoded column as _ver so the
// on-disk format can be migrated later. It is stripped on read.
const jsonVersion = 1

const keySep = "/"

// Column names shared by the group row.
const (
	colGroupConfig   = "group_config"
	colLaunchConfig  = "launch_config"
	colActive        = "active"
	colPending       = "pending"
	colGroupTouched  = "groupTouched"
	colPolicyTouched = "policyTouched"
	colPaused        = "paused"
	colCreatedAt     = "created_at"
	colData          = "data"
	colCapability    = "capability"
	colTenantID      = "tenantId"
	colGroupID       = "groupId"
	colPolicyID      = "policyId"
	colCron          = "cron"
)

// row models one wide-column row: column name to serialized column value.
// Writes merge columns into any existing row, reproducing the upsert
// behavior (and the phantom-row hazard) of the backing store model.
type row map[string]string

func decodeRow(data []byte) (row, error) {
	var r row
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return r, nil
}

func (r row) encode() ([]byte, error) {
	return json.Marshal(r)
}

// serializeJSONData renders v as a JSON column value with the _ver field
// added.
func serializeJSONData(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	m["_ver"] = jsonVersion
	out, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// jsonLoadsData decodes a JSON column into out, stripping the _ver field
// first. Stripping matters for map-typed columns, where a stray _ver key
// would otherwise be decoded as an entry.
func jsonLoadsData(data string, out interface{}) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return err
	}
	delete(m, "_ver")
	stripped, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(stripped, out)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func groupKey(tenantID, groupID string) []byte {
	return []byte(tenantID + keySep + groupID)
}

func policyKey(tenantID, groupID, policyID string) []byte {
	return []byte(tenantID + keySep + groupID + keySep + policyID)
}

func webhookRowKey(tenantID, groupID, policyID, webhookID string) []byte {
	return []byte(tenantID + keySep + groupID + keySep + policyID + keySep + webhookID)
}

// eventKey orders schedule rows by trigger, then policy id. UnixNano is
// zero-padded so byte order matches chronological order.
func eventKey(trigger time.Time, policyID string) []byte {
	return []byte(fmt.Sprintf("%020d%s%s", trigger.UnixNano(), keySep, policyID))
}

func lastKeyPart(key []byte) string {
	parts := strings.Split(string(key), keySep)
	return parts[len(parts)-1]
}

func generateKey() string {
	return uuid.New().String()
}

// generateCapability returns a fresh capability version and hash. The hash
// is 256 bits of randomness rendered as hex, usable directly in a URL.
func generateCapability() (version, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate capability hash: %w", err)
	}
	return "1", hex.EncodeToString(buf), nil
}

// verifiedViewTx reads a row and proves it is real. A missing row fails
// with notFound. A row without created_at is a resurrection - the residue
// of a write racing a delete - and is purged before failing with notFound.
func verifiedViewTx(b *bolt.Bucket, key []byte, notFound error) (row, error) {
	data := b.Get(key)
	if data == nil {
		return nil, notFound
	}
	r, err := decodeRow(data)
	if err != nil {
		return nil, err
	}
	if r[colCreatedAt] == "" {
		if err := b.Delete(key); err != nil {
			return nil, fmt.Errorf("failed to purge resurrected row: %w", err)
		}
		return nil, notFound
	}
	return r, nil
}

// mergeColumns upserts the given columns into the row at key, creating the
// row if absent. This is the write primitive every update path uses, which
// is why every update path must read first.
func mergeColumns(b *bolt.Bucket, key []byte, cols row) error {
	existing := row{}
	if data := b.Get(key); data != nil {
		r, err := decodeRow(data)
		if err != nil {
			return err
		}
		existing = r
	}
	for k, v := range cols {
		existing[k] = v
	}
	data, err := existing.encode()
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
