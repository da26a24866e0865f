package disktier

import "encoding/binary"

// bbolt bucket names. Each bucket is an independent region inside the same
// database file; all three mutate together inside one write transaction.
var (
	bucketObjectData   = []byte("object_data")    // key → value envelope
	bucketRecencyIndex = []byte("recency_index")  // token(uint64 BE) → key ‖ size(uint64 BE)
	bucketRecencyByKey = []byte("recency_by_key") // key → token(uint64 BE)
	bucketDiskUsage    = []byte("disk_usage")     // "current" → uint64 BE
)

// usageKey is the single scalar key in the disk_usage bucket.
var usageKey = []byte("current")

// encodeToken encodes a recency token as a big-endian 8-byte slice so the
// recency_index bucket iterates oldest-first in lexicographic key order.
func encodeToken(token uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, token)
	return buf
}

// encodeUsage encodes the usage counter value.
func encodeUsage(usage int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(usage)) //nolint:gosec // usage is non-negative by invariant
	return buf
}

// decodeUsage decodes the usage counter value. Missing or short values
// decode to zero, matching the first-open bootstrap state.
func decodeUsage(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8])) //nolint:gosec // written by encodeUsage
}

// makeRecencyRecord builds a recency_index value: the entry key followed by
// its logical size as 8 big-endian bytes. Storing the size here avoids
// re-reading the object envelope during eviction planning.
func makeRecencyRecord(key []byte, size int64) []byte {
	record := make([]byte, len(key)+8)
	copy(record, key)
	binary.BigEndian.PutUint64(record[len(key):], uint64(size)) //nolint:gosec // size is bounds-checked against the budget
	return record
}

// parseRecencyRecord splits a recency_index value back into key and size.
// Records shorter than the size suffix parse as an empty key with size 0.
func parseRecencyRecord(record []byte) (key []byte, size int64) {
	if len(record) < 8 {
		return nil, 0
	}
	split := len(record) - 8
	return record[:split], int64(binary.BigEndian.Uint64(record[split:])) //nolint:gosec // written by makeRecencyRecord
}
