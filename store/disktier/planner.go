package disktier

import "errors"

// ErrEvictionShortfall is returned when the recency index is exhausted before
// the required bytes are covered. Under the budget invariants this cannot
// happen for an admissible value; it signals a logic bug or a corrupted
// usage counter rather than a caller error.
var ErrEvictionShortfall = errors.New("eviction could not free enough bytes")

// victim identifies one entry selected for eviction.
type victim struct {
	token []byte
	key   []byte
	size  int64
}

// recencyCursor is the transactional view the planner walks: an ordered
// iterator over recency records, oldest token first. *bbolt.Cursor satisfies
// it directly.
type recencyCursor interface {
	First() (key, value []byte)
	Next() (key, value []byte)
}

// planEviction selects eviction victims in strict recency order until at
// least required bytes are covered. It only reads; the caller removes the
// victims inside the same transaction so an abort rolls the whole put back.
//
// Returns ErrEvictionShortfall if the index is exhausted with fewer than
// required bytes covered.
func planEviction(c recencyCursor, required int64) ([]victim, int64, error) {
	var victims []victim
	var freed int64

	for k, v := c.First(); freed < required; k, v = c.Next() {
		if k == nil {
			return victims, freed, ErrEvictionShortfall
		}

		key, size := parseRecencyRecord(v)

		// Copy before the cursor moves on: bbolt reuses the backing memory.
		token := make([]byte, len(k))
		copy(token, k)
		keyCopy := make([]byte, len(key))
		copy(keyCopy, key)

		victims = append(victims, victim{token: token, key: keyCopy, size: size})
		freed += size
	}

	return victims, freed, nil
}
