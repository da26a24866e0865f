package creedmoor

// Sizer reports the logical size in bytes of a value for budget accounting.
// Both tiers account usage against the logical (uncompressed) size, never
// the on-disk encoded size, so compression settings cannot skew budgets.
type Sizer func(value []byte) int64

// ByteLen is the default Sizer: the length of the value in bytes.
func ByteLen(value []byte) int64 {
	return int64(len(value))
}
