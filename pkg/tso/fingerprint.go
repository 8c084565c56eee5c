package tso

import "hash/fnv"

// FingerprintCell folds a (table, row, family, qualifier) tuple into the
// 64-bit cell identity the commit hash map keys on (spec §3). Fields are FNV-1a hashed in sequence, each followed by a
// 0x00 separator, so e.g. ("t", "ab", "c", "") and ("t", "a", "bc", "")
// do not collide on naive concatenation.
func FingerprintCell(table, row, family, qualifier string) uint64 {
	h := fnv.New64a()
	for _, s := range [...]string{table, row, family, qualifier} {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0x00})
	}
	return h.Sum64()
}
