package checksum

import (
	"github.com/cespare/xxhash/v2"
)

// KeyHash fingerprints a tuple of fields. A separator byte outside the
// printable range keeps ("ab","c") and ("a","bc") apart.
func KeyHash(fields []string) uint64 {
	digest := xxhash.New()
	for _, f := range fields {
		digest.WriteString(f)
		digest.Write([]byte{0x1f})
	}
	return digest.Sum64()
}
