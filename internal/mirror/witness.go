package mirror

import (
	"strconv"

	"github.com/cespare/xxhash"
)

// WitnessRef returns the opaque reference a prefix document stores for one
// of its live children. It is a lookup hint, never an ownership link.
func WitnessRef(childPath string) string {
	return strconv.FormatUint(xxhash.Sum64([]byte(childPath)), 16)
}
