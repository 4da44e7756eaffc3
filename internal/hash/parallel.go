package hash

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ParallelHashWidth is the number of binary digits of the coarse hash.
const ParallelHashWidth = 8

// ParallelHash returns the low byte of the id's hash as 8 binary digits.
func ParallelHash(id string) string {
	return fmt.Sprintf("%08b", xxhash.Sum64String(id)&0xFF)
}

// ShardPrefix returns the coarse-hash prefix owned by shard index of count.
// count must be a power of two.
func ShardPrefix(index, count int) string {
	width := bits.TrailingZeros(uint(count))
	if width == 0 {
		return ""
	}
	s := strconv.FormatInt(int64(index), 2)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}
