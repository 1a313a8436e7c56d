// Package convert narrows integers without silent overflow.
package convert

import (
	"fmt"
	"math"
)

// IntToInt32 converts v, returning an error when it does not fit.
func IntToInt32(v int) (int32, error) {
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to int32", v)
	}
	return int32(v), nil
}
