package sourcemap

import "fmt"

const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64Decode [256]int8

func init() {
	for i := range base64Decode {
		base64Decode[i] = -1
	}
	for i, c := range base64Chars {
		base64Decode[c] = int8(i)
	}
}

const (
	vlqBaseShift = 5
	vlqBase      = 1 << vlqBaseShift
	vlqBaseMask  = vlqBase - 1
	vlqContinue  = vlqBase
)

// decodeVLQSegment decodes a single comma-separated VLQ-base64 segment into
// its signed integer deltas (spec §4.B: 1, 4, or 5 values per segment).
func decodeVLQSegment(segment string) ([]int, error) {
	var values []int
	i := 0
	for i < len(segment) {
		result := 0
		shift := 0
		continuation := true
		consumedAny := false

		for continuation {
			if i >= len(segment) {
				return nil, fmt.Errorf("sourcemap: truncated VLQ segment %q", segment)
			}
			c := segment[i]
			i++
			digit := base64Decode[c]
			if digit < 0 {
				return nil, fmt.Errorf("sourcemap: invalid base64 char %q", c)
			}
			consumedAny = true
			continuation = digit&vlqContinue != 0
			digit &= vlqBaseMask
			result += int(digit) << uint(shift)
			shift += vlqBaseShift
		}
		if !consumedAny {
			break
		}

		negate := result&1 != 0
		result >>= 1
		if negate {
			result = -result
		}
		values = append(values, result)
	}
	return values, nil
}
