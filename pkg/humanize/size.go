package humanize

import "fmt"

// Size scales a byte count to the largest unit below the next 1024 step.
// Negative counts (unknown lengths) are passed through as bytes.
func Size(i int64) (float64, string) {
	switch {
	case i < 1024:
		return float64(i), "B"
	case i < 1024*1024:
		return float64(i) / 1024, "KB"
	case i < 1024*1024*1024:
		return float64(i) / (1024 * 1024), "MB"
	default:
		return float64(i) / (1024 * 1024 * 1024), "GB"
	}
}

// Format renders a byte count, such as "42.5 MB".
func Format(i int64) string {
	if i < 0 {
		return "unknown size"
	}

	v, unit := Size(i)

	if unit == "B" {
		return fmt.Sprintf("%d B", i)
	}

	return fmt.Sprintf("%.1f %s", v, unit)
}
