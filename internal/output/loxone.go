package output

import (
	"sort"
	"strconv"
	"strings"
)

// FormatLoxone renders a bundle as the line protocol Loxone miniservers
// consume: one `key:value` line per signal, sorted by key. Values are the
// requested power in kW; signals without a usable value render 0.0.
func FormatLoxone(b *Bundle) string {
	keys := make([]string, 0, len(b.Signals))
	for k := range b.Signals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		item := b.Signals[k]
		v := 0.0
		if item.RequestedPowerKw != nil && (item.Status == StatusOK || item.Status == StatusGuarded) {
			v = *item.RequestedPowerKw
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(formatLoxoneNumber(v))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// formatLoxoneNumber renders with up to three decimals, trailing zeros
// stripped, but always keeping one digit after the point so the value
// matches \d+\.\d+ (Loxone's parser needs the decimal point).
func formatLoxoneNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}
