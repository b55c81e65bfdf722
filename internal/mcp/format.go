package mcp

import (
	"fmt"
	"strings"

	"github.com/gateway-fm/popfuzz/pkg/types"
)

// formatNumber adds comma separators to integers.
func formatNumber(n any) string {
	var s string
	switch v := n.(type) {
	case float64:
		if v == float64(int64(v)) {
			s = fmt.Sprintf("%d", int64(v))
		} else {
			return fmt.Sprintf("%.1f", v)
		}
	case int64:
		s = fmt.Sprintf("%d", v)
	case uint64:
		s = fmt.Sprintf("%d", v)
	case int:
		s = fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", n)
	}

	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	start := len(s) % 3
	if start > 0 {
		result.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatMs formats milliseconds with a "ms" suffix.
func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

// formatCounts renders per-operation counters in the stable operation order.
func formatCounts(counts map[types.Operation]uint64) string {
	var parts []string
	for _, op := range types.AllOperations {
		if n := counts[op]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%s", op, formatNumber(n)))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// formatQueues renders the mempool queue depths.
func formatQueues(q types.QueueDepths) string {
	return fmt.Sprintf("base-tx=%d relay-proof=%d target-data=%d relay-pool=%d",
		q.BaseTxPending, q.RelayProofPending, q.TargetDataPending, q.RelayTxPool)
}

// formatLatency renders dispatch latency percentiles.
func formatLatency(l *types.LatencyStats) []string {
	if l == nil || l.Count == 0 {
		return nil
	}
	return []string{
		"",
		section("Dispatch Latency"),
		kv("Samples", formatNumber(l.Count)),
		kv("p50 / p90 / p99", fmt.Sprintf("%s / %s / %s", formatMs(l.P50), formatMs(l.P90), formatMs(l.P99))),
		kv("Min / Max", fmt.Sprintf("%s / %s", formatMs(l.Min), formatMs(l.Max))),
	}
}

// formatElapsed renders a millisecond duration in seconds.
func formatElapsed(ms int64) string {
	return fmt.Sprintf("%.2fs", float64(ms)/1000)
}
