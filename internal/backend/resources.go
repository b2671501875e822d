package backend

import (
	"sort"
	"strconv"
)

// MiB converts a byte count to whole mebibytes, rounding up.
func MiB(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}
	return (bytes + (1<<20 - 1)) >> 20
}

// CPUString renders a CPU limit without trailing zeros.
func CPUString(cpus float64) string {
	return strconv.FormatFloat(cpus, 'f', -1, 64)
}

// WholeCPUs rounds a fractional CPU limit up for backends that only take counts.
func WholeCPUs(cpus float64) int {
	n := int(cpus)
	if float64(n) < cpus {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// SortedEnv returns env as KEY=VALUE pairs in key order.
func SortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
