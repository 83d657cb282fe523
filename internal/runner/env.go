package runner

import (
	"os"
	"sort"
	"strings"
)

// MergeEnv layers environment maps over the host environment. Later layers
// override earlier ones on key collision. The result is sorted for
// deterministic command construction.
func MergeEnv(layers ...map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			merged[kv[:idx]] = kv[idx+1:]
		}
	}
	for _, layer := range layers {
		for key, value := range layer {
			if strings.TrimSpace(key) == "" {
				continue
			}
			merged[key] = value
		}
	}
	result := make([]string, 0, len(merged))
	for key, value := range merged {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result
}
