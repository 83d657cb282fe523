package runner

import (
	"strings"
	"testing"
)

func envValue(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return strings.TrimPrefix(entry, prefix), true
		}
	}
	return "", false
}

func TestMergeEnvLayering(t *testing.T) {
	t.Setenv("FORGE_TEST_BASE", "ambient")

	env := MergeEnv(
		map[string]string{"FORGE_TEST_BASE": "request", "A": "1"},
		map[string]string{"A": "2", "B": "3"},
	)

	if got, _ := envValue(env, "FORGE_TEST_BASE"); got != "request" {
		t.Errorf("FORGE_TEST_BASE = %q, want request layer to win over ambient", got)
	}
	if got, _ := envValue(env, "A"); got != "2" {
		t.Errorf("A = %q, want later layer to win", got)
	}
	if got, _ := envValue(env, "B"); got != "3" {
		t.Errorf("B = %q", got)
	}
}

func TestMergeEnvSorted(t *testing.T) {
	env := MergeEnv(map[string]string{"ZZZ_FORGE": "1", "AAA_FORGE": "2"})
	for i := 1; i < len(env); i++ {
		if env[i-1] > env[i] {
			t.Fatalf("env not sorted: %q before %q", env[i-1], env[i])
		}
	}
}
