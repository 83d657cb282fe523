package build

import (
	"fmt"
	"testing"
)

func TestAggregatorCollapsesRepeats(t *testing.T) {
	var emitted []string
	a := newLogAggregator(func(line string) { emitted = append(emitted, line) })

	a.Add("step one")
	for i := 0; i < 5; i++ {
		a.Add("downloading")
	}
	a.Add("step two")
	a.Flush()

	want := []string{"step one", "downloading", "downloading (repeated 4 more times)", "step two"}
	if len(emitted) != len(want) {
		t.Fatalf("emitted = %v, want %v", emitted, want)
	}
	for i := range want {
		if emitted[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, emitted[i], want[i])
		}
	}
}

func TestAggregatorIgnoresBlankLines(t *testing.T) {
	var emitted []string
	a := newLogAggregator(func(line string) { emitted = append(emitted, line) })
	a.Add("")
	a.Add("   ")
	a.Add("real")
	a.Flush()
	if len(emitted) != 1 || emitted[0] != "real" {
		t.Errorf("emitted = %v, want [real]", emitted)
	}
}

func TestAggregatorSnapshotTail(t *testing.T) {
	a := newLogAggregator(nil)
	for i := 0; i < 150; i++ {
		a.Add(fmt.Sprintf("line %d", i))
	}
	tail := a.Snapshot(10)
	if len(tail) != 10 {
		t.Fatalf("tail length = %d, want 10", len(tail))
	}
	if tail[len(tail)-1] != "line 149" {
		t.Errorf("last tail line = %q, want line 149", tail[len(tail)-1])
	}
}

func TestAggregatorSnapshotBounded(t *testing.T) {
	a := newLogAggregator(nil)
	for i := 0; i < 300; i++ {
		a.Add(fmt.Sprintf("line %d", i))
	}
	all := a.Snapshot(0)
	if len(all) != tailBufferSize {
		t.Errorf("buffer length = %d, want %d", len(all), tailBufferSize)
	}
}
