package registry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testRegistry(t *testing.T, start, end int) *Registry {
	t.Helper()
	r, err := New(start, end)
	if err != nil {
		t.Fatal(err)
	}
	// Tests must not depend on host port availability.
	r.probePort = func(int) bool { return true }
	return r
}

func TestRegisterRejectsDuplicateProgram(t *testing.T) {
	r := testRegistry(t, 42000, 42010)
	if err := r.Register(&Instance{ProgramID: "prog-1", Port: 42000, Status: StatusActive}); err != nil {
		t.Fatal(err)
	}
	err := r.Register(&Instance{ProgramID: "prog-1", Port: 42001, Status: StatusActive})
	if !errors.Is(err, ErrDuplicateInstance) {
		t.Fatalf("err = %v, want ErrDuplicateInstance", err)
	}
}

func TestRegisterRejectsPortCollision(t *testing.T) {
	r := testRegistry(t, 42000, 42010)
	if err := r.Register(&Instance{ProgramID: "prog-1", Port: 42000}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Instance{ProgramID: "prog-2", Port: 42000}); err == nil {
		t.Fatal("expected port collision error")
	}
}

func TestAllocatePortDistinct(t *testing.T) {
	r := testRegistry(t, 42000, 42004)
	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := r.AllocatePort()
		if err != nil {
			t.Fatal(err)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
	if _, err := r.AllocatePort(); !errors.Is(err, ErrNoFreePorts) {
		t.Fatalf("err = %v, want ErrNoFreePorts", err)
	}
}

func TestAllocatePortSkipsActiveInstances(t *testing.T) {
	r := testRegistry(t, 42000, 42001)
	if err := r.Register(&Instance{ProgramID: "prog-1", Port: 42000}); err != nil {
		t.Fatal(err)
	}
	port, err := r.AllocatePort()
	if err != nil {
		t.Fatal(err)
	}
	if port != 42001 {
		t.Errorf("port = %d, want 42001", port)
	}
}

func TestReleasePortReturnsToPool(t *testing.T) {
	r := testRegistry(t, 42000, 42000)
	port, err := r.AllocatePort()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AllocatePort(); !errors.Is(err, ErrNoFreePorts) {
		t.Fatal("single port should be exhausted")
	}
	r.ReleasePort(port)
	if _, err := r.AllocatePort(); err != nil {
		t.Fatalf("released port not reusable: %v", err)
	}
}

func TestRegisterClearsReservation(t *testing.T) {
	r := testRegistry(t, 42000, 42001)
	port, err := r.AllocatePort()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Instance{ProgramID: "prog-1", Port: port}); err != nil {
		t.Fatal(err)
	}
	r.Remove("prog-1")
	// Once the instance is gone its port is allocatable again.
	again, err := r.AllocatePort()
	if err != nil {
		t.Fatal(err)
	}
	other, err := r.AllocatePort()
	if err != nil {
		t.Fatal(err)
	}
	if again == other {
		t.Errorf("duplicate allocation %d", again)
	}
}

func TestAcquireUnknownProgram(t *testing.T) {
	r := testRegistry(t, 42000, 42010)
	_, _, err := r.Acquire("ghost")
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("err = %v, want ErrInstanceNotFound", err)
	}
}

func TestAcquireSerializesLifecycle(t *testing.T) {
	r := testRegistry(t, 42000, 42010)
	if err := r.Register(&Instance{ProgramID: "prog-1", Port: 42000, Status: StatusActive}); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var inCritical int
	var maxInCritical int
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, release, err := r.Acquire("prog-1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			inst.Status = StatusStopped
			time.Sleep(2 * time.Millisecond)
			inst.Status = StatusActive

			mu.Lock()
			inCritical--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if maxInCritical != 1 {
		t.Errorf("max concurrent lifecycle holders = %d, want 1", maxInCritical)
	}
}

func TestRemoveUnknownIsNoOp(t *testing.T) {
	r := testRegistry(t, 42000, 42010)
	r.Remove("ghost") // must not panic or error
}

func TestSnapshots(t *testing.T) {
	r := testRegistry(t, 42000, 42010)
	if err := r.Register(&Instance{ProgramID: "prog-1", Port: 42000, Kind: "static-site", Status: StatusActive}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Instance{ProgramID: "prog-2", Port: 42001, Kind: "container", Status: StatusStopped}); err != nil {
		t.Fatal(err)
	}
	snapshot, ok := r.Get("prog-1")
	if !ok || snapshot.Port != 42000 || snapshot.Kind != "static-site" {
		t.Errorf("snapshot = %+v", snapshot)
	}
	if got := len(r.List()); got != 2 {
		t.Errorf("list length = %d, want 2", got)
	}
	if _, ok := r.Get("ghost"); ok {
		t.Error("unexpected snapshot for unknown program")
	}
	if snapshot.Replicas != 1 {
		t.Errorf("replicas defaulted to %d, want 1", snapshot.Replicas)
	}
}
