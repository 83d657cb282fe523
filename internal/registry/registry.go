package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gridworks/forge/internal/domain"
)

// Status tracks an instance's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

var (
	// ErrDuplicateInstance is returned when a deployment already exists for
	// the program identifier. Registration never silently overwrites.
	ErrDuplicateInstance = errors.New("instance already registered for program")
	// ErrInstanceNotFound is returned for lookups of unknown programs.
	ErrInstanceNotFound = errors.New("no instance registered for program")
	// ErrNoFreePorts is returned when the configured range is exhausted.
	ErrNoFreePorts = errors.New("no free port in configured range")
)

// Instance is a registered deployment of one program. Mutations happen only
// under the registry's per-instance lock via Acquire.
type Instance struct {
	ProgramID    string               `json:"program_id"`
	DeploymentID string               `json:"deployment_id"`
	Kind         string               `json:"kind"`
	Port         int                  `json:"port"`
	Status       Status               `json:"status"`
	ImageID      string               `json:"image_id,omitempty"`
	Replicas     int                  `json:"replicas"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    time.Time            `json:"started_at,omitempty"`
	Usage        domain.ResourceUsage `json:"usage"`

	mu sync.Mutex
}

// Registry is the process-wide table of active deployment instances and the
// port allocator over the configured range. It is constructed once and
// passed by reference to strategies.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	reserved  map[int]struct{}
	portStart int
	portEnd   int
	cursor    int
	probePort func(port int) bool
}

// New creates a registry allocating ports from [start, end].
func New(portStart, portEnd int) (*Registry, error) {
	if portStart <= 0 || portEnd < portStart {
		return nil, fmt.Errorf("invalid port range %d-%d", portStart, portEnd)
	}
	return &Registry{
		instances: make(map[string]*Instance),
		reserved:  make(map[int]struct{}),
		portStart: portStart,
		portEnd:   portEnd,
		cursor:    portStart,
		probePort: probeListen,
	}, nil
}

// probeListen confirms the host will actually hand us the port.
func probeListen(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// AllocatePort reserves a port that no active instance holds. The caller
// must either register an instance on it or release it.
func (r *Registry) AllocatePort() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	span := r.portEnd - r.portStart + 1
	for i := 0; i < span; i++ {
		candidate := r.cursor
		r.cursor++
		if r.cursor > r.portEnd {
			r.cursor = r.portStart
		}
		if _, taken := r.reserved[candidate]; taken {
			continue
		}
		if r.portHeldLocked(candidate) {
			continue
		}
		if r.probePort != nil && !r.probePort(candidate) {
			continue
		}
		r.reserved[candidate] = struct{}{}
		return candidate, nil
	}
	return 0, ErrNoFreePorts
}

func (r *Registry) portHeldLocked(port int) bool {
	for _, inst := range r.instances {
		if inst.Port == port {
			return true
		}
	}
	return false
}

// ReleasePort returns an allocated but unused port to the pool.
func (r *Registry) ReleasePort(port int) {
	r.mu.Lock()
	delete(r.reserved, port)
	r.mu.Unlock()
}

// Register adds an instance. It fails when the program already has one or
// when the port is held by another active instance.
func (r *Registry) Register(inst *Instance) error {
	release, err := r.RegisterAcquired(inst)
	if err != nil {
		return err
	}
	release()
	return nil
}

// RegisterAcquired registers the instance with its lifecycle lock already
// held, so the caller can finish provisioning the backend before any
// lifecycle operation can acquire the instance. The caller must invoke the
// release func when provisioning completes or is rolled back.
func (r *Registry) RegisterAcquired(inst *Instance) (func(), error) {
	if inst == nil || inst.ProgramID == "" {
		return nil, fmt.Errorf("instance requires a program id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[inst.ProgramID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInstance, inst.ProgramID)
	}
	for program, existing := range r.instances {
		if existing.Port == inst.Port {
			return nil, fmt.Errorf("port %d already held by program %s", inst.Port, program)
		}
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	if inst.Replicas <= 0 {
		inst.Replicas = 1
	}
	// The instance is not yet visible, so this lock is uncontended.
	inst.mu.Lock()
	delete(r.reserved, inst.Port)
	r.instances[inst.ProgramID] = inst
	return inst.mu.Unlock, nil
}

// Acquire returns the instance for a program with its lifecycle lock held.
// The caller must invoke the release func when done. Lifecycle operations
// against the same program serialize here.
func (r *Registry) Acquire(programID string) (*Instance, func(), error) {
	for {
		r.mu.Lock()
		inst, ok := r.instances[programID]
		r.mu.Unlock()
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, programID)
		}
		inst.mu.Lock()
		r.mu.Lock()
		current, ok := r.instances[programID]
		r.mu.Unlock()
		if ok && current == inst {
			return inst, inst.mu.Unlock, nil
		}
		// The instance was removed or replaced while we waited for its
		// lock; retry against the current table state.
		inst.mu.Unlock()
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, programID)
		}
	}
}

// Remove deletes the instance after a successful undeploy. Removing an
// unknown program is not an error.
func (r *Registry) Remove(programID string) {
	r.mu.Lock()
	delete(r.instances, programID)
	r.mu.Unlock()
}

// Snapshot is a read-only copy of instance state.
type Snapshot struct {
	ProgramID    string               `json:"program_id"`
	DeploymentID string               `json:"deployment_id"`
	Kind         string               `json:"kind"`
	Port         int                  `json:"port"`
	Status       Status               `json:"status"`
	ImageID      string               `json:"image_id,omitempty"`
	Replicas     int                  `json:"replicas"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    time.Time            `json:"started_at,omitempty"`
	Usage        domain.ResourceUsage `json:"usage"`
}

// Get returns a snapshot of one instance.
func (r *Registry) Get(programID string) (Snapshot, bool) {
	r.mu.Lock()
	inst, ok := r.instances[programID]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return snapshotOf(inst), true
}

// List returns snapshots of all instances.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(instances))
	for _, inst := range instances {
		inst.mu.Lock()
		snapshots = append(snapshots, snapshotOf(inst))
		inst.mu.Unlock()
	}
	return snapshots
}

func snapshotOf(inst *Instance) Snapshot {
	return Snapshot{
		ProgramID:    inst.ProgramID,
		DeploymentID: inst.DeploymentID,
		Kind:         inst.Kind,
		Port:         inst.Port,
		Status:       inst.Status,
		ImageID:      inst.ImageID,
		Replicas:     inst.Replicas,
		CreatedAt:    inst.CreatedAt,
		StartedAt:    inst.StartedAt,
		Usage:        inst.Usage,
	}
}
