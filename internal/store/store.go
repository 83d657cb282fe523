package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gridworks/forge/internal/domain"
)

// ErrRecordNotFound is returned when no record exists for an execution id.
var ErrRecordNotFound = errors.New("store: execution record not found")

// Phase tracks where an execution currently is in its pipeline.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseAnalyzing Phase = "analyzing"
	PhaseBuilding  Phase = "building"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Record is the persisted view of one execution: the request identity, its
// current phase, and the stage results as they become available.
type Record struct {
	ExecutionID string                  `json:"execution_id"`
	ProgramID   string                  `json:"program_id"`
	VersionID   string                  `json:"version_id,omitempty"`
	UserID      string                  `json:"user_id,omitempty"`
	Language    domain.Language         `json:"language,omitempty"`
	Phase       Phase                   `json:"phase"`
	StartedAt   time.Time               `json:"started_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	Analysis    *domain.Analysis        `json:"analysis,omitempty"`
	Build       *domain.BuildResult     `json:"build,omitempty"`
	Result      *domain.ExecutionResult `json:"result,omitempty"`
}

// Store persists execution records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, executionID string) (Record, error)
	List(ctx context.Context, programID string, limit int) ([]Record, error)
	Delete(ctx context.Context, executionID string) error
}

const memoryStoreCapacity = 1000

// MemoryStore keeps a bounded set of records in process memory. The oldest
// record is evicted when the cap is reached.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	cap     int
}

// NewMemoryStore creates an in-memory store with the default capacity.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		cap:     memoryStoreCapacity,
	}
}

func (s *MemoryStore) Save(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	if _, exists := s.records[record.ExecutionID]; !exists && len(s.records) >= s.cap {
		s.evictOldestLocked()
	}
	s.records[record.ExecutionID] = record
	return nil
}

func (s *MemoryStore) evictOldestLocked() {
	oldestID := ""
	var oldest time.Time
	for id, record := range s.records {
		if oldestID == "" || record.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = record.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.records, oldestID)
	}
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[executionID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return record, nil
}

func (s *MemoryStore) List(_ context.Context, programID string, limit int) ([]Record, error) {
	s.mu.Lock()
	records := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		if programID != "" && record.ProgramID != programID {
			continue
		}
		records = append(records, record)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	delete(s.records, executionID)
	s.mu.Unlock()
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
)
