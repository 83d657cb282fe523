package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/registry"
)

// StaticStrategy serves static sites from a directory with an embedded HTTP
// file server per instance. Metrics are estimated: there is no per-site
// process to sample.
type StaticStrategy struct {
	mu     sync.Mutex
	sites  map[string]*staticSite
	logger *slog.Logger
}

type staticSite struct {
	dir      string
	indexDoc string
	server   *http.Server
	started  time.Time
	requests atomic.Int64
	ring     *logRing
	serving  atomic.Bool
}

// NewStaticStrategy creates the file-server strategy.
func NewStaticStrategy(logger *slog.Logger) *StaticStrategy {
	if logger != nil {
		logger = logger.With("component", "deploy.static")
	}
	return &StaticStrategy{sites: make(map[string]*staticSite), logger: logger}
}

func (s *StaticStrategy) Kind() Kind { return KindStatic }

func (s *StaticStrategy) Validate(req Request) domain.ValidationResult {
	result := domain.ValidationResult{Valid: true}
	info, err := os.Stat(req.Dir)
	if err != nil || !info.IsDir() {
		result.Valid = false
		result.Errors = append(result.Errors, "site directory does not exist")
		return result
	}
	index := req.IndexDoc
	if index == "" {
		index = "index.html"
	}
	if _, err := os.Stat(filepath.Join(req.Dir, index)); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("no %s in site root", index))
	}
	return result
}

func (s *StaticStrategy) site(programID string) (*staticSite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[programID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrInstanceNotFound, programID)
	}
	return site, nil
}

func (s *StaticStrategy) Deploy(_ context.Context, req Request, inst *registry.Instance) (domain.DeploymentResult, error) {
	site := &staticSite{
		dir:      req.Dir,
		indexDoc: req.IndexDoc,
		ring:     newLogRing(0),
	}
	if err := s.serve(site, inst.Port); err != nil {
		return domain.DeploymentResult{}, err
	}
	s.mu.Lock()
	s.sites[inst.ProgramID] = site
	s.mu.Unlock()

	inst.StartedAt = site.started
	return domain.DeploymentResult{
		Success:      true,
		URL:          fmt.Sprintf("http://localhost:%d", inst.Port),
		DeploymentID: inst.DeploymentID,
		Timestamp:    time.Now().UTC(),
	}, nil
}

// serve binds the listener and starts the file server in the background.
func (s *StaticStrategy) serve(site *staticSite, port int) error {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("bind site port %d: %w", port, err)
	}
	handler := http.FileServer(http.Dir(site.dir))
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			site.requests.Add(1)
			site.ring.Append(fmt.Sprintf("%s %s %s", r.RemoteAddr, r.Method, r.URL.Path))
			handler.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	site.server = server
	site.started = time.Now().UTC()
	site.serving.Store(true)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			site.serving.Store(false)
			if s.logger != nil {
				s.logger.Warn("static site server stopped", "error", err)
			}
		}
	}()
	return nil
}

func (s *StaticStrategy) Start(_ context.Context, inst *registry.Instance) error {
	site, err := s.site(inst.ProgramID)
	if err != nil {
		return err
	}
	if site.serving.Load() {
		return nil
	}
	return s.serve(site, inst.Port)
}

func (s *StaticStrategy) Stop(ctx context.Context, inst *registry.Instance) error {
	site, err := s.site(inst.ProgramID)
	if err != nil {
		return err
	}
	if !site.serving.Load() || site.server == nil {
		return nil
	}
	site.serving.Store(false)
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := site.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown site server: %w", err)
	}
	return nil
}

func (s *StaticStrategy) Health(_ context.Context, inst *registry.Instance) Health {
	health := Health{CheckedAt: time.Now().UTC()}
	site, err := s.site(inst.ProgramID)
	if err != nil {
		health.Status = "unknown"
		health.Detail = err.Error()
		return health
	}
	if !site.serving.Load() {
		health.Status = "down"
		health.Detail = "file server not running"
		return health
	}
	health.Healthy = true
	health.Status = "healthy"
	return health
}

func (s *StaticStrategy) Logs(_ context.Context, inst *registry.Instance, lines int) ([]string, error) {
	site, err := s.site(inst.ProgramID)
	if err != nil {
		return nil, err
	}
	return site.ring.Tail(lines), nil
}

func (s *StaticStrategy) Metrics(_ context.Context, inst *registry.Instance) (Metrics, error) {
	site, err := s.site(inst.ProgramID)
	if err != nil {
		return Metrics{}, err
	}
	metrics := Metrics{
		Replicas:  1,
		Estimated: true,
		SampledAt: time.Now().UTC(),
	}
	if site.serving.Load() {
		metrics.Uptime = time.Since(site.started)
	}
	metrics.Requests = site.requests.Load()
	// Content size stands in for memory: the server's cost is dominated by
	// what it serves.
	metrics.MemoryBytes = treeSize(site.dir)
	return metrics, nil
}

func (s *StaticStrategy) Undeploy(ctx context.Context, inst *registry.Instance) error {
	if err := s.Stop(ctx, inst); err != nil && !errors.Is(err, registry.ErrInstanceNotFound) {
		return err
	}
	s.mu.Lock()
	delete(s.sites, inst.ProgramID)
	s.mu.Unlock()
	return nil
}

func treeSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if info, infoErr := entry.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

var _ Strategy = (*StaticStrategy)(nil)
