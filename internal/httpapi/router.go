package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridworks/forge/internal/deploy"
	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/engine"
	"github.com/gridworks/forge/internal/registry"
	"github.com/gridworks/forge/internal/store"
)

// Pinger reports backend connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router exposes the engine and deployment manager over HTTP.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	engine      *engine.Engine
	deployments *deploy.Manager
	backend     Pinger

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

const healthCheckTimeout = 2 * time.Second

// New creates the router and registers all handlers. The backend pinger may
// be nil when the engine runs without Docker.
func New(logger *slog.Logger, eng *engine.Engine, deployments *deploy.Manager, backend Pinger) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		engine:      eng,
		deployments: deployments,
		backend:     backend,
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/execute", r.instrument("/execute", r.handleExecute))
	r.mux.HandleFunc("/executions", r.instrument("/executions", r.handleExecutions))
	r.mux.HandleFunc("/executions/", r.instrument("/executions/:id", r.handleExecution))
	r.mux.HandleFunc("/validate", r.instrument("/validate", r.handleValidate))
	r.mux.HandleFunc("/analyze", r.instrument("/analyze", r.handleAnalyze))
	r.mux.HandleFunc("/languages", r.instrument("/languages", r.handleLanguages))
	r.mux.HandleFunc("/deployments", r.instrument("/deployments", r.handleDeployments))
	r.mux.HandleFunc("/deployments/", r.instrument("/deployments/:program", r.handleDeployment))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if r.backend != nil {
		if err := r.backend.Ping(ctx); err != nil {
			status = "degraded"
			component = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		}
	} else {
		component = map[string]any{"status": "disabled"}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"docker": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) handleExecute(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload domain.ExecutionRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	record, err := r.engine.Execute(req.Context(), payload)
	if err != nil {
		r.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.writeJSON(w, http.StatusOK, record)
}

func (r *Router) handleExecutions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	programID := req.URL.Query().Get("program_id")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	records, err := r.engine.Executions(req.Context(), programID, limit)
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleExecution(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/executions/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" {
		r.writeError(w, http.StatusBadRequest, "execution id required")
		return
	}
	executionID := parts[0]
	switch {
	case len(parts) == 1 && req.Method == http.MethodGet:
		record, err := r.engine.Execution(req.Context(), executionID)
		if errors.Is(err, store.ErrRecordNotFound) {
			r.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		if err != nil {
			r.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		r.writeJSON(w, http.StatusOK, record)
	case len(parts) == 2 && parts[1] == "cancel" && req.Method == http.MethodPost:
		if err := r.engine.Cancel(executionID); err != nil {
			if errors.Is(err, engine.ErrExecutionNotFound) {
				r.writeError(w, http.StatusNotFound, err.Error())
				return
			}
			r.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	default:
		r.writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) handleValidate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload domain.ExecutionRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.engine.Validate(req.Context(), payload)
	if err != nil {
		r.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload domain.ExecutionRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	analysis, err := r.engine.AnalyzeStructure(req.Context(), payload)
	if err != nil {
		r.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.writeJSON(w, http.StatusOK, analysis)
}

func (r *Router) handleLanguages(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]any{
		"languages": r.engine.SupportedLanguages(),
	})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.writeJSON(w, http.StatusOK, r.deployments.List())
	case http.MethodPost:
		var payload deploy.Request
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			r.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		// dry_run runs the strategy's static checks without deploying.
		if req.URL.Query().Get("dry_run") == "true" {
			validation, err := r.deployments.Validate(payload)
			if err != nil {
				r.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			r.writeJSON(w, http.StatusOK, validation)
			return
		}
		result, err := r.deployments.Deploy(req.Context(), payload)
		if err != nil {
			if errors.Is(err, registry.ErrDuplicateInstance) {
				r.writeError(w, http.StatusConflict, err.Error())
				return
			}
			if errors.Is(err, deploy.ErrUnknownKind) || errors.Is(err, registry.ErrNoFreePorts) {
				r.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			r.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		code := http.StatusCreated
		if !result.Success {
			code = http.StatusUnprocessableEntity
		}
		r.writeJSON(w, code, result)
	default:
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" {
		r.writeError(w, http.StatusBadRequest, "program id required")
		return
	}
	programID := parts[0]

	if len(parts) == 1 {
		switch req.Method {
		case http.MethodGet:
			snapshot, ok := r.deployments.Get(programID)
			if !ok {
				r.writeError(w, http.StatusNotFound, "no deployment for program")
				return
			}
			r.writeJSON(w, http.StatusOK, snapshot)
		case http.MethodDelete:
			if err := r.deployments.Undeploy(req.Context(), programID); err != nil {
				r.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			r.writeJSON(w, http.StatusOK, map[string]string{"status": "undeployed"})
		default:
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if len(parts) != 2 {
		r.writeError(w, http.StatusNotFound, "not found")
		return
	}
	r.handleDeploymentAction(w, req, programID, parts[1])
}

func (r *Router) handleDeploymentAction(w http.ResponseWriter, req *http.Request, programID, action string) {
	ctx := req.Context()
	switch action {
	case "start", "stop", "restart":
		if req.Method != http.MethodPost {
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var err error
		switch action {
		case "start":
			err = r.deployments.Start(ctx, programID)
		case "stop":
			err = r.deployments.Stop(ctx, programID)
		case "restart":
			err = r.deployments.Restart(ctx, programID)
		}
		if err != nil {
			r.writeDeployError(w, err)
			return
		}
		r.writeJSON(w, http.StatusOK, map[string]string{"status": action + "ed"})
	case "scale":
		if req.Method != http.MethodPost {
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var payload struct {
			Replicas int `json:"replicas"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			r.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.deployments.Scale(ctx, programID, payload.Replicas); err != nil {
			r.writeDeployError(w, err)
			return
		}
		r.writeJSON(w, http.StatusOK, map[string]any{"status": "scaled", "replicas": payload.Replicas})
	case "limits":
		if req.Method != http.MethodPut {
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var limits domain.ResourceLimits
		if err := json.NewDecoder(req.Body).Decode(&limits); err != nil {
			r.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.deployments.UpdateLimits(ctx, programID, limits); err != nil {
			r.writeDeployError(w, err)
			return
		}
		r.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case "health":
		if req.Method != http.MethodGet {
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		health, err := r.deployments.Health(ctx, programID)
		if err != nil {
			r.writeDeployError(w, err)
			return
		}
		r.writeJSON(w, http.StatusOK, health)
	case "logs":
		if req.Method != http.MethodGet {
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		lines, _ := strconv.Atoi(req.URL.Query().Get("lines"))
		logs, err := r.deployments.Logs(ctx, programID, lines)
		if err != nil {
			r.writeDeployError(w, err)
			return
		}
		r.writeJSON(w, http.StatusOK, map[string]any{"lines": logs})
	case "metrics":
		if req.Method != http.MethodGet {
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		metrics, err := r.deployments.Metrics(ctx, programID)
		if err != nil {
			r.writeDeployError(w, err)
			return
		}
		r.writeJSON(w, http.StatusOK, metrics)
	default:
		r.writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) writeDeployError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrInstanceNotFound) {
		r.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	r.writeError(w, http.StatusInternalServerError, err.Error())
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
