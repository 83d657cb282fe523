package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gridworks/forge/internal/domain"
	"github.com/gridworks/forge/internal/sandbox"
)

const nodePriority = 40

// NodeRunner builds and executes Node.js projects with npm and node.
type NodeRunner struct {
	base
}

// NewNodeRunner creates the Node.js language runner.
func NewNodeRunner(sb *sandbox.Runner, logger *slog.Logger) *NodeRunner {
	return &NodeRunner{base: newBase(sb, logger, "runner.node")}
}

func (r *NodeRunner) Language() domain.Language { return domain.LanguageNode }
func (r *NodeRunner) Priority() int             { return nodePriority }

type nodeManifest struct {
	Main            string            `json:"main"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func loadNodeManifest(dir string) (*nodeManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest nodeManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}

func (r *NodeRunner) CanHandle(dir string, analysis *domain.Analysis) bool {
	if _, ok := loadNodeManifest(dir); ok {
		return true
	}
	return analysis != nil && analysis.Language == domain.LanguageNode
}

func (r *NodeRunner) Refine(dir string, analysis *domain.Analysis) {
	if analysis == nil {
		return
	}
	if manifest, ok := loadNodeManifest(dir); ok && manifest.Main != "" {
		if fileExists(filepath.Join(dir, manifest.Main)) {
			analysis.EntryPoints = prepend(analysis.EntryPoints, manifest.Main)
			return
		}
	}
	if entry := firstEntryPoint(dir, analysis, ".js", "index.js", "server.js", "app.js", "main.js"); entry != "" {
		analysis.EntryPoints = prepend(analysis.EntryPoints, entry)
	}
}

// Build restores npm dependencies. npm ci is preferred when a lockfile is
// present, matching what the generated runtime images do.
func (r *NodeRunner) Build(ctx context.Context, execCtx *domain.ExecutionContext, args domain.BuildArgs) domain.BuildResult {
	dir := workDir(execCtx)
	if args.SkipDependencyRestore || !fileExists(filepath.Join(dir, "package.json")) {
		return noBuildNeeded()
	}
	argv := []string{"npm", "install", "--no-audit", "--no-fund"}
	if fileExists(filepath.Join(dir, "package-lock.json")) || fileExists(filepath.Join(dir, "npm-shrinkwrap.json")) {
		argv = []string{"npm", "ci", "--no-audit", "--no-fund"}
	}
	env := map[string]string{"NODE_ENV": "production"}
	if execCtx.CacheVolume != "" {
		env["NPM_CONFIG_CACHE"] = execCtx.CacheVolume
	}
	for key, value := range args.Env {
		env[key] = value
	}
	return r.runBuildStep(ctx, execCtx, argv, env)
}

func (r *NodeRunner) Execute(ctx context.Context, execCtx *domain.ExecutionContext) domain.ExecutionResult {
	dir := workDir(execCtx)
	if manifest, ok := loadNodeManifest(dir); ok {
		if start, hasStart := manifest.Scripts["start"]; hasStart && strings.TrimSpace(start) != "" {
			return r.runExec(ctx, execCtx, []string{"npm", "start", "--silent"}, nil)
		}
		if manifest.Main != "" && fileExists(filepath.Join(dir, manifest.Main)) {
			return r.runExec(ctx, execCtx, []string{"node", manifest.Main}, nil)
		}
	}
	entry := firstEntryPoint(dir, execCtx.Analysis, ".js", "index.js", "server.js", "app.js", "main.js")
	if entry == "" {
		return missingEntryPoint(domain.LanguageNode)
	}
	return r.runExec(ctx, execCtx, []string{"node", entry}, nil)
}

func (r *NodeRunner) Validate(dir string, analysis *domain.Analysis) domain.ValidationResult {
	result := domain.ValidationResult{Valid: true}
	manifest, ok := loadNodeManifest(dir)
	if !ok {
		if firstEntryPoint(dir, analysis, ".js", "index.js", "server.js", "app.js", "main.js") == "" {
			result.Valid = false
			result.Errors = append(result.Errors, "no package.json and no conventional entry point")
		} else {
			result.Warnings = append(result.Warnings, "package.json is missing; dependencies will not be restored")
		}
		return result
	}
	if manifest.Main != "" && !fileExists(filepath.Join(dir, manifest.Main)) {
		result.Warnings = append(result.Warnings, "package.json main points at a missing file: "+manifest.Main)
	}
	if _, hasStart := manifest.Scripts["start"]; !hasStart && manifest.Main == "" {
		if firstEntryPoint(dir, analysis, ".js", "index.js", "server.js", "app.js", "main.js") == "" {
			result.Valid = false
			result.Errors = append(result.Errors, "package.json has neither a start script nor a main entry")
		}
	}
	return result
}

var _ Runner = (*NodeRunner)(nil)
