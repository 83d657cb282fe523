package analyzer

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gridworks/forge/internal/domain"
)

type securityPattern struct {
	name   string
	detail string
	weight int
	re     *regexp.Regexp
}

var securityPatterns = []securityPattern{
	{
		name:   "shell_invocation",
		detail: "arbitrary shell or process invocation",
		weight: 3,
		re:     regexp.MustCompile(`(?i)(os\.system|subprocess\.(run|call|popen)|child_process|exec(Sync)?\(|Runtime\.getRuntime\(\)\.exec|Process\.Start|ProcessBuilder)`),
	},
	{
		name:   "network_call",
		detail: "outbound network access",
		weight: 1,
		re:     regexp.MustCompile(`(?i)(requests\.(get|post|put|delete)|urllib\.request|http\.client|fetch\(|axios\.|net\.Dial|HttpClient|WebClient|socket\.socket)`),
	},
	{
		name:   "credential_string",
		detail: "credential-like literal",
		weight: 2,
		re:     regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|access[_-]?token)\s*[:=]\s*["'][^"']{4,}["']`),
	},
	{
		name:   "dynamic_eval",
		detail: "dynamic code evaluation",
		weight: 2,
		re:     regexp.MustCompile(`(?i)(\beval\(|\bexec\(|Function\(|importlib\.import_module|Assembly\.Load)`),
	},
}

const maxFindingsPerFile = 10

// scanSources runs the lightweight pattern scan over the collected source
// files and grades an overall risk level.
func scanSources(dir string, paths []string) domain.SecurityScan {
	scan := domain.SecurityScan{RiskLevel: domain.RiskLow}
	score := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil || len(data) > maxScanFileSize {
			continue
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		lines := strings.Split(string(data), "\n")
		found := 0
		for lineNo, line := range lines {
			for _, pattern := range securityPatterns {
				if !pattern.re.MatchString(line) {
					continue
				}
				scan.Findings = append(scan.Findings, domain.SecurityFinding{
					File:    rel,
					Line:    lineNo + 1,
					Pattern: pattern.name,
					Detail:  pattern.detail,
				})
				score += pattern.weight
				found++
			}
			if found >= maxFindingsPerFile {
				break
			}
		}
	}

	switch {
	case score >= 8:
		scan.RiskLevel = domain.RiskHigh
	case score >= 3:
		scan.RiskLevel = domain.RiskMedium
	default:
		scan.RiskLevel = domain.RiskLow
	}
	return scan
}
