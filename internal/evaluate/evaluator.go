// Package evaluate turns one process observation into a threat level by
// weighing independent suspicion factors. Scoring is stateless; everything
// that accumulates across cycles lives in the escalation controller.
package evaluate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// Factor weights. Behavior flags are uncapped: each distinct flag adds its
// weight again, so busy multi-signal processes keep climbing.
const (
	weightUnsigned        = 1.0
	weightUntrustedSigner = 0.5
	weightSuspiciousName  = 1.5
	weightSuspiciousPath  = 1.0
	weightBehaviorFlag    = 0.5
	weightHidden          = 1.0
	weightElevated        = 0.5
)

// Factor is one scored observation about a process, kept for logs and events.
type Factor struct {
	Reason string  `json:"reason"`
	Weight float64 `json:"weight"`
}

// Verdict is the evaluator's complete output for one observation.
type Verdict struct {
	Level   models.ThreatLevel `json:"level"`
	Score   float64            `json:"score"`
	Trusted bool               `json:"trusted"`
	Factors []Factor           `json:"factors,omitempty"`
}

// Config extends the built-in allow-lists and suspicion patterns with
// operator entries.
type Config struct {
	SystemCritical []string
	TrustedNames   []string
	TrustedPaths   []string
	TrustedSigners []string
	NamePatterns   []string
}

// Evaluator scores observations against allow-lists and suspicion patterns.
type Evaluator struct {
	critical       map[string]struct{}
	trustedNames   map[string]struct{}
	trustedPaths   []string
	trustedSigners []string
	patterns       []*regexp.Regexp

	// The agent's own executable. Protected like a critical system process,
	// but pinned to the exact installed path so a copycat elsewhere is an
	// impersonator, not a protected process.
	selfName string
	selfPath string
}

// NewEvaluator compiles the configured patterns on top of the built-ins.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	e := &Evaluator{
		critical:     make(map[string]struct{}),
		trustedNames: make(map[string]struct{}),
	}

	if exe, err := os.Executable(); err == nil {
		e.selfName = strings.ToLower(filepath.Base(exe))
		e.selfPath = normalizePath(exe)
	}

	for _, name := range criticalProcessNames() {
		e.critical[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range cfg.SystemCritical {
		e.critical[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range cfg.TrustedNames {
		e.trustedNames[strings.ToLower(name)] = struct{}{}
	}
	for _, path := range cfg.TrustedPaths {
		e.trustedPaths = append(e.trustedPaths, normalizePath(path))
	}

	for _, signer := range builtinTrustedSigners {
		e.trustedSigners = append(e.trustedSigners, strings.ToLower(signer))
	}
	for _, signer := range cfg.TrustedSigners {
		e.trustedSigners = append(e.trustedSigners, strings.ToLower(signer))
	}

	for _, pattern := range builtinNamePatterns {
		e.patterns = append(e.patterns, regexp.MustCompile(pattern))
	}
	for _, pattern := range cfg.NamePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile name pattern %q: %w", pattern, err)
		}
		e.patterns = append(e.patterns, re)
	}

	return e, nil
}

// Evaluate scores one observation and stamps the verdict onto it.
func (e *Evaluator) Evaluate(obs *models.Observation) Verdict {
	critical, impersonator := e.criticalStatus(obs.Name, obs.Path)
	if critical {
		return e.trustedVerdict(obs, "critical system process")
	}
	if !impersonator {
		if _, ok := e.trustedNames[strings.ToLower(obs.Name)]; ok {
			return e.trustedVerdict(obs, "operator-trusted name")
		}
		if obs.Path.Present && e.underTrustedPath(obs.Path.Value) {
			return e.trustedVerdict(obs, "operator-trusted path")
		}
	}

	var factors []Factor
	add := func(reason string, weight float64) {
		factors = append(factors, Factor{Reason: reason, Weight: weight})
	}

	switch {
	case !obs.Signer.Present:
		add("unsigned or unverifiable image", weightUnsigned)
	case !e.signerTrusted(obs.Signer.Value):
		add("signed by untrusted publisher "+obs.Signer.Value, weightUntrustedSigner)
	}

	if impersonator {
		add("imitates the agent executable name", weightSuspiciousName)
	} else if pattern := e.matchName(obs.Name); pattern != "" {
		add("name matches suspicion pattern "+pattern, weightSuspiciousName)
	}

	if !obs.Path.Present {
		add("no resolvable executable path", weightSuspiciousPath)
	} else if loc := suspiciousLocation(obs.Path.Value); loc != "" {
		add("executable under "+loc, weightSuspiciousPath)
	}

	for _, flag := range obs.Behavior {
		add("behavior "+flag, weightBehaviorFlag)
	}

	if obs.Hidden.Known && obs.Hidden.Set {
		add("hidden executable image", weightHidden)
	}
	if obs.Elevated.Known && obs.Elevated.Set {
		add("runs with elevated privileges", weightElevated)
	}

	score := 0.0
	for _, f := range factors {
		score += f.Weight
	}

	verdict := Verdict{
		Level:   levelFor(score),
		Score:   score,
		Factors: factors,
	}
	obs.Level = verdict.Level
	obs.Trusted = false
	return verdict
}

// AllowListed reports whether a process can skip full signal collection:
// genuine protected processes and operator-trusted names and paths. A
// critical name running outside the system directories still evaluates as
// trusted, but it gets no cheap skip: it stays observed and recorded every
// cycle.
func (e *Evaluator) AllowListed(name, path string) bool {
	if e.genuineProtected(name, path) {
		return true
	}
	if e.protectedName(name) {
		return false
	}
	if _, ok := e.trustedNames[strings.ToLower(name)]; ok {
		return true
	}
	return path != "" && e.underTrustedPath(path)
}

// IsCritical reports whether the process is a genuine protected system
// process. The response executor refuses destructive actions against these.
func (e *Evaluator) IsCritical(name, path string) bool {
	return e.genuineProtected(name, path)
}

func (e *Evaluator) trustedVerdict(obs *models.Observation, reason string) Verdict {
	obs.Level = models.LevelTrusted
	obs.Trusted = true
	return Verdict{
		Level:   models.LevelTrusted,
		Trusted: true,
		Factors: []Factor{{Reason: reason}},
	}
}

// criticalStatus decides the verdict-level protection for a name. A name on
// the critical list is trusted wherever it runs: the allow-list overrides
// all scoring, and killing a real system process costs far more than
// watching a fake one. Only the agent's own name is pinned to its installed
// path; anywhere else it is an impersonator worth scoring.
func (e *Evaluator) criticalStatus(name string, path models.Signal) (critical, impersonator bool) {
	lower := strings.ToLower(name)
	if e.selfName != "" && lower == e.selfName {
		if !path.Present || normalizePath(path.Value) == e.selfPath {
			return true, false
		}
		return false, true
	}
	_, ok := e.critical[lower]
	return ok, false
}

// protectedName reports whether the name belongs to the protected set at
// all, regardless of where it runs.
func (e *Evaluator) protectedName(name string) bool {
	lower := strings.ToLower(name)
	if e.selfName != "" && lower == e.selfName {
		return true
	}
	_, ok := e.critical[lower]
	return ok
}

// genuineProtected reports whether a protected name also runs from a
// plausible location: the system directories for critical names, the
// installed path for the agent itself. With no path to check the process is
// presumed genuine.
func (e *Evaluator) genuineProtected(name, path string) bool {
	lower := strings.ToLower(name)
	if e.selfName != "" && lower == e.selfName {
		return path == "" || normalizePath(path) == e.selfPath
	}
	if _, ok := e.critical[lower]; ok {
		return path == "" || underSystemPath(path)
	}
	return false
}

func (e *Evaluator) underTrustedPath(path string) bool {
	normalized := normalizePath(path)
	for _, prefix := range e.trustedPaths {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

func (e *Evaluator) signerTrusted(signer string) bool {
	lower := strings.ToLower(signer)
	for _, trusted := range e.trustedSigners {
		if strings.Contains(lower, trusted) {
			return true
		}
	}
	return false
}

func (e *Evaluator) matchName(name string) string {
	for _, re := range e.patterns {
		if re.MatchString(name) {
			return re.String()
		}
	}
	return ""
}

func levelFor(score float64) models.ThreatLevel {
	switch {
	case score <= 0.5:
		return models.LevelTrusted
	case score <= 1.5:
		return models.LevelLow
	case score <= 2.5:
		return models.LevelMedium
	case score <= 3.5:
		return models.LevelHigh
	default:
		return models.LevelCritical
	}
}
