package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type compiledSigmaRule struct {
	rule sigma.Rule
	eval *sigmaevaluator.RuleEvaluator
	flag string
}

// SigmaEngine evaluates Sigma rules against individual process observations.
// A matched rule contributes one behavior flag named after the rule id.
type SigmaEngine struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

// NewSigmaEngine loads Sigma rules from a file or directory and compiles
// evaluators. Unsupported or complex rules are skipped and included in stats.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 256)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		rule, err := parseSigmaRuleFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}

		if !isProcessRule(rule) {
			stats.SkippedDatasource++
			continue
		}

		if ok, _ := isSingleObservationRule(rule); !ok {
			stats.SkippedComplex++
			continue
		}

		compiled = append(compiled, compiledSigmaRule{
			rule: rule,
			eval: sigmaevaluator.ForRule(rule),
			flag: flagFromRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaEngine{rules: compiled, ctx: context.Background()}, stats, nil
}

// Apply evaluates all loaded rules and returns a behavior flag per match.
func (e *SigmaEngine) Apply(obs *models.Observation) []string {
	if e == nil || obs == nil || len(e.rules) == 0 {
		return nil
	}

	eventMap := sigmaEventFrom(obs)
	out := make([]string, 0, 4)
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(e.ctx, eventMap)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.flag)
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

// isProcessRule keeps only rules that can be answered from a process table
// snapshot. Rules over network, registry, or file-event sources never match
// an observation and are dropped at load time.
func isProcessRule(rule sigma.Rule) bool {
	category := strings.ToLower(strings.TrimSpace(rule.Logsource.Category))
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	service := strings.ToLower(strings.TrimSpace(rule.Logsource.Service))

	if category != "" && category != "process_creation" {
		return false
	}
	switch product {
	case "", "windows", "linux", "macos":
	default:
		return false
	}
	if service != "" {
		return false
	}
	return true
}

// isSingleObservationRule rejects rules that need state across events. Each
// observation is matched in isolation, so timeframes and aggregations cannot
// be honored.
func isSingleObservationRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}

	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}

	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

// sigmaEventFrom projects an observation onto the field names process
// creation rules conventionally use.
func sigmaEventFrom(obs *models.Observation) map[string]interface{} {
	buf := make(map[string]interface{}, 12)
	buf["ProcessId"] = int(obs.PID)
	buf["ProcessName"] = obs.Name
	if obs.Path.Present {
		buf["Image"] = obs.Path.Value
	}
	if obs.CmdLine.Present {
		buf["CommandLine"] = obs.CmdLine.Value
	}
	if obs.Hash.Present {
		buf["Hashes"] = "SHA256=" + strings.ToUpper(obs.Hash.Value)
		buf["sha256"] = obs.Hash.Value
	}
	if obs.Signer.Present {
		buf["Company"] = obs.Signer.Value
		buf["Signature"] = obs.Signer.Value
	}
	return buf
}

// flagFromRule names the behavior flag a match contributes. The rule id is
// preferred; untitled anonymous rules fall back to the file-provided title.
func flagFromRule(rule sigma.Rule) string {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}
	return "sigma:" + id
}
