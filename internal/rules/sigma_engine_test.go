package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

const tempExecRule = `title: Execution From Temp Directory
id: exec-from-temp
status: stable
logsource:
  category: process_creation
detection:
  selection:
    Image|contains: 'tmp'
  condition: selection
level: medium
`

const beaconRule = `title: Outbound Beacon
id: outbound-beacon
logsource:
  category: network_connection
detection:
  selection:
    DestinationPort: 4444
  condition: selection
`

const keywordRule = `title: Known Tool Keyword
id: keyword-tool
logsource:
  category: process_creation
detection:
  keywords:
    - 'mimikatz'
  condition: keywords
`

func writeRule(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write rule file: %v", err)
	}
	return path
}

func ruleObservation(path string) *models.Observation {
	return &models.Observation{
		PID:     4242,
		Name:    filepath.Base(path),
		Path:    models.PresentSignal(path),
		CmdLine: models.PresentSignal(path + " --install"),
		Hash:    models.AbsentSignal("not hashed in this test"),
		Signer:  models.AbsentSignal("unsigned executable"),
	}
}

func TestSigmaEngineFlagsMatchingObservation(t *testing.T) {
	file := writeRule(t, t.TempDir(), "temp-exec.yml", tempExecRule)

	engine, stats, err := NewSigmaEngine(file)
	if err != nil {
		t.Fatalf("failed to load rule file: %v", err)
	}
	if stats.TotalFiles != 1 || stats.Loaded != 1 {
		t.Fatalf("expected 1 loaded rule, got %+v", stats)
	}

	flags := engine.Apply(ruleObservation("/tmp/payload"))
	if len(flags) != 1 || flags[0] != "sigma:exec-from-temp" {
		t.Fatalf("expected the rule id as a behavior flag, got %v", flags)
	}

	if flags := engine.Apply(ruleObservation("/usr/bin/safe")); flags != nil {
		t.Fatalf("expected no flags for a clean path, got %v", flags)
	}
}

func TestSigmaEngineLoadStatsAccountForSkippedRules(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "temp-exec.yml", tempExecRule)
	writeRule(t, dir, "beacon.yml", beaconRule)
	writeRule(t, dir, "keyword.yml", keywordRule)
	writeRule(t, dir, "broken.yml", "title: [unclosed")
	writeRule(t, dir, "notes.txt", "not a rule")

	engine, stats, err := NewSigmaEngine(dir)
	if err != nil {
		t.Fatalf("failed to load rule directory: %v", err)
	}
	if stats.TotalFiles != 4 {
		t.Fatalf("expected 4 rule files, got %d", stats.TotalFiles)
	}
	if stats.Loaded != 1 {
		t.Fatalf("expected 1 loaded rule, got %d", stats.Loaded)
	}
	if stats.SkippedDatasource != 1 {
		t.Fatalf("expected 1 rule skipped for its datasource, got %d", stats.SkippedDatasource)
	}
	if stats.SkippedComplex != 1 {
		t.Fatalf("expected 1 rule skipped as stateful, got %d", stats.SkippedComplex)
	}
	if stats.SkippedInvalid != 1 {
		t.Fatalf("expected 1 unparseable rule, got %d", stats.SkippedInvalid)
	}

	// Only the process rule survives to evaluation.
	flags := engine.Apply(ruleObservation("/tmp/payload"))
	if len(flags) != 1 || flags[0] != "sigma:exec-from-temp" {
		t.Fatalf("expected only the loaded rule to match, got %v", flags)
	}
}

func TestSigmaEngineFlagFallsBackToTitle(t *testing.T) {
	anon := `title: Untitled Dropper
logsource:
  category: process_creation
detection:
  selection:
    Image|contains: 'tmp'
  condition: selection
`
	file := writeRule(t, t.TempDir(), "anon.yml", anon)

	engine, _, err := NewSigmaEngine(file)
	if err != nil {
		t.Fatalf("failed to load rule file: %v", err)
	}
	flags := engine.Apply(ruleObservation("/tmp/payload"))
	if len(flags) != 1 || flags[0] != "sigma:Untitled Dropper" {
		t.Fatalf("expected the title-based flag, got %v", flags)
	}
}

func TestSigmaEngineRejectsNonRuleFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rules.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, _, err := NewSigmaEngine(file); err == nil {
		t.Fatal("expected an error for a non-YAML rule file")
	}
	if _, _, err := NewSigmaEngine(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error for a missing rule path")
	}
}
