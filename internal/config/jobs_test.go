package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/satchel/squire/internal/config"
)

const validJobsYAML = `jobs:
  - id: morning-brief
    name: Morning brief
    cron: "0 7 * * *"
    query: Summarize my calendar and inbox for today.
    notify_on_success: true
  - id: repo-sweep
    cron: "*/30 * * * *"
    query: Check CI status.
    lane: ci
    executor: cli
    timeout_seconds: 300
`

func TestParseJobs_Valid(t *testing.T) {
	jobs, err := config.ParseJobs([]byte(validJobsYAML))
	if err != nil {
		t.Fatalf("parse jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "morning-brief" || jobs[0].Name != "Morning brief" {
		t.Fatalf("unexpected first job: %+v", jobs[0])
	}
	if !jobs[0].NotifyOnSuccess {
		t.Fatalf("expected notify_on_success=true for first job")
	}
	if jobs[1].Lane != "ci" {
		t.Fatalf("expected explicit lane=ci, got %q", jobs[1].Lane)
	}
	if jobs[1].TimeoutSeconds != 300 {
		t.Fatalf("expected timeout_seconds=300, got %d", jobs[1].TimeoutSeconds)
	}
}

func TestParseJobs_Defaults(t *testing.T) {
	jobs, err := config.ParseJobs([]byte("jobs:\n  - id: nightly\n    cron: \"0 2 * * *\"\n    query: run backups\n"))
	if err != nil {
		t.Fatalf("parse jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Name != "nightly" {
		t.Fatalf("expected name to default to id, got %q", jobs[0].Name)
	}
	if jobs[0].Lane != "job:nightly" {
		t.Fatalf("expected lane to default to job:nightly, got %q", jobs[0].Lane)
	}
	if !jobs[0].IsEnabled() {
		t.Fatalf("expected absent enabled to mean enabled")
	}
}

func TestParseJobs_SchemaRejectsMissingQuery(t *testing.T) {
	_, err := config.ParseJobs([]byte("jobs:\n  - id: broken\n    cron: \"* * * * *\"\n"))
	if err == nil {
		t.Fatalf("expected schema error for missing query")
	}
}

func TestParseJobs_SchemaRejectsUnknownField(t *testing.T) {
	_, err := config.ParseJobs([]byte("jobs:\n  - id: x\n    cron: \"* * * * *\"\n    query: q\n    shcedule: oops\n"))
	if err == nil {
		t.Fatalf("expected schema error for unknown field")
	}
}

func TestParseJobs_SchemaRejectsBadID(t *testing.T) {
	_, err := config.ParseJobs([]byte("jobs:\n  - id: \"has space\"\n    cron: \"* * * * *\"\n    query: q\n"))
	if err == nil {
		t.Fatalf("expected schema error for id with whitespace")
	}
}

func TestParseJobs_DuplicateID(t *testing.T) {
	doubled := "jobs:\n  - id: same\n    cron: \"* * * * *\"\n    query: one\n  - id: same\n    cron: \"* * * * *\"\n    query: two\n"
	_, err := config.ParseJobs([]byte(doubled))
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if !strings.Contains(err.Error(), "same") {
		t.Fatalf("error should name the duplicate id, got: %v", err)
	}
}

func TestParseJobs_DisabledJob(t *testing.T) {
	jobs, err := config.ParseJobs([]byte("jobs:\n  - id: paused\n    cron: \"* * * * *\"\n    query: q\n    enabled: false\n"))
	if err != nil {
		t.Fatalf("parse jobs: %v", err)
	}
	if jobs[0].IsEnabled() {
		t.Fatalf("expected enabled:false to disable the job")
	}
}

func TestLoadJobs_MissingFile(t *testing.T) {
	jobs, err := config.LoadJobs(filepath.Join(t.TempDir(), "jobs.yaml"))
	if err != nil {
		t.Fatalf("missing jobs file should not error: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(jobs))
	}
}

func TestLoadJobs_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	if err := os.WriteFile(path, []byte(validJobsYAML), 0o644); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}
	jobs, err := config.LoadJobs(path)
	if err != nil {
		t.Fatalf("load jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
}
