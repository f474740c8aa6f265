package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// JobDef is one scheduled-job definition from jobs.yaml. History fields
// (last run, failure streak) live in the store, not here.
type JobDef struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Cron            string   `yaml:"cron"`
	Query           string   `yaml:"query"`
	Lane            string   `yaml:"lane"`
	Executor        string   `yaml:"executor"`
	Model           string   `yaml:"model"`
	Enabled         *bool    `yaml:"enabled"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	NotifyOnSuccess bool     `yaml:"notify_on_success"`
	NotifyOnFailure bool     `yaml:"notify_on_failure"`
	ContextFiles    []string `yaml:"context_files"`
}

// IsEnabled reports whether the job should be scheduled; absent means enabled.
func (j JobDef) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

type jobsFile struct {
	Jobs []JobDef `yaml:"jobs"`
}

// jobsSchema constrains jobs.yaml before anything reaches the store.
const jobsSchema = `{
  "type": "object",
  "required": ["jobs"],
  "properties": {
    "jobs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "cron", "query"],
        "properties": {
          "id":                {"type": "string", "minLength": 1, "pattern": "^[a-zA-Z0-9_.-]+$"},
          "name":              {"type": "string"},
          "cron":              {"type": "string", "minLength": 1},
          "query":             {"type": "string", "minLength": 1},
          "lane":              {"type": "string"},
          "executor":          {"type": "string"},
          "model":             {"type": "string"},
          "enabled":           {"type": "boolean"},
          "timeout_seconds":   {"type": "integer", "minimum": 0},
          "notify_on_success": {"type": "boolean"},
          "notify_on_failure": {"type": "boolean"},
          "context_files":     {"type": "array", "items": {"type": "string"}}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledJobsSchema = mustCompileJobsSchema()

func mustCompileJobsSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jobsSchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal jobs schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("jobs.schema.json", doc); err != nil {
		panic(fmt.Sprintf("add jobs schema resource: %v", err))
	}
	schema, err := c.Compile("jobs.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile jobs schema: %v", err))
	}
	return schema
}

// LoadJobs parses and validates the jobs file. A missing file yields an
// empty set. Duplicate ids are an error so a typo cannot silently merge two
// jobs' history.
func LoadJobs(path string) ([]JobDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	return ParseJobs(data)
}

// ParseJobs validates raw jobs.yaml content against the embedded schema and
// decodes it.
func ParseJobs(data []byte) ([]JobDef, error) {
	if len(data) == 0 {
		return nil, nil
	}

	// Schema validation runs on the JSON form of the document; yaml.v3
	// produces map[string]any, which round-trips through encoding/json into
	// the value shape the validator expects.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode jobs file for validation: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonBytes)))
	if err != nil {
		return nil, fmt.Errorf("decode jobs file for validation: %w", err)
	}
	if err := compiledJobsSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("jobs file rejected by schema: %w", err)
	}

	var jf jobsFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}

	seen := make(map[string]bool, len(jf.Jobs))
	for i := range jf.Jobs {
		job := &jf.Jobs[i]
		if seen[job.ID] {
			return nil, fmt.Errorf("duplicate job id %q", job.ID)
		}
		seen[job.ID] = true
		if strings.TrimSpace(job.Name) == "" {
			job.Name = job.ID
		}
		if strings.TrimSpace(job.Lane) == "" {
			job.Lane = "job:" + job.ID
		}
	}
	return jf.Jobs, nil
}
