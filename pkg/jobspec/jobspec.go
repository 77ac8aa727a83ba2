// Package jobspec loads job manifests: YAML or JSON files that describe
// pipeline jobs to enqueue.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	defaults:
//	  tenant: acme
//	  language: bash
//	  artifact_patterns:
//	    - "**/TestResults/*.xml"
//	jobs:
//	  - test_run_id: 42
//	    script: ./ci/run-tests.sh
//	    env:
//	      CI: "true"
//	  - language: python
//	    script_file: scripts/smoke.py
package jobspec

import (
	"maps"
	"strings"

	"github.com/3leaps/runnerhub/pkg/jobs"
)

// Manifest is a validated job manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Defaults are merged into every job that leaves the field unset.
	Defaults Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	Jobs []JobSpec `json:"jobs" yaml:"jobs"`
}

// Defaults holds per-manifest values shared by its jobs.
type Defaults struct {
	Tenant           string            `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	TestProjectID    *int64            `json:"test_project_id,omitempty" yaml:"test_project_id,omitempty"`
	Language         string            `json:"language,omitempty" yaml:"language,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ArtifactPatterns []string          `json:"artifact_patterns,omitempty" yaml:"artifact_patterns,omitempty"`
}

// JobSpec describes one job.
type JobSpec struct {
	Tenant        string `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	TestRunID     *int64 `json:"test_run_id,omitempty" yaml:"test_run_id,omitempty"`
	TestProjectID *int64 `json:"test_project_id,omitempty" yaml:"test_project_id,omitempty"`
	Language      string `json:"language,omitempty" yaml:"language,omitempty"`

	// Script is the inline script body. ScriptFile names a file, relative to
	// the manifest, whose content becomes Script at load time. Exactly one
	// of the two is required.
	Script     string `json:"script,omitempty" yaml:"script,omitempty"`
	ScriptFile string `json:"script_file,omitempty" yaml:"script_file,omitempty"`

	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ArtifactPatterns []string          `json:"artifact_patterns,omitempty" yaml:"artifact_patterns,omitempty"`
}

// DefaultVersion is the current manifest version.
const DefaultVersion = "1.0"

// ApplyDefaults merges Defaults into every job. Job values win; env maps are
// merged key by key. Languages are lowercased.
func (m *Manifest) ApplyDefaults() {
	for i := range m.Jobs {
		j := &m.Jobs[i]
		if strings.TrimSpace(j.Tenant) == "" {
			j.Tenant = m.Defaults.Tenant
		}
		j.Tenant = strings.TrimSpace(j.Tenant)
		if j.TestProjectID == nil && m.Defaults.TestProjectID != nil {
			id := *m.Defaults.TestProjectID
			j.TestProjectID = &id
		}
		if strings.TrimSpace(j.Language) == "" {
			j.Language = m.Defaults.Language
		}
		j.Language = strings.ToLower(strings.TrimSpace(j.Language))
		if len(j.ArtifactPatterns) == 0 && len(m.Defaults.ArtifactPatterns) > 0 {
			j.ArtifactPatterns = append([]string(nil), m.Defaults.ArtifactPatterns...)
		}
		if len(m.Defaults.Env) > 0 {
			env := maps.Clone(m.Defaults.Env)
			maps.Copy(env, j.Env)
			j.Env = env
		}
	}
}

// Job converts s into a job ready for jobs.Queue.Enqueue.
func (s JobSpec) Job() *jobs.Job {
	return &jobs.Job{
		TenantID:         s.Tenant,
		TestRunID:        s.TestRunID,
		TestProjectID:    s.TestProjectID,
		Language:         s.Language,
		Script:           s.Script,
		Environment:      maps.Clone(s.Env),
		ArtifactPatterns: append([]string(nil), s.ArtifactPatterns...),
	}
}
