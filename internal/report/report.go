// Package report builds the JSON document describing a harness run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/terrpan/adroit/internal/buildinfo"
)

// Stage statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Stage is one step of the run.
type Stage struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Seconds float64 `json:"seconds"`
	Error   string  `json:"error,omitempty"`
}

// Report is the run report.
type Report struct {
	Tool         string    `json:"tool"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	Role         string    `json:"role"`
	DefaultImage string    `json:"default_image"`
	Status       string    `json:"status"`
	Outcome      string    `json:"outcome,omitempty"`
	ContainerID  string    `json:"container_id,omitempty"`
	// CleanupError is set when the container outlived the run.
	CleanupError string    `json:"cleanup_error,omitempty"`
	Error        string    `json:"error,omitempty"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	Stages       []Stage   `json:"stages"`
}

// New starts a report for role.
func New(engine, role, defaultImage string) *Report {
	return &Report{
		Tool:         "adroit",
		Version:      buildinfo.Version,
		Commit:       buildinfo.Commit,
		BuildTime:    buildinfo.BuildTime,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		Engine:       engine,
		Role:         role,
		DefaultImage: defaultImage,
		Started:      time.Now().UTC(),
		Stages:       []Stage{},
	}
}

// Record appends a finished stage.
func (r *Report) Record(name string, d time.Duration, err error) {
	s := Stage{Name: name, Status: StatusPassed, Seconds: d.Seconds()}
	if err != nil {
		s.Status = StatusFailed
		s.Error = err.Error()
	}
	r.Stages = append(r.Stages, s)
}

// Skip appends a stage that did not run.
func (r *Report) Skip(name string) {
	r.Stages = append(r.Stages, Stage{Name: name, Status: StatusSkipped})
}

// Finish stamps the overall status.
func (r *Report) Finish(err error) {
	r.Finished = time.Now().UTC()
	r.Status = StatusPassed
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
	}
}

// Encode writes r as indented JSON.
func (r *Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Write stores r at path.
func (r *Report) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report %s: %w", path, err)
	}
	if err := r.Encode(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return f.Close()
}
