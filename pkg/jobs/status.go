package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidStatus is returned when a status name is not recognised.
var ErrInvalidStatus = errors.New("invalid job status")

// PipelineJobStatus is the lifecycle state of a job.
//
// NOTE: Names are persisted in the jobs table and carried over HTTP; they are
// part of the stable runner contract.
type PipelineJobStatus int

const (
	Queued PipelineJobStatus = iota
	Pending
	Waiting
	Running
	Completed
	Error
)

var statusNames = [...]string{
	Queued:    "Queued",
	Pending:   "Pending",
	Waiting:   "Waiting",
	Running:   "Running",
	Completed: "Completed",
	Error:     "Error",
}

func (s PipelineJobStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("PipelineJobStatus(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the declared statuses.
func (s PipelineJobStatus) Valid() bool {
	return s >= Queued && int(s) < len(statusNames)
}

// Terminal reports whether no further transitions are expected from s.
func (s PipelineJobStatus) Terminal() bool {
	return s == Completed || s == Error
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(name string) (PipelineJobStatus, error) {
	name = strings.TrimSpace(name)
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return PipelineJobStatus(i), nil
		}
	}
	return Queued, fmt.Errorf("%w: %q", ErrInvalidStatus, name)
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []PipelineJobStatus {
	return []PipelineJobStatus{Queued, Pending, Waiting, Running, Completed, Error}
}

func (s PipelineJobStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, int(s))
	}
	return []byte(s.String()), nil
}

func (s *PipelineJobStatus) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
