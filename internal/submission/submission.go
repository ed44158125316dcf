// Package submission validates build results posted by CI runs and decides
// whether they are authoritative enough to persist.
package submission

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMissingFields    = errors.New("missing required field(s)")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// DefaultPrimaryBranch is used when branch filtering is on and no primary
// branch is configured.
const DefaultPrimaryBranch = "master"

// Fields are the raw values parsed from a submission request.
type Fields struct {
	CommitID  string
	Timestamp string
	Status    string
	Branch    string
}

// Submission is a validated set of fields.
type Submission struct {
	CommitID  string
	Timestamp int64
	Status    string
	Branch    string
}

// Policy controls branch filtering.
type Policy struct {
	FilterBranches bool
	PrimaryBranch  string
}

// ValidationError reports why a submission was rejected.
type ValidationError struct {
	Missing []string // field names, in request order
	Value   string   // offending value for ErrInvalidTimestamp
	Err     error
}

func (e *ValidationError) Error() string {
	switch {
	case len(e.Missing) > 0:
		return fmt.Sprintf("%s: %s", e.Err, strings.Join(e.Missing, ", "))
	case e.Value != "":
		return fmt.Sprintf("%s %q", e.Err, e.Value)
	default:
		return e.Err.Error()
	}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validator applies a Policy to submissions.
type Validator struct {
	policy Policy
}

// NewValidator creates a validator for the given policy.
func NewValidator(p Policy) *Validator {
	if p.FilterBranches && p.PrimaryBranch == "" {
		p.PrimaryBranch = DefaultPrimaryBranch
	}
	return &Validator{policy: p}
}

// Policy returns the effective policy.
func (v *Validator) Policy() Policy {
	return v.policy
}

// Validate checks required fields and parses the timestamp.
func (v *Validator) Validate(f Fields) (Submission, error) {
	var missing []string
	if f.CommitID == "" {
		missing = append(missing, "commit_id")
	}
	if strings.TrimSpace(f.Timestamp) == "" {
		missing = append(missing, "timestamp")
	}
	if f.Status == "" {
		missing = append(missing, "status")
	}
	if v.policy.FilterBranches && f.Branch == "" {
		missing = append(missing, "branch")
	}
	if len(missing) > 0 {
		return Submission{}, &ValidationError{Missing: missing, Err: ErrMissingFields}
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(f.Timestamp), 10, 64)
	if err != nil || ts < 0 {
		return Submission{}, &ValidationError{Value: f.Timestamp, Err: ErrInvalidTimestamp}
	}

	return Submission{
		CommitID:  f.CommitID,
		Timestamp: ts,
		Status:    f.Status,
		Branch:    f.Branch,
	}, nil
}

// ShouldPersist reports whether a validated submission may reach the store.
// With filtering off every submission persists.
func (v *Validator) ShouldPersist(s Submission) bool {
	if !v.policy.FilterBranches {
		return true
	}
	return s.Branch == v.policy.PrimaryBranch
}
