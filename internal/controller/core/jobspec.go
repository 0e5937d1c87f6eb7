package core

import "errors"

var (
	ErrNoName      = errors.New("job name is required")
	ErrNoUser      = errors.New("job user is required")
	ErrNoOutputDir = errors.New("job output directory is required")
	ErrBadReducers = errors.New("reducer count must be zero or positive")
)

// JobSpec is a job submission. Input patterns are expanded to splits at job
// init; Reducers fixes the reduce task count. Priority orders attempt
// launches across jobs, higher first.
type JobSpec struct {
	Name          string
	User          string
	InputPatterns []string
	OutputDir     string
	Reducers      int
	Priority      int
	ACLs          map[ACLOperation]ACL
}

// Validate checks the fields a submission cannot do without.
func (s JobSpec) Validate() error {
	if s.Name == "" {
		return ErrNoName
	}
	if s.User == "" {
		return ErrNoUser
	}
	if s.OutputDir == "" {
		return ErrNoOutputDir
	}
	if s.Reducers < 0 {
		return ErrBadReducers
	}
	return nil
}
