// Package output implements the file-based two-phase output committer.
//
// Task attempts write into a per-attempt work directory under the job's
// staging area. Committing a task publishes that directory; committing the
// job folds published output into the final output directory and removes the
// staging area. Two algorithms are supported: v1 stages committed task
// output under the job attempt directory and merges it at job commit, v2
// merges task output straight into the output directory at task commit.
package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/shared/logging"
)

const (
	// TempDirName is the staging subdirectory kept under the job output
	// directory until the job commits or aborts.
	TempDirName = "_temporary"

	// SuccessMarker is the empty file dropped into the output directory
	// of a successfully committed job.
	SuccessMarker = "_SUCCESS"

	algorithmV1 = 1
	algorithmV2 = 2
)

// Options tunes committer behavior per job.
type Options struct {
	// AlgorithmVersion selects the commit algorithm, 1 or 2.
	AlgorithmVersion int

	// CleanupTaskOutput removes the attempt work directory after a v2
	// task commit merged it into the output directory.
	CleanupTaskOutput bool

	// FailureAttempts bounds how often a v2 job commit is retried before
	// the failure is reported. v1 job commits are not repeatable and are
	// never retried.
	FailureAttempts int

	// MarkSuccessfulJobs drops the success marker after job commit.
	MarkSuccessfulJobs bool
}

// FileCommitter is the file-based core.Committer. One instance serves one
// job generation.
type FileCommitter struct {
	fs         afero.Fs
	outputDir  string
	appAttempt int
	opts       Options
	logger     logging.Logger
}

var _ core.Committer = (*FileCommitter)(nil)

// NewFileCommitter validates the options and returns a committer rooted at
// outputDir. appAttempt is the controller generation; recovery looks for
// committed output left by generation appAttempt-1.
func NewFileCommitter(fsys afero.Fs, outputDir string, appAttempt int, opts Options, logger logging.Logger) (*FileCommitter, error) {
	if opts.AlgorithmVersion != algorithmV1 && opts.AlgorithmVersion != algorithmV2 {
		return nil, fmt.Errorf("unsupported commit algorithm version %d: only 1 or 2 are allowed", opts.AlgorithmVersion)
	}
	if opts.FailureAttempts < 1 {
		return nil, fmt.Errorf("commit failure attempts must be at least 1, got %d", opts.FailureAttempts)
	}
	if outputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if appAttempt < 0 {
		return nil, fmt.Errorf("app attempt must not be negative, got %d", appAttempt)
	}
	return &FileCommitter{
		fs:         fsys,
		outputDir:  outputDir,
		appAttempt: appAttempt,
		opts:       opts,
		logger:     logger,
	}, nil
}

// tempDir is <output>/_temporary, removed when the job commits or aborts.
func (c *FileCommitter) tempDir() string {
	return filepath.Join(c.outputDir, TempDirName)
}

// jobAttemptDir is <output>/_temporary/<appAttempt>.
func (c *FileCommitter) jobAttemptDir() string {
	return c.jobAttemptDirFor(c.appAttempt)
}

func (c *FileCommitter) jobAttemptDirFor(appAttempt int) string {
	return filepath.Join(c.tempDir(), strconv.Itoa(appAttempt))
}

// WorkPath is the directory an attempt writes its output into:
// <output>/_temporary/<appAttempt>/_temporary/<attemptID>.
func (c *FileCommitter) WorkPath(attempt core.AttemptID) string {
	return filepath.Join(c.jobAttemptDir(), TempDirName, attempt.String())
}

// committedTaskDir is where a v1 task commit publishes attempt output:
// <output>/_temporary/<appAttempt>/<taskID>.
func (c *FileCommitter) committedTaskDir(task core.TaskID) string {
	return filepath.Join(c.jobAttemptDir(), task.String())
}

func (c *FileCommitter) committedTaskDirFor(appAttempt int, task core.TaskID) string {
	return filepath.Join(c.jobAttemptDirFor(appAttempt), task.String())
}

// SetupJob creates the staging area for this job generation.
func (c *FileCommitter) SetupJob(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.fs.MkdirAll(c.jobAttemptDir(), 0o755)
}

// SetupTask creates the attempt work directory.
func (c *FileCommitter) SetupTask(ctx context.Context, attempt core.AttemptID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.fs.MkdirAll(c.WorkPath(attempt), 0o755)
}

// NeedsTaskCommit reports whether the attempt left output in its work
// directory.
func (c *FileCommitter) NeedsTaskCommit(ctx context.Context, attempt core.AttemptID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return afero.Exists(c.fs, c.WorkPath(attempt))
}

// CommitTask publishes the attempt's work directory. Under v1 the directory
// is renamed to the task's committed location inside the staging area; under
// v2 its contents merge straight into the output directory.
func (c *FileCommitter) CommitTask(ctx context.Context, attempt core.AttemptID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	work := c.WorkPath(attempt)
	exists, err := afero.Exists(c.fs, work)
	if err != nil {
		return err
	}
	if !exists {
		c.logger.Info("attempt had no output to commit", "attempt", attempt.String())
		return nil
	}

	if c.opts.AlgorithmVersion == algorithmV1 {
		committed := c.committedTaskDir(attempt.Task)
		if err := c.fs.RemoveAll(committed); err != nil {
			return err
		}
		if err := c.fs.Rename(work, committed); err != nil {
			return fmt.Errorf("committing %s: %w", attempt.String(), err)
		}
		return nil
	}

	if err := mergePaths(c.fs, work, c.outputDir); err != nil {
		return fmt.Errorf("committing %s: %w", attempt.String(), err)
	}
	if c.opts.CleanupTaskOutput {
		if err := c.fs.RemoveAll(work); err != nil {
			return err
		}
	}
	return nil
}

// AbortTask discards the attempt's work directory.
func (c *FileCommitter) AbortTask(ctx context.Context, attempt core.AttemptID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.fs.RemoveAll(c.WorkPath(attempt))
}

// CommitJob finalizes the job output. Under v2 the commit is repeatable and
// is retried up to Options.FailureAttempts times; a v1 commit consumes its
// staging directories and gets a single try.
func (c *FileCommitter) CommitJob(ctx context.Context) error {
	attempts := 1
	if c.opts.AlgorithmVersion == algorithmV2 {
		attempts = c.opts.FailureAttempts
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = c.commitJobInternal(); err == nil {
			return nil
		}
		c.logger.Warn("job commit attempt failed",
			"attempt", i, "of", attempts, "error", err)
	}
	return err
}

func (c *FileCommitter) commitJobInternal() error {
	if c.opts.AlgorithmVersion == algorithmV1 {
		jobAttemptDir := c.jobAttemptDir()
		if _, err := c.fs.Stat(jobAttemptDir); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%s does not exist", jobAttemptDir)
			}
			return err
		}
		entries, err := afero.ReadDir(c.fs, jobAttemptDir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			// Underscore-prefixed entries are uncommitted attempt
			// work directories, not committed task output.
			if strings.HasPrefix(entry.Name(), "_") {
				continue
			}
			src := filepath.Join(jobAttemptDir, entry.Name())
			if err := merge(c.fs, src, entry, c.outputDir); err != nil {
				return err
			}
		}
	}
	if err := c.fs.RemoveAll(c.tempDir()); err != nil {
		return err
	}
	if c.opts.MarkSuccessfulJobs {
		if err := c.touch(filepath.Join(c.outputDir, SuccessMarker)); err != nil {
			return err
		}
	}
	return nil
}

// AbortJob discards the staging area. The final state only informs logging;
// failed and killed jobs clean up the same way.
func (c *FileCommitter) AbortJob(ctx context.Context, state core.JobState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("aborting job output", "output", c.outputDir, "state", string(state))
	return c.fs.RemoveAll(c.tempDir())
}

// IsRecoverySupported reports that committed task output survives a
// controller restart.
func (c *FileCommitter) IsRecoverySupported() bool { return true }

// RecoverTask carries committed output of the given task over from the
// previous generation. Under v1 the previous committed directory is renamed
// into this generation's staging area; under v2 any v1-style leftovers merge
// into the output directory, which also covers recovery across an algorithm
// upgrade. Tasks with nothing left behind recover to nothing and will be
// rerun.
func (c *FileCommitter) RecoverTask(ctx context.Context, attempt core.AttemptID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.appAttempt == 0 {
		return nil
	}
	previous := c.committedTaskDirFor(c.appAttempt-1, attempt.Task)
	exists, err := afero.Exists(c.fs, previous)
	if err != nil {
		return err
	}
	if !exists {
		c.logger.Info("no committed output to recover",
			"task", attempt.Task.String(), "previous", previous)
		return nil
	}

	if c.opts.AlgorithmVersion == algorithmV1 {
		current := c.committedTaskDir(attempt.Task)
		if err := c.fs.RemoveAll(current); err != nil {
			return err
		}
		if err := c.fs.MkdirAll(c.jobAttemptDir(), 0o755); err != nil {
			return err
		}
		if err := c.fs.Rename(previous, current); err != nil {
			return fmt.Errorf("recovering %s: %w", attempt.Task.String(), err)
		}
		return nil
	}
	if err := mergePaths(c.fs, previous, c.outputDir); err != nil {
		return fmt.Errorf("recovering %s: %w", attempt.Task.String(), err)
	}
	return nil
}

// PreviousCommittedTasks lists tasks whose committed output survives under
// the previous controller generation's staging area. Only v1 leaves such a
// record; v2 folds task output into the destination at task commit, so an
// empty result is normal there.
func (c *FileCommitter) PreviousCommittedTasks(ctx context.Context) ([]core.TaskID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.appAttempt == 0 {
		return nil, nil
	}
	previous := c.jobAttemptDirFor(c.appAttempt - 1)
	entries, err := afero.ReadDir(c.fs, previous)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing previous attempt dir %s: %w", previous, err)
	}
	var tasks []core.TaskID
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		id, err := core.ParseTaskID(entry.Name())
		if err != nil {
			continue
		}
		tasks = append(tasks, id)
	}
	return tasks, nil
}

func (c *FileCommitter) touch(path string) error {
	f, err := c.fs.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}
