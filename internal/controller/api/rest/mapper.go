package rest

import (
	"time"

	"github.com/google/uuid"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/controller/service"
)

func (req *SubmitJobRequest) ToSpec(user string) core.JobSpec {
	var acls map[core.ACLOperation]core.ACL
	if len(req.ACLs) > 0 {
		acls = make(map[core.ACLOperation]core.ACL, len(req.ACLs))
		for op, users := range req.ACLs {
			acls[core.ACLOperation(op)] = core.ParseACL(users)
		}
	}
	return core.JobSpec{
		Name:          req.Name,
		User:          user,
		InputPatterns: req.InputPatterns,
		OutputDir:     req.OutputDir,
		Reducers:      req.Reducers,
		Priority:      req.Priority,
		ACLs:          acls,
	}
}

func ToGetJobResponse(report core.JobReport) GetJobResponse {
	return GetJobResponse{
		JobID:    report.ID,
		Name:     report.Name,
		User:     report.User,
		State:    string(report.State),
		Priority: report.Priority,
		Uber:     report.Uber,
		Progress: ProgressInfo{
			Setup:  report.Progress.Setup,
			Map:    report.Progress.Map,
			Reduce: report.Progress.Reduce,
			Commit: report.Progress.Commit,
		},
		Maps:        toTaskCounts(report.Maps),
		Reduces:     toTaskCounts(report.Reduces),
		Diagnostics: report.Diagnostics,
		Timestamps: TimestampsInfo{
			Submitted: report.SubmitTime,
			Started:   optionalTime(report.StartTime),
			Finished:  optionalTime(report.FinishTime),
		},
	}
}

func ToJobSummary(report core.JobReport) JobSummary {
	return JobSummary{
		JobID:       report.ID,
		Name:        report.Name,
		User:        report.User,
		State:       string(report.State),
		SubmittedAt: report.SubmitTime,
		FinishedAt:  optionalTime(report.FinishTime),
	}
}

func ToTaskInfo(report core.TaskReport) TaskInfo {
	attempts := make([]AttemptInfo, 0, len(report.Attempts))
	for _, a := range report.Attempts {
		info := AttemptInfo{
			AttemptID:  a.ID,
			State:      string(a.State),
			Diagnostic: a.Diagnostic,
			StartTime:  optionalTime(a.StartTime),
			FinishTime: optionalTime(a.FinishTime),
		}
		if a.Node != uuid.Nil {
			info.NodeID = a.Node.String()
		}
		attempts = append(attempts, info)
	}
	return TaskInfo{
		TaskID:   report.ID,
		Kind:     string(report.Kind),
		State:    string(report.State),
		Attempts: attempts,
	}
}

func ToAssignmentResponse(a *service.AttemptAssignment) AttemptAssignmentResponse {
	return AttemptAssignmentResponse{
		AttemptID: a.Attempt.String(),
		Kind:      string(a.Kind),
		Split:     SplitInfo{Path: a.Split.Path, Length: a.Split.Length},
		Partition: a.Partition,
		Reducers:  a.Reducers,
		OutputDir: a.OutputDir,
		WorkDir:   a.WorkDir,
		Priority:  a.Priority,
	}
}

func ToNodeInfo(n core.Node) NodeInfo {
	return NodeInfo{
		NodeID:        n.ID.String(),
		Hostname:      n.Hostname,
		State:         string(n.State),
		RegisteredAt:  n.RegisteredAt,
		LastHeartbeat: n.LastHeartbeat,
	}
}

func toTaskCounts(c core.TaskCounts) TaskCounts {
	return TaskCounts{
		Total:     c.Total,
		Running:   c.Running,
		Succeeded: c.Succeeded,
		Failed:    c.Failed,
		Killed:    c.Killed,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
