package rest

import "time"

type SubmitJobRequest struct {
	Name          string            `json:"name"`
	InputPatterns []string          `json:"input_patterns"`
	OutputDir     string            `json:"output_dir"`
	Reducers      int               `json:"reducers"`
	Priority      int               `json:"priority"`
	ACLs          map[string]string `json:"acls,omitempty"`
}

type SubmitJobResponse struct {
	JobID       string    `json:"job_id"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	Links       Links     `json:"links"`
}

type Links struct {
	Self string `json:"self"`
}

type GetJobResponse struct {
	JobID       string         `json:"job_id"`
	Name        string         `json:"name"`
	User        string         `json:"user"`
	State       string         `json:"state"`
	Priority    int            `json:"priority"`
	Uber        bool           `json:"uber"`
	Progress    ProgressInfo   `json:"progress"`
	Maps        TaskCounts     `json:"maps"`
	Reduces     TaskCounts     `json:"reduces"`
	Diagnostics []string       `json:"diagnostics"`
	Timestamps  TimestampsInfo `json:"timestamps"`
}

type ProgressInfo struct {
	Setup  float32 `json:"setup"`
	Map    float32 `json:"map"`
	Reduce float32 `json:"reduce"`
	Commit float32 `json:"commit"`
}

type TaskCounts struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Killed    int `json:"killed"`
}

type TimestampsInfo struct {
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
}

type ListJobsResponse struct {
	Jobs       []JobSummary `json:"jobs"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

type JobSummary struct {
	JobID       string     `json:"job_id"`
	Name        string     `json:"name"`
	User        string     `json:"user"`
	State       string     `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type JobStateResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type SetPriorityRequest struct {
	Priority int `json:"priority"`
}

type GetTasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

type TaskInfo struct {
	TaskID   string        `json:"task_id"`
	Kind     string        `json:"kind"`
	State    string        `json:"state"`
	Attempts []AttemptInfo `json:"attempts"`
}

type AttemptInfo struct {
	AttemptID  string     `json:"attempt_id"`
	State      string     `json:"state"`
	NodeID     string     `json:"node_id,omitempty"`
	Diagnostic string     `json:"diagnostic,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	FinishTime *time.Time `json:"finish_time,omitempty"`
}

// AttemptAssignmentResponse is the work order handed to a polling executor.
type AttemptAssignmentResponse struct {
	AttemptID string    `json:"attempt_id"`
	Kind      string    `json:"kind"`
	Split     SplitInfo `json:"split"`
	Partition int       `json:"partition"`
	Reducers  int       `json:"reducers"`
	OutputDir string    `json:"output_dir"`
	WorkDir   string    `json:"work_dir"`
	Priority  int       `json:"priority"`
}

type SplitInfo struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

type AttemptStatusRequest struct {
	State      string `json:"state"`
	NodeID     string `json:"node_id,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// AttemptStatusResponse carries the controller's kill directive back to the
// executor that reported.
type AttemptStatusResponse struct {
	Kill bool `json:"kill"`
}

type NodeHeartbeatRequest struct {
	Hostname string `json:"hostname,omitempty"`
}

type ListNodesResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

type NodeInfo struct {
	NodeID        string    `json:"node_id"`
	Hostname      string    `json:"hostname,omitempty"`
	State         string    `json:"state"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Jobs   int    `json:"jobs"`
	Nodes  int    `json:"nodes"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
