// Package rest exposes the controller over HTTP: job submission and control
// for clients, attempt polling and status reporting for executors, and node
// liveness. Callers identify themselves with the X-Remote-User header; job
// ACLs decide what that identity may see or do.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/controller/job"
	"github.com/gridmr/gridmr/internal/controller/service"
	"github.com/gridmr/gridmr/internal/controller/storage"
	"github.com/gridmr/gridmr/internal/shared/config"
	"github.com/gridmr/gridmr/internal/shared/logging"
)

type API struct {
	ctrl   *service.Controller
	logger logging.Logger
}

func NewAPI(ctrl *service.Controller, logger logging.Logger) *API {
	return &API{ctrl: ctrl, logger: logger}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", a.submitJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("POST /api/jobs/{id}/kill", a.killJob)
	mux.HandleFunc("PUT /api/jobs/{id}/priority", a.setJobPriority)
	mux.HandleFunc("GET /api/jobs/{id}/tasks", a.getJobTasks)
	mux.HandleFunc("GET /api/attempts/next", a.nextAttempt)
	mux.HandleFunc("POST /api/attempts/{id}/status", a.reportAttempt)
	mux.HandleFunc("GET /api/nodes", a.listNodes)
	mux.HandleFunc("POST /api/nodes/{id}/heartbeat", a.nodeHeartbeat)
	mux.HandleFunc("POST /api/nodes/{id}/unusable", a.nodeUnusable)
	mux.HandleFunc("GET /api/health", a.health)
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	spec := req.ToSpec(requestUser(r))
	if err := spec.Validate(); err != nil {
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	id, err := a.ctrl.SubmitJob(r.Context(), spec)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "job submission failed", err.Error())
		return
	}

	j, err := a.ctrl.GetJob(id)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "job submission failed", err.Error())
		return
	}
	report := j.Report()

	a.respondJSON(w, http.StatusCreated, SubmitJobResponse{
		JobID:       id.String(),
		State:       string(report.State),
		SubmittedAt: report.SubmitTime,
		Links:       Links{Self: "/api/jobs/" + id.String()},
	})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	stateFilter := query.Get("state")

	limit := 10
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	offset := 0
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	user := requestUser(r)
	summaries := make([]JobSummary, 0)
	for _, j := range a.ctrl.ListJobs() {
		if !j.CheckAccess(user, core.ACLViewJob) {
			continue
		}
		report := j.Report()
		if stateFilter != "" && string(report.State) != stateFilter {
			continue
		}
		summaries = append(summaries, ToJobSummary(report))
	}
	sort.Slice(summaries, func(i, k int) bool { return summaries[i].JobID < summaries[k].JobID })

	total := len(summaries)
	start := min(offset, total)
	end := min(start+limit, total)

	var nextOffset *int
	if end < total {
		next := end
		nextOffset = &next
	}

	a.respondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:       summaries[start:end],
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		NextOffset: nextOffset,
	})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	j, ok := a.resolveJob(w, r, core.ACLViewJob)
	if !ok {
		return
	}
	a.respondJSON(w, http.StatusOK, ToGetJobResponse(j.Report()))
}

func (a *API) killJob(w http.ResponseWriter, r *http.Request) {
	id, err := core.ParseJobID(r.PathValue("id"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed job id", err.Error())
		return
	}
	if err := a.ctrl.KillJob(id, requestUser(r)); err != nil {
		a.respondServiceError(w, err)
		return
	}
	j, err := a.ctrl.GetJob(id)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusAccepted, JobStateResponse{
		JobID: id.String(),
		State: string(j.ExternalState()),
	})
}

func (a *API) setJobPriority(w http.ResponseWriter, r *http.Request) {
	id, err := core.ParseJobID(r.PathValue("id"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed job id", err.Error())
		return
	}
	var req SetPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := a.ctrl.SetJobPriority(id, requestUser(r), req.Priority); err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, JobStateResponse{
		JobID: id.String(),
		State: "PRIORITY_UPDATED",
	})
}

func (a *API) getJobTasks(w http.ResponseWriter, r *http.Request) {
	j, ok := a.resolveJob(w, r, core.ACLViewJob)
	if !ok {
		return
	}
	reports := j.TaskReports()
	tasks := make([]TaskInfo, 0, len(reports))
	for _, report := range reports {
		tasks = append(tasks, ToTaskInfo(report))
	}
	a.respondJSON(w, http.StatusOK, GetTasksResponse{Tasks: tasks})
}

// nextAttempt hands one queued attempt to the polling executor. 204 means
// nothing is ready; the executor polls again later.
func (a *API) nextAttempt(w http.ResponseWriter, r *http.Request) {
	node, err := uuid.Parse(r.URL.Query().Get("node"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed node id", err.Error())
		return
	}
	if hostname := r.URL.Query().Get("hostname"); hostname != "" {
		a.ctrl.NodeHeartbeat(node, hostname)
	}

	assignment, err := a.ctrl.NextAttempt(r.Context(), node)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "assignment failed", err.Error())
		return
	}
	if assignment == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.respondJSON(w, http.StatusOK, ToAssignmentResponse(assignment))
}

func (a *API) reportAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := core.ParseAttemptID(r.PathValue("id"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed attempt id", err.Error())
		return
	}
	var req AttemptStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	status := service.AttemptStatus{
		Attempt:    attempt,
		State:      core.AttemptState(req.State),
		Diagnostic: req.Diagnostic,
	}
	if req.NodeID != "" {
		node, err := uuid.Parse(req.NodeID)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "malformed node id", err.Error())
			return
		}
		status.Node = node
	}

	kill, err := a.ctrl.ReportAttempt(status)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, AttemptStatusResponse{Kill: kill})
}

func (a *API) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := a.ctrl.ListNodes()
	infos := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, ToNodeInfo(n))
	}
	a.respondJSON(w, http.StatusOK, ListNodesResponse{Nodes: infos})
}

// nodeHeartbeat and nodeUnusable publish onto the node topic rather than
// mutating the registry in the request goroutine, matching how internal node
// liveness flows through the dispatch fabric.
func (a *API) nodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	node, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed node id", err.Error())
		return
	}
	var req NodeHeartbeatRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	a.ctrl.Publish(core.NodeEvent{
		Node:     node,
		Kind:     core.NodeEventHeartbeat,
		Hostname: req.Hostname,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) nodeUnusable(w http.ResponseWriter, r *http.Request) {
	node, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed node id", err.Error())
		return
	}
	a.ctrl.Publish(core.NodeEvent{Node: node, Kind: core.NodeEventUnusable})
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Jobs:   len(a.ctrl.ListJobs()),
		Nodes:  len(a.ctrl.ListNodes()),
	})
}

// resolveJob parses the job id path value, loads the job and enforces the
// given ACL operation for the caller.
func (a *API) resolveJob(w http.ResponseWriter, r *http.Request, op core.ACLOperation) (*job.Job, bool) {
	id, err := core.ParseJobID(r.PathValue("id"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed job id", err.Error())
		return nil, false
	}
	j, err := a.ctrl.GetJob(id)
	if err != nil {
		a.respondServiceError(w, err)
		return nil, false
	}
	if !j.CheckAccess(requestUser(r), op) {
		a.respondError(w, http.StatusForbidden, "access denied", "")
		return nil, false
	}
	return j, true
}

func (a *API) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		a.respondError(w, http.StatusNotFound, "job not found", "")
	case errors.Is(err, storage.ErrNodeNotFound):
		a.respondError(w, http.StatusNotFound, "node not found", "")
	case errors.Is(err, service.ErrTaskNotFound):
		a.respondError(w, http.StatusNotFound, "task not found", "")
	case errors.Is(err, service.ErrAccessDenied):
		a.respondError(w, http.StatusForbidden, "access denied", "")
	case errors.Is(err, service.ErrJobFinished):
		a.respondError(w, http.StatusConflict, "job already finished", "")
	default:
		a.respondError(w, http.StatusBadRequest, "request failed", err.Error())
	}
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	}
	a.respondJSON(w, statusCode, resp)
}

// NewServer builds the HTTP server serving the API and, when given, the
// metrics handler.
func NewServer(cfg config.RESTConfig, api *API, metrics http.Handler, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	handler := ChainMiddleware(
		mux,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
