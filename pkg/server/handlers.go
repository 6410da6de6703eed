package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/directord/internal/bus"
	"github.com/fyrsmithlabs/directord/internal/checkpoint"
	"github.com/fyrsmithlabs/directord/internal/contextstore"
	"github.com/fyrsmithlabs/directord/internal/department"
	"github.com/fyrsmithlabs/directord/internal/director"
	"github.com/fyrsmithlabs/directord/internal/registry"
)

// httpError maps service sentinels onto HTTP status codes. Unmapped
// errors fall through to echo's default 500 handling.
func httpError(err error) error {
	if err == nil {
		return nil
	}

	switch director.CodeOf(err) {
	case director.CodeWorkflowNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case director.CodeMaxSessionsExceeded:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case director.CodeInvalidState:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	switch {
	case errors.Is(err, registry.ErrSessionNotFound),
		errors.Is(err, registry.ErrDepartmentNotFound),
		errors.Is(err, registry.ErrCheckpointNotFound),
		errors.Is(err, checkpoint.ErrCheckpointNotFound),
		errors.Is(err, contextstore.ErrItemNotFound),
		errors.Is(err, contextstore.ErrWindowNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrDuplicateID),
		errors.Is(err, registry.ErrDuplicateSession),
		errors.Is(err, registry.ErrSessionTerminated),
		errors.Is(err, checkpoint.ErrCheckpointTooRecent):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidEntity),
		errors.Is(err, registry.ErrPathTraversal),
		errors.Is(err, director.ErrInvalidWorkflow),
		errors.Is(err, contextstore.ErrInvalidItem),
		errors.Is(err, bus.ErrInvalidMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                `json:"status"`
	Registry registry.HealthStatus `json:"registry"`
	Bus      bus.Stats             `json:"bus"`
}

func (s *Server) handleHealth(c echo.Context) error {
	health := s.registry.HealthCheck(c.Request().Context())
	status := "ok"
	if health.State != registry.HealthHealthy {
		status = health.State
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   status,
		Registry: health,
		Bus:      s.bus.Stats(),
	})
}

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Workspace string            `json:"workspace,omitempty"`
	Branch    string            `json:"branch,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.GetAllSessions())
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := s.registry.RegisterSession(&registry.Session{
		Type:      req.Type,
		Name:      req.Name,
		Workspace: req.Workspace,
		Branch:    req.Branch,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.registry.GetSession(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleTerminateSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.registry.TerminateSession(id); err != nil {
		return httpError(err)
	}
	// The registry cascade removed the records; stop the live executors too.
	if s.departments != nil {
		s.departments.CloseSession(c.Request().Context(), id)
	}
	return c.NoContent(http.StatusNoContent)
}

// CreateWorkflowRequest is the body of POST /api/v1/workflows.
type CreateWorkflowRequest struct {
	SessionID string          `json:"sessionId"`
	Name      string          `json:"name"`
	Steps     []director.Step `json:"steps"`
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	if s.director == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "director not running")
	}
	return c.JSON(http.StatusOK, s.director.ListWorkflows(c.Request().Context(), c.QueryParam("session")))
}

func (s *Server) handleCreateWorkflow(c echo.Context) error {
	if s.director == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "director not running")
	}
	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	wf, err := s.director.CreateWorkflow(c.Request().Context(), req.SessionID, req.Name, req.Steps)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	if s.director == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "director not running")
	}
	wf, err := s.director.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleStartWorkflow(c echo.Context) error {
	if s.director == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "director not running")
	}
	ctx := c.Request().Context()
	if err := s.director.StartWorkflow(ctx, c.Param("id")); err != nil {
		return httpError(err)
	}
	wf, err := s.director.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleListDepartments(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.GetAllDepartments())
}

// CreateDepartmentRequest is the body of POST /api/v1/departments.
type CreateDepartmentRequest struct {
	Name      string `json:"name"`
	Domain    string `json:"domain"`
	SessionID string `json:"sessionId"`
}

// DepartmentResponse pairs the registry record with live metrics.
type DepartmentResponse struct {
	Department *registry.Department `json:"department"`
	Metrics    department.Metrics   `json:"metrics"`
}

func (s *Server) handleCreateDepartment(c echo.Context) error {
	if s.departments == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "department host not running")
	}
	var req CreateDepartmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	dept, err := s.departments.Create(c.Request().Context(), req.Name, req.Domain, req.SessionID)
	if err != nil {
		if errors.Is(err, department.ErrDepartmentExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return httpError(err)
	}
	rec, err := s.registry.GetDepartment(dept.ID())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, DepartmentResponse{Department: rec, Metrics: dept.Metrics()})
}

func (s *Server) handleDepartmentMetrics(c echo.Context) error {
	if s.departments == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "department host not running")
	}
	dept, ok := s.departments.Get(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "department not hosted")
	}
	return c.JSON(http.StatusOK, dept.Metrics())
}

// CreateCheckpointRequest is the body of POST /api/v1/checkpoints.
type CreateCheckpointRequest struct {
	Name      string   `json:"name"`
	SessionID string   `json:"sessionId,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// RestoreRequest is the body of POST /api/v1/checkpoints/:id/restore. A
// missing body restores registry state only, with a safety backup.
type RestoreRequest struct {
	BackupFirst    *bool `json:"backupFirst,omitempty"`
	RestoreGit     bool  `json:"restoreGit,omitempty"`
	RestoreContext bool  `json:"restoreContext,omitempty"`
	Overwrite      bool  `json:"overwrite,omitempty"`
}

func (s *Server) handleListCheckpoints(c echo.Context) error {
	if s.checkpoint == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "checkpoint manager not running")
	}
	cps, err := s.checkpoint.List(c.Request().Context(), c.QueryParam("session"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cps)
}

func (s *Server) handleCreateCheckpoint(c echo.Context) error {
	if s.checkpoint == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "checkpoint manager not running")
	}
	var req CreateCheckpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cp, err := s.checkpoint.Create(c.Request().Context(), checkpoint.CreateInput{
		Name:      req.Name,
		SessionID: req.SessionID,
		Tags:      req.Tags,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cp)
}

func (s *Server) handleGetCheckpoint(c echo.Context) error {
	if s.checkpoint == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "checkpoint manager not running")
	}
	cp, err := s.checkpoint.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cp)
}

// VerifyResponse is the body of GET /api/v1/checkpoints/:id/verify.
type VerifyResponse struct {
	CheckpointID string `json:"checkpointId"`
	Valid        bool   `json:"valid"`
	Detail       string `json:"detail,omitempty"`
}

func (s *Server) handleVerifyCheckpoint(c echo.Context) error {
	if s.checkpoint == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "checkpoint manager not running")
	}
	id := c.Param("id")
	err := s.checkpoint.Verify(c.Request().Context(), id)
	if errors.Is(err, checkpoint.ErrChecksumMismatch) {
		return c.JSON(http.StatusOK, VerifyResponse{CheckpointID: id, Valid: false, Detail: err.Error()})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, VerifyResponse{CheckpointID: id, Valid: true})
}

func (s *Server) handleRestoreCheckpoint(c echo.Context) error {
	if s.checkpoint == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "checkpoint manager not running")
	}
	var req RestoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	backup := true
	if req.BackupFirst != nil {
		backup = *req.BackupFirst
	}
	res, err := s.checkpoint.Restore(c.Request().Context(), c.Param("id"), checkpoint.RestoreOptions{
		BackupFirst:    backup,
		RestoreGit:     req.RestoreGit,
		RestoreContext: req.RestoreContext,
		Overwrite:      req.Overwrite,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDeleteCheckpoint(c echo.Context) error {
	if s.checkpoint == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "checkpoint manager not running")
	}
	force := c.QueryParam("force") == "true"
	if err := s.checkpoint.Delete(c.Request().Context(), c.Param("id"), force); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AddContextRequest is the body of POST /api/v1/context/:session.
type AddContextRequest struct {
	Type       string         `json:"type"`
	Content    map[string]any `json:"content"`
	Importance float64        `json:"importance,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}

func (s *Server) handleListContext(c echo.Context) error {
	if s.context == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "context store not running")
	}
	return c.JSON(http.StatusOK, s.context.ListItems(c.Param("session")))
}

func (s *Server) handleAddContext(c echo.Context) error {
	if s.context == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "context store not running")
	}
	var req AddContextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	item := contextstore.NewItem(c.Param("session"), contextstore.ItemType(req.Type), req.Content)
	item.Importance = req.Importance
	item.Confidence = req.Confidence
	item.Tags = req.Tags
	stored, err := s.context.AddItem(c.Request().Context(), item)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleSearchContext(c echo.Context) error {
	if s.context == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "context store not running")
	}
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter q is required")
	}
	limit := 5
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	results, err := s.context.Search(c.Request().Context(), c.Param("session"), query, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, results)
}

// StatsResponse aggregates the state the monitor dashboard renders.
type StatsResponse struct {
	Timestamp        time.Time                `json:"timestamp"`
	Bus              bus.Stats                `json:"bus"`
	Registry         registry.Stats           `json:"registry"`
	ActiveWorkflows  int                      `json:"activeWorkflows"`
	ContextConflicts int                      `json:"contextConflicts"`
	Sessions         []*registry.Session      `json:"sessions"`
	Workflows        []*director.Workflow     `json:"workflows"`
	Checkpoints      []*checkpoint.Checkpoint `json:"checkpoints"`
}

func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatsResponse{
		Timestamp: time.Now().UTC(),
		Bus:       s.bus.Stats(),
		Registry:  s.registry.Stats(),
		Sessions:  s.registry.GetAllSessions(),
	}
	if s.director != nil {
		resp.ActiveWorkflows = s.director.ActiveCount()
		resp.Workflows = s.director.ListWorkflows(ctx, "")
	}
	if s.checkpoint != nil {
		if cps, err := s.checkpoint.List(ctx, ""); err == nil {
			resp.Checkpoints = cps
		}
	}
	if s.context != nil {
		for _, sess := range resp.Sessions {
			resp.ContextConflicts += len(s.context.Conflicts(sess.ID))
		}
	}
	return c.JSON(http.StatusOK, resp)
}
