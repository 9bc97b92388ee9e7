package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/relay/internal/common/errors"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/environment"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/hub"
	"github.com/kandev/relay/internal/journal"
	"github.com/kandev/relay/internal/sandbox"
	"github.com/kandev/relay/internal/session"
)

const defaultEventsPageSize = 200
const eventSourceRelayAPI = "relay-api"

// Handler holds the dependencies the session and event endpoints need.
type Handler struct {
	sessions     session.Store
	environments *environment.Registry
	sandboxes    *sandbox.Manager
	hubs         *hub.Registry
	journal      journal.Journal
	eventBus     bus.EventBus
	logger       *logger.Logger
}

// NewHandler builds the session API handler set. eventBus may be nil, in
// which case session lifecycle events are simply not published.
func NewHandler(
	sessions session.Store,
	environments *environment.Registry,
	sandboxes *sandbox.Manager,
	hubs *hub.Registry,
	j journal.Journal,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Handler {
	return &Handler{
		sessions:     sessions,
		environments: environments,
		sandboxes:    sandboxes,
		hubs:         hubs,
		journal:      j,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "session_api")),
	}
}

// publishLifecycleEvent is a best-effort notification; a publish failure
// never fails the HTTP request that triggered it.
func (h *Handler) publishLifecycleEvent(sessionID, eventType string) {
	if h.eventBus == nil {
		return
	}
	evt := bus.NewEvent(eventType, eventSourceRelayAPI, map[string]interface{}{"sessionId": sessionID})
	if err := h.eventBus.Publish(context.Background(), "relay.session."+eventType, evt); err != nil {
		h.logger.Warn("failed to publish session lifecycle event", zap.String("session_id", sessionID), zap.String("event_type", eventType), zap.Error(err))
	}
}

// CreateSession provisions a session and its sandbox.
// POST /api/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	mode := session.Mode(req.Mode)
	if mode != session.ModeChat && mode != session.ModeCode {
		appErr := apperrors.BadRequest("mode must be 'chat' or 'code'")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	envCfg, err := h.environments.Resolve(ctx, req.EnvironmentID)
	if err != nil {
		appErr := apperrors.Wrap(err, "resolve environment config")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sess := &session.Session{
		ID:            uuid.New().String(),
		Mode:          mode,
		Status:        session.StatusCreating,
		EnvironmentID: envCfg.ID,
		RepositoryURL: req.RepositoryURL,
		Branch:        req.Branch,
		DataDir:       "/var/lib/relay/sessions/" + uuid.New().String(),
	}
	if err := h.sessions.Create(ctx, sess); err != nil {
		appErr := apperrors.Wrap(err, "create session record")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sandboxCfg := environment.ToSandboxConfig(envCfg, req.RepositoryURL, req.Branch)
	chatMode := mode == session.ModeChat
	handle, err := h.sandboxes.CreateForSession(ctx, sess.ID, sandboxCfg, chatMode, nil)
	if err != nil {
		_ = h.sessions.UpdateStatus(ctx, sess.ID, session.StatusError)
		h.publishLifecycleEvent(sess.ID, "error")
		appErr := apperrors.Wrap(err, "create sandbox")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.sessions.UpdateSandboxBinding(ctx, sess.ID, string(handle.ProviderType()), handle.ProviderID()); err != nil {
		h.logger.Warn("failed to persist sandbox binding", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if err := h.sessions.UpdateStatus(ctx, sess.ID, session.StatusActive); err != nil {
		h.logger.Warn("failed to mark session active", zap.String("session_id", sess.ID), zap.Error(err))
	}

	sessionHub := h.hubs.GetOrCreate(sess.ID)
	if err := sessionHub.AttachSandbox(ctx); err != nil {
		h.logger.Warn("failed to attach sandbox to hub", zap.String("session_id", sess.ID), zap.Error(err))
	}

	got, err := h.sessions.Get(ctx, sess.ID)
	if err != nil {
		appErr := apperrors.Wrap(err, "reload created session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.publishLifecycleEvent(sess.ID, "created")
	c.JSON(http.StatusCreated, toSessionResponse(got))
}

// ListSessions lists every known session.
// GET /api/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context())
	if err != nil {
		appErr := apperrors.Wrap(err, "list sessions")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for i := range sessions {
		resp = append(resp, toSessionResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: resp, Total: len(resp)})
}

// GetSession returns one session.
// GET /api/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		appErr := apperrors.Wrap(err, "get session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// ActivateSession reconnects an idle session's sandbox.
// POST /api/sessions/:id/activate
func (h *Handler) ActivateSession(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		appErr := apperrors.Wrap(err, "get session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if _, ok := h.sandboxes.GetHandle(sess.ID); !ok {
		envCfg, err := h.environments.Resolve(ctx, sess.EnvironmentID)
		if err != nil {
			appErr := apperrors.Wrap(err, "resolve environment config")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		sandboxCfg := environment.ToSandboxConfig(envCfg, sess.RepositoryURL, sess.Branch)
		providerType := sandbox.ProviderType(sess.SandboxProviderType)
		if _, err := h.sandboxes.ResumeSession(ctx, sess.ID, providerType, sess.SandboxProviderID, sandboxCfg); err != nil {
			appErr := apperrors.Wrap(err, "resume sandbox")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	sessionHub := h.hubs.GetOrCreate(sess.ID)
	if err := sessionHub.AttachSandbox(ctx); err != nil {
		appErr := apperrors.Wrap(err, "attach sandbox")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := h.sessions.UpdateStatus(ctx, sess.ID, session.StatusActive); err != nil {
		appErr := apperrors.Wrap(err, "update session status")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	got, err := h.sessions.Get(ctx, sess.ID)
	if err != nil {
		appErr := apperrors.Wrap(err, "reload session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(got))
}

// ArchiveSession tears a session's sandbox down for good and disconnects
// its clients; the session row itself is retained.
// POST /api/sessions/:id/archive
func (h *Handler) ArchiveSession(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if err := h.sandboxes.TerminateByProviderID(ctx, id); err != nil {
		h.logger.Warn("failed to terminate sandbox on archive", zap.String("session_id", id), zap.Error(err))
	}
	h.hubs.Forget(id)

	if err := h.sessions.UpdateStatus(ctx, id, session.StatusArchived); err != nil {
		appErr := apperrors.Wrap(err, "archive session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	got, err := h.sessions.Get(ctx, id)
	if err != nil {
		appErr := apperrors.Wrap(err, "reload session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.publishLifecycleEvent(id, "archived")
	c.JSON(http.StatusOK, toSessionResponse(got))
}

// DeleteSession removes a session and its sandbox entirely.
// DELETE /api/sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if err := h.sandboxes.TerminateByProviderID(ctx, id); err != nil {
		h.logger.Warn("failed to terminate sandbox on delete", zap.String("session_id", id), zap.Error(err))
	}
	h.hubs.Forget(id)

	if err := h.sessions.Delete(ctx, id); err != nil {
		appErr := apperrors.Wrap(err, "delete session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.publishLifecycleEvent(id, "deleted")
	c.JSON(http.StatusOK, gin.H{"message": "session deleted"})
}

// GetEvents returns a page of journaled events after afterSeq.
// GET /api/sessions/:id/events?afterSeq=N&limit=M
func (h *Handler) GetEvents(c *gin.Context) {
	id := c.Param("id")

	afterSeq, err := strconv.ParseInt(c.DefaultQuery("afterSeq", "0"), 10, 64)
	if err != nil {
		appErr := apperrors.BadRequest("afterSeq must be an integer")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEventsPageSize)))
	if err != nil || limit <= 0 {
		appErr := apperrors.BadRequest("limit must be a positive integer")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	events, lastSeq, err := h.journal.RangeAfter(c.Request.Context(), id, afterSeq, limit)
	if err != nil {
		appErr := apperrors.Wrap(err, "range events")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := make([]EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, EventResponse{Seq: e.Seq, Type: e.Type, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	c.JSON(http.StatusOK, EventsPageResponse{Events: resp, LastSeq: lastSeq})
}

// GetSessionLogs returns the bounded ring of recent lifecycle log lines
// the sandbox manager has captured for this session (provider creation,
// pause/resume, channel errors), for operator diagnostics rather than
// sandbox stdout/stderr, which clients already get through the event
// stream.
// GET /api/sessions/:id/logs
func (h *Handler) GetSessionLogs(c *gin.Context) {
	id := c.Param("id")
	lines := h.sandboxes.RecentLogs(id)
	c.JSON(http.StatusOK, SessionLogsResponse{Lines: lines})
}

// HealthCheck reports liveness.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

func toSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:                  s.ID,
		Mode:                string(s.Mode),
		Status:              string(s.Status),
		EnvironmentID:       s.EnvironmentID,
		RepositoryURL:       s.RepositoryURL,
		Branch:              s.Branch,
		SandboxProviderType: s.SandboxProviderType,
		LastActivityAt:      s.LastActivityAt,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}
