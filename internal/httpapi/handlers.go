package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/t3chn0func/webio/internal/auth"
	"github.com/t3chn0func/webio/internal/call"
	"github.com/t3chn0func/webio/internal/history"
	"github.com/t3chn0func/webio/internal/provider"
	"github.com/t3chn0func/webio/internal/session"
	"github.com/t3chn0func/webio/internal/stats"
	"github.com/t3chn0func/webio/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Orchestrator *session.Orchestrator
	Auth         *auth.Manager
	Logs         history.Repository
	Metrics      *stats.Collector

	// WSBase is the externally reachable websocket base URL, e.g.
	// "wss://gw.example.com".
	WSBase  string
	Version string

	// AllowDevLogin enables the credential-less login endpoint. Must stay
	// off in production, where tokens come from the real identity provider.
	AllowDevLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT access token without checking credentials, for local
// development only; it refuses to serve unless explicitly enabled.
func (h Handlers) Login(c *gin.Context) {
	if !h.AllowDevLogin {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "login disabled", nil)
		return
	}
	if h.Auth == nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "auth not configured", nil)
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json", nil)
		return
	}
	if req.UserID == "" || req.Role == "" {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "user_id and role required", nil)
		return
	}
	tok, err := h.Auth.Issue(time.Now(), req.UserID, req.Role)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "token issuance failed", nil)
		return
	}
	respond(c, http.StatusOK, gin.H{"access_token": tok})
}

// --- Calls ---

type createCallRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	CallType string `json:"callType"`
	Provider string `json:"provider"`
}

type createCallData struct {
	call.Session
	Duration  int                       `json:"duration"`
	WSURL     string                    `json:"wsUrl"`
	SBCConfig provider.ConnectionParams `json:"sbcConfig"`
}

func (h Handlers) CreateCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json", nil)
		return
	}

	res, err := h.Orchestrator.StartCall(c.Request.Context(), session.StartRequest{
		ParticipantName:    strings.TrimSpace(req.Name),
		ParticipantAddress: strings.TrimSpace(req.Phone),
		MediaKind:          call.MediaKind(req.CallType),
		ProviderID:         req.Provider,
	})
	if err != nil {
		h.respondCallError(c, err)
		return
	}

	logger.FromGin(c).Info("call created", "call_id", res.Session.ID, "provider_id", res.Session.ProviderID)

	respond(c, http.StatusCreated, createCallData{
		Session:   res.Session,
		WSURL:     h.wsURL(res.Session.ID, res.Session.ProviderID),
		SBCConfig: res.Params,
	})
}

type callData struct {
	call.Session
	Duration int `json:"duration"`
}

func (h Handlers) GetCall(c *gin.Context) {
	sess, elapsed, err := h.Orchestrator.Status(c.Param("callId"))
	if err != nil {
		h.respondCallError(c, err)
		return
	}
	respond(c, http.StatusOK, callData{Session: sess, Duration: elapsed})
}

func (h Handlers) ListCalls(c *gin.Context) {
	sessions := h.Orchestrator.List()
	now := time.Now()
	out := make([]callData, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, callData{Session: s, Duration: s.DurationSeconds(now)})
	}
	respond(c, http.StatusOK, gin.H{"calls": out, "count": len(out)})
}

type actionRequest struct {
	Action    string `json:"action"`
	DTMFDigit string `json:"dtmfDigit,omitempty"`
}

type actionData struct {
	call.Session
	Duration      int    `json:"duration"`
	Action        string `json:"action"`
	ActionSuccess bool   `json:"actionSuccess"`
}

func (h Handlers) PostAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json", nil)
		return
	}

	act := call.Action(req.Action)
	if !call.UserAction(act) {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT",
			fmt.Sprintf("unknown action %q", req.Action), nil)
		return
	}

	sess, err := h.Orchestrator.Apply(c.Request.Context(), c.Param("callId"), act, req.DTMFDigit)
	if err != nil {
		h.respondCallError(c, err)
		return
	}
	respond(c, http.StatusOK, actionData{
		Session:       sess,
		Duration:      sess.DurationSeconds(time.Now()),
		Action:        req.Action,
		ActionSuccess: true,
	})
}

// respondCallError maps registry/orchestrator sentinels to the API error
// contract.
func (h Handlers) respondCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, call.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "call not found", nil)
	case errors.Is(err, call.ErrValidation):
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, call.ErrInvalidProvider), errors.Is(err, provider.ErrUnknownProvider):
		respondError(c, http.StatusBadRequest, "INVALID_PROVIDER", err.Error(), nil)
	case errors.Is(err, call.ErrInvalidArgument):
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, call.ErrInvalidTransition):
		respondError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, session.ErrProviderBusy):
		respondError(c, http.StatusTooManyRequests, "CONCURRENCY_LIMIT", err.Error(), nil)
	default:
		logger.FromGin(c).Error("call operation failed", "err", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func (h Handlers) wsURL(callID, providerID string) string {
	return fmt.Sprintf("%s/api/v1/ws/calls/%s/%s", strings.TrimRight(h.WSBase, "/"), callID, providerID)
}

// --- Call logs ---

func (h Handlers) ListCallLogs(c *gin.Context) {
	if h.Logs == nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "history not configured", nil)
		return
	}

	f := history.Filters{
		ParticipantName:    c.Query("customerName"),
		ParticipantAddress: c.Query("ani"),
	}
	var err error
	if f.StartDate, err = parseDate(c.Query("startDate")); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid startDate", nil)
		return
	}
	if f.EndDate, err = parseDate(c.Query("endDate")); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid endDate", nil)
		return
	}

	recs, err := h.Logs.List(c.Request.Context(), f)
	if err != nil {
		logger.FromGin(c).Error("call log query failed", "err", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "call log query failed", nil)
		return
	}
	respond(c, http.StatusOK, gin.H{"logs": recs, "count": len(recs)})
}

func (h Handlers) GetCallLog(c *gin.Context) {
	if h.Logs == nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "history not configured", nil)
		return
	}
	rec, ok, err := h.Logs.Get(c.Request.Context(), c.Param("callId"))
	if err != nil {
		logger.FromGin(c).Error("call log lookup failed", "err", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "call log lookup failed", nil)
		return
	}
	if !ok {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "call log not found", nil)
		return
	}
	respond(c, http.StatusOK, rec)
}

// parseDate accepts RFC3339 timestamps or bare dates.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// --- Ops ---

func (h Handlers) Health(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) VersionInfo(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"service": "webio-gateway", "version": h.Version})
}

func (h Handlers) CallStatistics(c *gin.Context) {
	if h.Metrics == nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "stats not configured", nil)
		return
	}
	respond(c, http.StatusOK, h.Metrics.Snapshot())
}
