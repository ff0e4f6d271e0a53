// Package handler exposes the kiosk workflow and the admin approval surface
// over HTTP.
package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"kiosk/internal/auth"
	"kiosk/internal/devices"
	"kiosk/internal/kiosk"
	"kiosk/internal/matcher"
	"kiosk/internal/pickup"
	"kiosk/internal/registry"
	"kiosk/internal/scanner"
)

type Handler struct {
	sessions *kiosk.Manager
	registry *registry.Registry
	pickups  *pickup.Service
	signer   *auth.Signer
	devices  *devices.Service
	adminKey string
	checks   map[string]func(context.Context) bool
	log      zerolog.Logger
}

// Deps wires a Handler.
type Deps struct {
	Sessions *kiosk.Manager
	Registry *registry.Registry
	Pickups  *pickup.Service
	Signer   *auth.Signer
	Devices  *devices.Service
	// AdminKey is exchanged for admin tokens and guards device enrollment.
	// Empty disables admin tokens and leaves enrollment open.
	AdminKey string
	// Checks are reported by /healthz; any false answer makes it 503.
	Checks map[string]func(context.Context) bool
	Logger zerolog.Logger
}

func New(d Deps) *Handler {
	return &Handler{
		sessions: d.Sessions,
		registry: d.Registry,
		pickups:  d.Pickups,
		signer:   d.Signer,
		devices:  d.Devices,
		adminKey: d.AdminKey,
		checks:   d.Checks,
		log:      d.Logger.With().Str("component", "http").Logger(),
	}
}

// Routes mounts every endpoint on r. limit, when non-nil, runs after
// authentication so authenticated clients are limited per token subject.
func (h *Handler) Routes(r gin.IRouter, limit gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	if limit != nil {
		v1.Use(limit)
	}
	v1.POST("/devices/register", h.RegisterDevice)
	v1.POST("/devices/refresh", h.RefreshDevice)
	v1.POST("/admin/token", h.AdminToken)

	ks := r.Group("/v1/kiosk", auth.Require(h.signer, auth.RoleKiosk))
	if limit != nil {
		ks.Use(limit)
	}
	ks.POST("/sessions", h.CreateSession)
	ks.GET("/sessions/:id", h.GetSession)
	ks.POST("/sessions/:id/scan", h.Scan)
	ks.POST("/sessions/:id/retry", h.Retry)
	ks.POST("/sessions/:id/register", h.Register)
	ks.POST("/sessions/:id/actions", h.RecordAction)
	ks.POST("/sessions/:id/cancel", h.Cancel)

	adm := r.Group("/v1/admin", auth.Require(h.signer, auth.RoleAdmin))
	if limit != nil {
		adm.Use(limit)
	}
	adm.GET("/credentials", h.ListCredentials)
	adm.POST("/credentials/:id/approve", h.ApproveCredential)
	adm.DELETE("/credentials/:id", h.RejectCredential)
	adm.GET("/pickups", h.ListPickups)
	adm.POST("/pickups/:id/approve", h.ApprovePickup)
	adm.DELETE("/devices/:id", h.RevokeDevice)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Tokens ----------

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.adminKey != "" && !h.keyMatches(c.GetHeader("X-Api-Key")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "enrollment key required"})
		return
	}
	tokens, err := h.devices.Enroll(c.Request.Context(), req.DeviceID)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, tokens)
}

func (h *Handler) RefreshDevice(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := h.devices.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (h *Handler) AdminToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject" binding:"required"`
		APIKey  string `json:"api_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.adminKey == "" || !h.keyMatches(req.APIKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	tokens, err := h.signer.Issue(req.Subject, auth.RoleAdmin)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	h.log.Info().Str("subject", req.Subject).Msg("admin token issued")
	c.JSON(http.StatusCreated, tokens)
}

func (h *Handler) keyMatches(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) == 1
}

// ---------- Kiosk sessions ----------

func (h *Handler) CreateSession(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	s := h.sessions.Create(claims.Subject)
	v, err := s.Open(c.Request.Context())
	if err != nil {
		h.fail(c, err, &v)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.View())
}

func (h *Handler) Scan(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	v, err := s.Scan(c.Request.Context())
	h.respond(c, v, err)
}

func (h *Handler) Retry(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	v, err := s.Retry(c.Request.Context())
	h.respond(c, v, err)
}

// Register opens the registration form when called without a body, and
// submits it otherwise.
func (h *Handler) Register(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if c.Request.ContentLength == 0 {
		v, err := s.BeginRegistration()
		h.respond(c, v, err)
		return
	}
	var form kiosk.RegistrationForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := s.SubmitRegistration(c.Request.Context(), form)
	h.respond(c, v, err)
}

func (h *Handler) RecordAction(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		StudentID  string `json:"student_id" binding:"required"`
		ActionType string `json:"action_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action, err := pickup.ParseAction(req.ActionType)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	v, err := s.RecordAction(c.Request.Context(), req.StudentID, action)
	h.respond(c, v, err)
}

func (h *Handler) Cancel(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Cancel())
}

// session loads the session named in the path. Sessions of other kiosks
// are reported as missing.
func (h *Handler) session(c *gin.Context) (*kiosk.Session, bool) {
	s, err := h.sessions.Get(c.Param("id"))
	if err == nil {
		if claims, _ := auth.ClaimsFrom(c); claims.Subject != s.DeviceID() {
			err = kiosk.ErrSessionNotFound
		}
	}
	if err != nil {
		h.fail(c, err, nil)
		return nil, false
	}
	return s, true
}

func (h *Handler) respond(c *gin.Context, v kiosk.View, err error) {
	if err != nil {
		h.fail(c, err, &v)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ---------- Admin ----------

func (h *Handler) ListCredentials(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		creds []registry.Credential
		err   error
	)
	switch c.Query("state") {
	case string(registry.StatePending):
		creds, err = h.registry.ListPending(ctx)
	case string(registry.StateApproved):
		creds, err = h.registry.ListApproved(ctx)
	case "":
		var approved []registry.Credential
		if creds, err = h.registry.ListPending(ctx); err == nil {
			approved, err = h.registry.ListApproved(ctx)
			creds = append(creds, approved...)
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be pending or approved"})
		return
	}
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	if creds == nil {
		creds = []registry.Credential{}
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

func (h *Handler) ApproveCredential(c *gin.Context) {
	cred, err := h.registry.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, cred)
}

func (h *Handler) RejectCredential(c *gin.Context) {
	if err := h.registry.Reject(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListPickups(c *gin.Context) {
	f := pickup.Filter{StudentID: c.Query("student_id")}
	if v := c.Query("approved"); v != "" {
		approved, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "approved must be true or false"})
			return
		}
		f.Approved = &approved
	}
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, err := h.pickups.List(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	if events == nil {
		events = []pickup.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) ApprovePickup(c *gin.Context) {
	evt, err := h.pickups.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, evt)
}

// RevokeDevice invalidates a kiosk's refresh tokens and ends its live
// sessions. Access tokens already issued stay valid until they expire.
func (h *Handler) RevokeDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if err := h.devices.Revoke(c.Request.Context(), deviceID); err != nil {
		h.fail(c, err, nil)
		return
	}
	n := h.sessions.RemoveDevice(deviceID)
	h.log.Info().Str("device_id", deviceID).Int("sessions", n).Msg("device revoked")
	c.Status(http.StatusNoContent)
}

// ---------- Errors ----------

func (h *Handler) fail(c *gin.Context, err error, v *kiosk.View) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
	}
	_ = c.Error(err)
	body := gin.H{"error": err.Error()}
	if v != nil {
		body["session"] = v
	}
	c.JSON(status, body)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kiosk.ErrSessionNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, pickup.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrValidation),
		errors.Is(err, pickup.ErrInvalidEvent),
		errors.Is(err, devices.ErrInvalidDevice):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, devices.ErrTokenRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, kiosk.ErrStudentNotLinked):
		return http.StatusForbidden
	case errors.Is(err, kiosk.ErrInvalidTransition),
		errors.Is(err, kiosk.ErrBusy),
		errors.Is(err, kiosk.ErrAlreadyRecorded):
		return http.StatusConflict
	case errors.Is(err, scanner.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, scanner.ErrCaptureTimeout),
		errors.Is(err, scanner.ErrCaptureQuality),
		errors.Is(err, scanner.ErrProtocol),
		errors.Is(err, matcher.ErrNoCandidateChecked):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
