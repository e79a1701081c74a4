package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"callrelay/internal/audit"
	"callrelay/internal/auth"
	"callrelay/internal/calls"
	"callrelay/internal/config"
	"callrelay/internal/directory"
	"callrelay/internal/rbac"
	"callrelay/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Session   *session.Service
	Directory *directory.Service
	Auth      *auth.Manager
	Audit     *audit.Service
	ICE       []config.ICEServer
	// DevTokens enables POST /auth/dev-token. Never set in production.
	DevTokens bool
}

const defaultHistoryLimit = 50

// caller returns the authenticated identity or aborts with 401.
func caller(c *gin.Context) (calls.Identity, bool) {
	id, err := auth.Identity(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return "", false
	}
	return id, true
}

func pathIdentity(c *gin.Context) (calls.Identity, bool) {
	id, err := calls.ParseIdentity(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return id, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": calls.CodeInvalidArgument})
		return false
	}
	return true
}

/* ===================== AUTH ===================== */

type devTokenRequest struct {
	Identity string `json:"identity"`
}

type tokenResponse struct {
	Identity calls.Identity `json:"identity"`
	auth.TokenPair
}

// IssueDevToken mints a token pair for an arbitrary identity. A random
// identity is generated when none is given.
func (h Handlers) IssueDevToken(c *gin.Context) {
	var req devTokenRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	id := calls.Identity(req.Identity)
	if req.Identity == "" {
		id = calls.Identity(uuid.NewString())
	} else {
		var err error
		if id, err = calls.ParseIdentity(req.Identity); err != nil {
			writeError(c, err)
			return
		}
	}
	pair, err := h.Auth.IssuePair(time.Now(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse{Identity: id, TokenPair: pair})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h Handlers) RefreshToken(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req) {
		return
	}
	pair, err := h.Auth.Refresh(time.Now(), req.RefreshToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

/* ===================== ME / DIRECTORY ===================== */

func (h Handlers) Me(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"identity": id, "role": role})
}

func (h Handlers) Role(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	role, err := h.Session.Role(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role, "is_admin": rbac.IsAdmin(role)})
}

func (h Handlers) ICEServers(c *gin.Context) {
	servers := h.ICE
	if len(servers) == 0 {
		servers = config.DefaultICEServers()
	}
	c.JSON(http.StatusOK, gin.H{"ice_servers": servers})
}

func (h Handlers) SaveProfile(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var p directory.Profile
	if !bindJSON(c, &p) {
		return
	}
	rec, err := h.Directory.SaveProfile(c.Request.Context(), id, p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) GetProfile(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	h.writeProfile(c, id)
}

func (h Handlers) GetUserProfile(c *gin.Context) {
	id, ok := pathIdentity(c)
	if !ok {
		return
	}
	h.writeProfile(c, id)
}

func (h Handlers) writeProfile(c *gin.Context, id calls.Identity) {
	p, err := h.Directory.Profile(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) GetUserAvailability(c *gin.Context) {
	id, ok := pathIdentity(c)
	if !ok {
		return
	}
	available, err := h.Directory.IsAvailable(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id, "available": available})
}

type userView struct {
	Identity calls.Identity `json:"identity"`
	directory.Profile
}

func (h Handlers) LookupUser(c *gin.Context) {
	rec, err := h.Directory.ByPhone(c.Request.Context(), c.Query("phone"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, userView{Identity: rec.Identity, Profile: rec.Profile})
}

func (h Handlers) SetAvailable(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	if err := h.Session.SetAvailable(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) SetUnavailable(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	if err := h.Session.SetUnavailable(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) History(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, calls.ErrInvalidArgument)
			return
		}
		limit = n
	}
	events, err := h.Audit.Recent(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

/* ===================== CALLS ===================== */

func (h Handlers) GetCall(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	st, err := h.Session.GetCallStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, calls.RecordOf(st))
}

type initiateRequest struct {
	Callee string `json:"callee"`
	// Phone is resolved through the directory when Callee is empty.
	Phone string `json:"phone,omitempty"`
}

func (h Handlers) InitiateCall(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req initiateRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	callee := calls.Identity(req.Callee)
	if callee == "" && req.Phone != "" {
		var err error
		if callee, err = h.Directory.ResolveIdentity(ctx, req.Phone); err != nil {
			writeError(c, err)
			return
		}
	}
	if err := h.Session.InitiateCall(ctx, id, callee); err != nil {
		writeError(c, err)
		return
	}
	h.writeStatus(c, id)
}

func (h Handlers) AnswerCall(c *gin.Context) {
	h.transition(c, h.Session.AnswerCall)
}

func (h Handlers) DeclineCall(c *gin.Context) {
	h.transition(c, h.Session.DeclineCall)
}

func (h Handlers) EndCall(c *gin.Context) {
	h.transition(c, h.Session.EndCall)
}

func (h Handlers) EnableScreenCast(c *gin.Context) {
	h.transition(c, h.Session.EnableScreenCast)
}

func (h Handlers) DisableScreenCast(c *gin.Context) {
	h.transition(c, h.Session.DisableScreenCast)
}

// transition runs a single-identity session operation and replies with the
// caller's resulting status.
func (h Handlers) transition(c *gin.Context, op func(ctx context.Context, id calls.Identity) error) {
	id, ok := caller(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.writeStatus(c, id)
}

func (h Handlers) writeStatus(c *gin.Context, id calls.Identity) {
	st, err := h.Session.GetCallStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, calls.RecordOf(st))
}

/* ===================== SIGNALS ===================== */

type sendSignalRequest struct {
	Target  string           `json:"target"`
	Kind    calls.SignalKind `json:"kind"`
	Payload string           `json:"payload,omitempty"`
}

func (h Handlers) SendSignal(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req sendSignalRequest
	if !bindJSON(c, &req) {
		return
	}
	target, err := calls.ParseIdentity(req.Target)
	if err != nil {
		writeError(c, err)
		return
	}
	msg, err := calls.SignalRecord{Kind: req.Kind, Payload: req.Payload}.Message()
	if err != nil {
		writeError(c, err)
		return
	}
	seq, err := h.Session.SendSignal(c.Request.Context(), id, target, msg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"seq": seq})
}

func (h Handlers) FetchSignals(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	batch, err := h.Session.FetchSignals(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]calls.SignalRecord, 0, len(batch))
	for _, e := range batch {
		out = append(out, calls.EnvelopeRecord(e))
	}
	c.JSON(http.StatusOK, gin.H{"signals": out})
}

func (h Handlers) ClearSignals(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	if err := h.Session.ClearSignals(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type ackRequest struct {
	Through uint64 `json:"through"`
}

func (h Handlers) AckSignals(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req ackRequest
	if !bindJSON(c, &req) {
		return
	}
	removed, err := h.Session.AckSignals(c.Request.Context(), id, req.Through)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

/* ===================== ADMIN ===================== */

type assignRoleRequest struct {
	Role string `json:"role"`
}

// AssignRole changes another identity's role. RBAC: admin.
func (h Handlers) AssignRole(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	target, ok := pathIdentity(c)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.Session.AssignRole(c.Request.Context(), actor, target, req.Role); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
