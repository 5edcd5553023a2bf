package http

import (
	"errors"
	nethttp "net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/onair/internal/adapters/signal"
	"github.com/dkeye/onair/internal/app"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

var errForbidden = errors.New("only the broadcaster may do this")

type sessionHandlers struct {
	clients *app.Orchestrator
}

func statusOf(code string) int {
	switch code {
	case "not_found":
		return nethttp.StatusNotFound
	case "already_live", "duplicate_request", "invalid_state", "not_joined":
		return nethttp.StatusConflict
	case "malformed_payload", "invalid_argument":
		return nethttp.StatusBadRequest
	case "rate_limited":
		return nethttp.StatusTooManyRequests
	case "forbidden":
		return nethttp.StatusForbidden
	}
	return nethttp.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	code := signal.ErrorCode(err)
	if errors.Is(err, errForbidden) {
		code = "forbidden"
	}
	body := gin.H{"error": code, "message": err.Error()}
	var dup *domain.DuplicateCallError
	if errors.As(err, &dup) {
		body["existing_call_id"] = dup.ExistingCallID
	}
	c.AbortWithStatusJSON(statusOf(code), body)
}

func sid(c *gin.Context) core.SessionID { return core.SessionID(c.GetString("client_token")) }

func broadcast(c *gin.Context) domain.BroadcastID { return domain.BroadcastID(c.Param("id")) }

func (h *sessionHandlers) requireBroadcaster(c *gin.Context) (domain.BroadcastID, bool) {
	b := broadcast(c)
	s, err := h.clients.Sessions.Session(b)
	if err != nil {
		abort(c, err)
		return "", false
	}
	if s.Broadcaster.ID != domain.UserID(sid(c)) {
		abort(c, errForbidden)
		return "", false
	}
	return b, true
}

func (h *sessionHandlers) list(c *gin.Context) {
	c.JSON(nethttp.StatusOK, gin.H{"sessions": h.clients.Sessions.ListSessions()})
}

func (h *sessionHandlers) start(c *gin.Context) {
	var req struct {
		Broadcast domain.BroadcastID `json:"broadcast" binding:"required"`
		Name      string             `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.Join(domain.ErrMalformedPayload, err))
		return
	}
	if req.Name != "" {
		h.clients.Registry.GetOrCreateUser(sid(c))
		if err := h.clients.Registry.UpdateUsername(sid(c), req.Name); err != nil {
			abort(c, err)
			return
		}
	}
	s, err := h.clients.Start(sid(c), req.Broadcast)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(nethttp.StatusCreated, s)
}

func (h *sessionHandlers) get(c *gin.Context) {
	info, err := h.clients.Sessions.GetSession(broadcast(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, info)
}

func (h *sessionHandlers) end(c *gin.Context) {
	b, ok := h.requireBroadcaster(c)
	if !ok {
		return
	}
	if err := h.clients.Evict(b, domain.ReasonBroadcastEnded); err != nil {
		abort(c, err)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

func (h *sessionHandlers) sources(c *gin.Context) {
	stats, err := h.clients.Sessions.BridgeStats(broadcast(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, stats)
}

func (h *sessionHandlers) connections(c *gin.Context) {
	b, ok := h.requireBroadcaster(c)
	if !ok {
		return
	}
	conns, err := h.clients.Sessions.Connections(b)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"connections": conns})
}

func (h *sessionHandlers) calls(c *gin.Context) {
	b, ok := h.requireBroadcaster(c)
	if !ok {
		return
	}
	snap, err := h.clients.Sessions.Calls(b)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, snap)
}

func (h *sessionHandlers) requestCall(c *gin.Context) {
	var info domain.CallerInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		abort(c, errors.Join(domain.ErrMalformedPayload, err))
		return
	}
	if info.Name == "" {
		info.Name = h.clients.Registry.GetOrCreateUser(sid(c)).Username
	}
	call, err := h.clients.Sessions.RequestCall(broadcast(c), domain.UserID(sid(c)), info)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(nethttp.StatusCreated, call)
}

func (h *sessionHandlers) decideCall(c *gin.Context) {
	b, ok := h.requireBroadcaster(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	id := domain.CallID(c.Param("call"))
	var (
		call domain.CallRequest
		err  error
	)
	switch c.Param("action") {
	case "accept":
		call, err = h.clients.Sessions.AcceptCall(b, id)
	case "reject":
		call, err = h.clients.Sessions.RejectCall(b, id, req.Reason)
	case "end":
		call, err = h.clients.Sessions.EndCall(b, id)
	default:
		c.AbortWithStatusJSON(nethttp.StatusNotFound, gin.H{"error": "not_found", "message": "unknown action"})
		return
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, call)
}
