package guard

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/guard/internal/modules/guard/admission"
	"github.com/mx-space/guard/internal/pkg/lock"
	"github.com/mx-space/guard/internal/pkg/pagination"
	"github.com/mx-space/guard/internal/pkg/response"
)

// Handler exposes the engine to the operator console.
type Handler struct {
	engine *Engine
	policy admission.Policy
}

func NewHandler(engine *Engine, policy admission.Policy) *Handler {
	return &Handler{engine: engine, policy: policy}
}

func (h *Handler) RegisterRoutes(api *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := api.Group("/guard", authMW)

	g.POST("/admit", h.admit)

	g.GET("/users/:uid/sessions", h.listSessions)
	g.DELETE("/users/:uid/sessions", h.kickUser)
	g.DELETE("/users/:uid/sessions/ip/:ip", h.kickIP)
	g.DELETE("/users/:uid/sessions/device/:device", h.kickDevice)
	g.GET("/users/:uid/active", h.isActive)

	g.GET("/users/:uid/ban", h.banStatus)
	g.POST("/users/:uid/ban", h.ban)
	g.DELETE("/users/:uid/ban", h.unban)
	g.GET("/banned", h.listBanned)

	g.POST("/tokens/revoke", h.revokeTokens)
	g.POST("/tokens/unrevoke", h.unrevokeTokens)
	g.GET("/tokens/revoked", h.isRevoked)
}

type admitDTO struct {
	UserID   string `json:"user_id" binding:"required"`
	IP       string `json:"ip" binding:"required"`
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
}

func (h *Handler) admit(c *gin.Context) {
	var dto admitDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	admitted, err := h.engine.AdmitAndLink(c.Request.Context(), dto.UserID, dto.DeviceID, dto.IP, dto.Token, h.policy)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			response.TooManyRequests(c, "admission lock busy, retry")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"admitted": admitted})
}

func (h *Handler) listSessions(c *gin.Context) {
	list, err := h.engine.Admission.ListActive(c.Request.Context(), c.Param("uid"), c.Query("current"), h.policy.SessionTTL)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, list)
}

func (h *Handler) kickUser(c *gin.Context) {
	n, err := h.engine.KickUser(c.Request.Context(), c.Param("uid"), queryDuration(c, "ttl"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"revoked": n})
}

func (h *Handler) kickIP(c *gin.Context) {
	n, err := h.engine.KickIP(c.Request.Context(), c.Param("uid"), c.Param("ip"), queryDuration(c, "ttl"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"revoked": n})
}

func (h *Handler) kickDevice(c *gin.Context) {
	n, err := h.engine.KickDevice(c.Request.Context(), c.Param("uid"), c.Param("device"), queryDuration(c, "ttl"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"revoked": n})
}

func (h *Handler) isActive(c *gin.Context) {
	var (
		active bool
		err    error
	)
	ctx := c.Request.Context()
	uid := c.Param("uid")
	ip := c.Query("ip")
	if device := c.Query("device"); device != "" {
		active, err = h.engine.Admission.IsDeviceActive(ctx, uid, device, ip, h.policy.SessionTTL)
	} else if ip != "" {
		active, err = h.engine.Admission.IsActive(ctx, uid, ip, h.policy.SessionTTL)
	} else {
		response.BadRequest(c, "ip or device query param is required")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"active": active})
}

func (h *Handler) banStatus(c *gin.Context) {
	ctx := c.Request.Context()
	uid := c.Param("uid")

	ttl, banned, err := h.engine.Admission.BanTTL(ctx, uid)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	bannedAt, err := h.engine.Revocation.BanTime(ctx, uid)
	if err != nil {
		response.InternalError(c, err)
		return
	}

	body := gin.H{"banned": banned}
	if banned && ttl > 0 {
		body["expires_in"] = ttl.String()
	}
	if bannedAt != nil {
		body["banned_at"] = bannedAt
	}
	response.OK(c, body)
}

func (h *Handler) ban(c *gin.Context) {
	err := h.engine.Admission.Ban(c.Request.Context(), c.Param("uid"), queryDuration(c, "ttl"))
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			response.TooManyRequests(c, "admission lock busy, retry")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) unban(c *gin.Context) {
	clearHistory, _ := strconv.ParseBool(c.DefaultQuery("clear_history", "false"))
	err := h.engine.ReinstateUser(c.Request.Context(), c.Param("uid"), clearHistory)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			response.TooManyRequests(c, "admission lock busy, retry")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) listBanned(c *gin.Context) {
	ctx := c.Request.Context()
	q := pagination.FromContext(c)

	total, err := h.engine.Revocation.CountBannedUsers(ctx)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	users, err := h.engine.Revocation.ListBannedUsers(ctx, q.Offset(), int64(q.Size))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Paged(c, users, q.Meta(total))
}

type tokensDTO struct {
	Tokens []string `json:"tokens" binding:"required"`
	TTL    string   `json:"ttl"`
}

func (h *Handler) revokeTokens(c *gin.Context) {
	var dto tokensDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ttl, _ := time.ParseDuration(dto.TTL)
	if err := h.engine.Revocation.RevokeMany(c.Request.Context(), dto.Tokens, ttl); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) unrevokeTokens(c *gin.Context) {
	var dto tokensDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.engine.Revocation.UnrevokeMany(c.Request.Context(), dto.Tokens); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) isRevoked(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.BadRequest(c, "token query param is required")
		return
	}
	revoked, err := h.engine.Revocation.IsRevoked(c.Request.Context(), token)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"revoked": revoked})
}

func queryDuration(c *gin.Context, name string) time.Duration {
	d, err := time.ParseDuration(c.Query(name))
	if err != nil {
		return 0
	}
	return d
}
