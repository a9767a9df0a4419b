package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"voice-broadcast/internal/audit"
	"voice-broadcast/internal/broadcast"
	"voice-broadcast/internal/telephony"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Dispatcher *broadcast.Dispatcher
	Engine     *broadcast.Engine
	Store      broadcast.Store
	Channels   broadcast.ChannelTracker
	Audit      *audit.Service
	Log        *slog.Logger
}

// auditLog absorbs audit failures; audit is best-effort by design.
func (h Handlers) auditLog(err error) {
	if err != nil {
		h.Log.Warn("audit append failed", "err", err)
	}
}

// --- Webhook ingress ---

// VoiceWebhook receives provider call events. It always acknowledges with 200:
// a non-2xx makes the provider retry, and a malformed or unknown event is not
// going to get better on redelivery.
func (h Handlers) VoiceWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.Log.Warn("webhook body read failed", "err", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	ev, err := telephony.ParseEvent(body)
	if err != nil {
		if errors.Is(err, telephony.ErrMissingCallID) {
			h.Log.Debug("webhook event without call id, dropping")
		} else {
			h.Log.Warn("webhook parse failed", "err", err)
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	h.Engine.HandleEvent(c.Request.Context(), ev)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// --- Batch dispatch ---

// MakeCall places one outbound call per phone number in the request.
func (h Handlers) MakeCall(c *gin.Context) {
	var req broadcast.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	res, err := h.Dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, broadcast.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phoneNumbers required"})
			return
		}
		h.Log.Error("dispatch failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	if h.Audit != nil {
		h.auditLog(h.Audit.LogDispatch(c.Request.Context(), res.BroadcastID, c.ClientIP(), len(res.CallIDs), res.CapacityHits))
	}
	c.JSON(http.StatusOK, res)
}

// --- Status and reporting ---

func (h Handlers) CallStatus(c *gin.Context) {
	callID := c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return
	}
	rec, err := h.Store.GetCall(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, broadcast.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		h.Log.Error("call lookup failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) CallCounts(c *gin.Context) {
	broadcastID := c.Query("broadcastId")
	counts, err := h.Store.CallCounts(c.Request.Context(), broadcastID)
	if err != nil {
		h.Log.Error("call counts failed", "broadcast_id", broadcastID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "counts failed"})
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "counts": counts})
}

func (h Handlers) BroadcastCalls(c *gin.Context) {
	broadcastID := c.Param("id")
	if broadcastID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "broadcast id required"})
		return
	}
	if _, err := h.Store.GetBroadcastSession(c.Request.Context(), broadcastID); err != nil {
		if errors.Is(err, broadcast.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "broadcast not found"})
			return
		}
		h.Log.Error("broadcast lookup failed", "broadcast_id", broadcastID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	records, err := h.Store.BroadcastCalls(c.Request.Context(), broadcastID)
	if err != nil {
		h.Log.Error("broadcast calls failed", "broadcast_id", broadcastID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"broadcastId": broadcastID, "calls": records})
}

// --- Cancellation ---

type cancelRequest struct {
	BroadcastID string `json:"broadcastId"`
}

// CancelAllCalls cancels one broadcast when broadcastId is given, otherwise
// every active broadcast.
func (h Handlers) CancelAllCalls(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}

	ctx := c.Request.Context()
	ids := []string{req.BroadcastID}
	if req.BroadcastID != "" {
		if _, err := h.Store.GetBroadcastSession(ctx, req.BroadcastID); err != nil {
			if errors.Is(err, broadcast.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "broadcast not found"})
				return
			}
			h.Log.Error("broadcast lookup failed", "broadcast_id", req.BroadcastID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
	} else {
		sessions, err := h.Store.ActiveBroadcasts(ctx)
		if err != nil {
			h.Log.Error("active broadcasts lookup failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		ids = ids[:0]
		for _, sess := range sessions {
			ids = append(ids, sess.BroadcastID)
		}
	}

	canceled := 0
	for _, id := range ids {
		n, err := h.Engine.CancelBroadcast(ctx, id)
		if err != nil {
			h.Log.Error("cancel broadcast failed", "broadcast_id", id, "err", err)
			continue
		}
		canceled += n
		if h.Audit != nil {
			h.auditLog(h.Audit.LogCancel(ctx, id, c.ClientIP(), n))
		}
	}
	c.JSON(http.StatusOK, gin.H{"canceledBroadcasts": len(ids), "canceledCalls": canceled})
}

// --- Channels ---

func (h Handlers) ChannelStatus(c *gin.Context) {
	active, err := h.Channels.Active(c.Request.Context())
	if err != nil {
		h.Log.Error("channel status failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "channel status failed"})
		return
	}
	limit := h.Channels.Limit()
	available := limit - active
	if available < 0 {
		available = 0
	}
	c.JSON(http.StatusOK, gin.H{"active": active, "limit": limit, "available": available})
}
