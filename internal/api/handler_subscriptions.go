package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hostel-allocation-backend/internal/model"
	"hostel-allocation-backend/internal/mw"
)

type putSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
	HostelID string `json:"hostelId" binding:"required"`
}

// PutSubscription creates or replaces a subscription watching a hostel for
// freed beds.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		TenantID: mw.TenantID(c),
		HostelID: req.HostelID,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}
	if err := h.store.UpsertSubscription(c.Request.Context(), &subscription); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription handles the deletion of a subscription.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.store.DeleteSubscription(c.Request.Context(), mw.TenantID(c), req.Endpoint); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// rawQueryParam reads a query value without URL decoding; push endpoints are
// stored exactly as the browser reports them.
func rawQueryParam(rawQuery, key string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

// GetSubscription returns the hostel a subscription watches.
func (h *Handler) GetSubscription(c *gin.Context) {
	raw, ok := rawQueryParam(c.Request.URL.RawQuery, "endpoint")
	if !ok || raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	subscription, err := h.store.GetSubscription(c.Request.Context(), mw.TenantID(c), raw)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hostelId": subscription.HostelID})
}
