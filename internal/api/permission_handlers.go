package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/session/permission"
)

type permissionDecisionRequest struct {
	Behavior     string         `json:"behavior"` // allow, deny
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

func (h *handlers) listPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"requests": h.permissions.Pending()})
}

func (h *handlers) respondPermission(c *gin.Context) {
	var req permissionDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Behavior != "allow" && req.Behavior != "deny" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "behavior must be allow or deny"})
		return
	}
	decision := permission.Decision{
		Allow:        req.Behavior == "allow",
		UpdatedInput: req.UpdatedInput,
		Reason:       req.Reason,
	}

	requestID := c.Param("requestId")
	if err := h.permissions.Respond(requestID, decision); err != nil {
		if errors.Is(err, permission.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "permission request not found"})
			return
		}
		h.logger.Error("failed to respond to permission request",
			zap.String("request_id", requestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to respond"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
