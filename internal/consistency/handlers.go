package consistency

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/ledger-api/pkg/response"
)

// GinHandlers contains HTTP handlers for auditor endpoints. All of them sit
// on the internal route group: detection is cheap but still operational
// surface, and cleanup moves real funds.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// DetectOrphanFrozenHandler handles GET requests to report orphaned frozen
// amounts. Query parameters: user_id, asset_code
func (h *GinHandlers) DetectOrphanFrozenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := DetectFilter{
			UserID:    c.Query("user_id"),
			AssetCode: c.Query("asset_code"),
		}

		orphans, err := h.service.DetectOrphanFrozen(filter)
		if err == nil && orphans == nil {
			orphans = []OrphanDetail{}
		}
		response.Handle(c, orphans, err)
	}
}

type cleanupRequest struct {
	DryRun bool   `json:"dry_run"`
	Reason string `json:"reason" binding:"required"`
}

// CleanupOrphanFrozenHandler handles POST requests to repair orphaned
// frozen amounts. The operator identity comes from the token; a non-dry run
// without one is rejected.
func (h *GinHandlers) CleanupOrphanFrozenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cleanupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		operatorID := c.GetString("clientID")
		if !req.DryRun && operatorID == "" {
			response.Unauthorized(c, "Operator identity required for cleanup")
			return
		}

		result, err := h.service.CleanupOrphanFrozen(CleanupOptions{
			DryRun:     req.DryRun,
			OperatorID: operatorID,
			Reason:     req.Reason,
		})
		response.Handle(c, result, err)
	}
}

// GetOrphanFrozenStatsHandler handles GET requests for per-asset orphan
// totals.
func (h *GinHandlers) GetOrphanFrozenStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.service.GetOrphanFrozenStats()
		if err == nil && stats == nil {
			stats = []AssetOrphanStats{}
		}
		response.Handle(c, stats, err)
	}
}
