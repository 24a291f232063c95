package ledger

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/ledger-api/pkg/response"
)

// GinHandlers contains HTTP handlers for balance and inventory endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// BalanceView is the per-user balance response shape.
type BalanceView struct {
	AccountID string         `json:"account_id"`
	Balances  []AssetBalance `json:"balances"`
}

// GetBalancesHandler handles GET requests for a user's balances
// URL parameter: user_id
func (h *GinHandlers) GetBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")

		account, err := h.service.db.GetAccount(UserRef(userID))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if account == nil {
			// No mutations yet means zero balances everywhere.
			response.Success(c, BalanceView{Balances: []AssetBalance{}})
			return
		}

		balances, err := h.service.db.GetBalances(account.AccountID)
		response.Handle(c, BalanceView{AccountID: account.AccountID, Balances: balances}, err)
	}
}

// GetTransactionsHandler handles GET requests for a user's transaction log
// URL parameter: user_id; query: limit, offset
func (h *GinHandlers) GetTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		account, err := h.service.db.GetAccount(UserRef(userID))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if account == nil {
			response.Success(c, []TransactionRecord{})
			return
		}

		records, err := h.service.db.GetTransactions(account.AccountID, limit, offset)
		response.Handle(c, records, err)
	}
}

// GetItemsHandler handles GET requests for a user's item inventory
// URL parameter: user_id
func (h *GinHandlers) GetItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")

		items, err := h.service.db.GetItemsByOwner(userID)
		response.Handle(c, items, err)
	}
}

type adjustRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	AssetCode  string `json:"asset_code" binding:"required"`
	Delta      string `json:"delta" binding:"required"`
	BusinessID string `json:"business_id" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

// AdjustBalanceHandler handles POST requests for operator balance
// adjustments. Requires internal authentication; the operator identity comes
// from the token.
func (h *GinHandlers) AdjustBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := c.GetString("clientID")
		if operatorID == "" {
			response.Unauthorized(c, "Operator identity required")
			return
		}

		var req adjustRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		delta, err := decimal.NewFromString(req.Delta)
		if err != nil {
			response.BadRequest(c, "invalid delta amount")
			return
		}

		result, err := h.service.AdminAdjust(operatorID, UserRef(req.UserID), req.AssetCode, delta, req.BusinessID, req.Reason)
		response.Handle(c, result, err)
	}
}
