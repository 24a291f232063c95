package market

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/ledger-api/pkg/response"
)

// GinHandlers contains HTTP handlers for market endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateListingHandler handles POST requests to create listings
// Requires a valid JWT token; the seller is the authenticated client
func (h *GinHandlers) CreateListingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateListingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.SellerUserID == "" {
			req.SellerUserID = c.GetString("clientID")
		}

		listing, err := h.service.CreateListing(req)
		response.Handle(c, listing, err)
	}
}

// CancelListingHandler handles POST requests to cancel listings
// URL parameter: listing_id
func (h *GinHandlers) CancelListingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		listingID := c.Param("listing_id")
		sellerUserID := c.GetString("clientID")

		listing, err := h.service.CancelListing(listingID, sellerUserID)
		response.Handle(c, listing, err)
	}
}

// GetListingHandler handles GET requests for a single listing
// URL parameter: listing_id
func (h *GinHandlers) GetListingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		listing, err := h.service.GetListing(c.Param("listing_id"))
		if err == nil && listing == nil {
			response.NotFound(c, "Listing not found")
			return
		}
		response.Handle(c, listing, err)
	}
}

// GetSellerListingsHandler handles GET requests for a seller's listings
func (h *GinHandlers) GetSellerListingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellerUserID := c.GetString("clientID")
		if sellerUserID == "" {
			response.Unauthorized(c, "client ID is required")
			return
		}

		listings, err := h.service.GetSellerListings(sellerUserID, c.Query("status"))
		response.Handle(c, listings, err)
	}
}

type createOrderRequest struct {
	ListingID string `json:"listing_id" binding:"required"`
}

// CreateOrderHandler handles POST requests to open a trade on a listing
// Requires a valid JWT token and an Idempotency-Key header
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessID := c.GetHeader("Idempotency-Key")
		if businessID == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		buyerUserID := c.GetString("clientID")
		if buyerUserID == "" {
			response.Unauthorized(c, "client ID is required")
			return
		}

		var req createOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(businessID, req.ListingID, buyerUserID)
		response.Handle(c, order, err)
	}
}

// CompleteOrderHandler handles POST requests to settle orders
// Requires internal authentication and an Idempotency-Key header
// URL parameter: order_id
func (h *GinHandlers) CompleteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessID := c.GetHeader("Idempotency-Key")
		if businessID == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		order, err := h.service.CompleteOrder(c.Param("order_id"), businessID)
		response.Handle(c, order, err)
	}
}

type cancelOrderRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelOrderHandler handles POST requests to abort orders
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessID := c.GetHeader("Idempotency-Key")
		if businessID == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req cancelOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CancelOrder(c.Param("order_id"), businessID, req.Reason)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests for order status
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Param("order_id"))
		if err == nil && order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Handle(c, order, err)
	}
}
