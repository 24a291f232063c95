package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/ledger-api/internal/audit"
	"github.com/ksred/ledger-api/internal/auth"
	"github.com/ksred/ledger-api/internal/consistency"
	"github.com/ksred/ledger-api/internal/database"
	"github.com/ksred/ledger-api/internal/ledger"
	"github.com/ksred/ledger-api/internal/market"
	"github.com/ksred/ledger-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the ledger API server with graceful shutdown
// support. It sets up all required services, database connections, and API
// routes.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	settlementAsset := os.Getenv("SETTLEMENT_ASSET")
	if settlementAsset == "" {
		settlementAsset = "points"
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService("ledger-secret-key")
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	auditWriter := audit.NewWriter()

	ledgerService := ledger.NewService(db, auditWriter)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	marketService := market.NewService(db, ledgerService, market.NewDefaultFeeCalculator(), settlementAsset)
	marketHandlers := market.NewGinHandlers(marketService)

	consistencyService := consistency.NewService(db, ledgerService, auditWriter)
	consistencyHandlers := consistency.NewGinHandlers(consistencyService)

	// Create and start the order reaper
	reaper := market.NewReaper(marketService)
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	defer reaperCancel()

	go reaper.Start(reaperCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, ledgerHandlers, marketHandlers, consistencyHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Balance/listing/order routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	marketHandlers *market.GinHandlers,
	consistencyHandlers *consistency.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Balance and inventory routes
		balances := v1.Group("/balances")
		balances.Use(middleware.JWTAuth())
		{
			balances.GET("/:user_id", ledgerHandlers.GetBalancesHandler())
			balances.GET("/:user_id/transactions", ledgerHandlers.GetTransactionsHandler())
			balances.GET("/:user_id/items", ledgerHandlers.GetItemsHandler())
		}

		// Listing routes
		listings := v1.Group("/listings")
		listings.Use(middleware.JWTAuth())
		{
			listings.POST("", marketHandlers.CreateListingHandler())
			listings.GET("", marketHandlers.GetSellerListingsHandler())
			listings.GET("/:listing_id", marketHandlers.GetListingHandler())
			listings.POST("/:listing_id/cancel", marketHandlers.CancelListingHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", marketHandlers.CreateOrderHandler())
			orders.GET("/:order_id", marketHandlers.GetOrderHandler())
			orders.POST("/:order_id/cancel", marketHandlers.CancelOrderHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/orders/:order_id/complete", marketHandlers.CompleteOrderHandler())
			internal.POST("/balances/adjust", ledgerHandlers.AdjustBalanceHandler())
			internal.GET("/consistency/orphan-frozen", consistencyHandlers.DetectOrphanFrozenHandler())
			internal.POST("/consistency/orphan-frozen/cleanup", consistencyHandlers.CleanupOrphanFrozenHandler())
			internal.GET("/consistency/orphan-frozen/stats", consistencyHandlers.GetOrphanFrozenStatsHandler())
		}
	}
}
