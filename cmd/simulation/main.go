package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/ledger-api/internal/audit"
	"github.com/ksred/ledger-api/internal/auth"
	"github.com/ksred/ledger-api/internal/consistency"
	"github.com/ksred/ledger-api/internal/database"
	"github.com/ksred/ledger-api/internal/ledger"
	"github.com/ksred/ledger-api/internal/market"
	"github.com/ksred/ledger-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders       = 15
	maxOrders       = 150
	numWorkers      = 5
	serverAddress   = "http://localhost:8080"
	settlementAsset = "points"
	cancelEvery     = 5 // every Nth order is cancelled instead of completed
)

var offerAssets = []string{"gems", "gold", "tickets", "keys", "shards"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the ledger API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"adjust":   {name: "Adjust Balance"},
			"listing":  {name: "Create Listing"},
			"create":   {name: "Create Order"},
			"complete": {name: "Complete Order"},
			"cancel":   {name: "Cancel Order"},
			"detect":   {name: "Detect Orphans"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Token, nil
}

// doJSON issues an authenticated request with an optional JSON body and
// decodes the standard response envelope into out
func (sc *simulationClient) doJSON(method, path, statKey string, payload interface{}, idempotent bool, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(body)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotent {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		sc.stats[statKey].failures++
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats[statKey].failures++
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
	}

	return nil
}

// adjustBalance credits a user's available balance through the internal
// admin endpoint. Used to seed buyer and seller funds for the simulation.
func (sc *simulationClient) adjustBalance(userID, assetCode, delta string) error {
	payload := map[string]string{
		"user_id":     userID,
		"asset_code":  assetCode,
		"delta":       delta,
		"business_id": uuid.New().String(),
		"reason":      "simulation seed funds",
	}
	return sc.doJSON("POST", "/api/v1/internal/balances/adjust", "adjust", payload, false, nil)
}

// createListing puts a fungible offer on sale for the given seller
// Returns the listing ID on success
func (sc *simulationClient) createListing(sellerUserID, offerAsset string, offerAmount, price int) (string, error) {
	payload := map[string]string{
		"seller_user_id":   sellerUserID,
		"price_asset_code": settlementAsset,
		"price_amount":     fmt.Sprintf("%d", price),
		"offer_asset_code": offerAsset,
		"offer_amount":     fmt.Sprintf("%d", offerAmount),
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Listing struct {
				ListingID string `json:"listing_id"`
			} `json:"listing"`
		} `json:"data"`
	}
	if err := sc.doJSON("POST", "/api/v1/listings", "listing", payload, false, &result); err != nil {
		return "", err
	}
	if result.Data.Listing.ListingID == "" {
		return "", fmt.Errorf("no listing ID in response")
	}
	return result.Data.Listing.ListingID, nil
}

// orderEnvelope is the response shape shared by the order endpoints
type orderEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		Order struct {
			OrderID     string `json:"order_id"`
			Status      string `json:"status"`
			AssetCode   string `json:"asset_code"`
			GrossAmount string `json:"gross_amount"`
			FeeAmount   string `json:"fee_amount"`
			NetAmount   string `json:"net_amount"`
		} `json:"order"`
		IsDuplicate bool `json:"is_duplicate"`
	} `json:"data"`
}

// createOrder opens a trade against a listing as the authenticated buyer
// Returns the order ID on success
func (sc *simulationClient) createOrder(listingID string) (string, error) {
	payload := map[string]string{"listing_id": listingID}

	var result orderEnvelope
	if err := sc.doJSON("POST", "/api/v1/orders", "create", payload, true, &result); err != nil {
		return "", err
	}
	if result.Data.Order.OrderID == "" {
		return "", fmt.Errorf("no order ID in response")
	}
	return result.Data.Order.OrderID, nil
}

// completeOrder settles a frozen order through the internal endpoint
func (sc *simulationClient) completeOrder(orderID string) (*orderEnvelope, error) {
	if orderID == "" {
		return nil, fmt.Errorf("orderID cannot be empty")
	}

	var result orderEnvelope
	path := fmt.Sprintf("/api/v1/internal/orders/%s/complete", orderID)
	if err := sc.doJSON("POST", path, "complete", nil, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// cancelOrder aborts an order and releases the buyer's hold
func (sc *simulationClient) cancelOrder(orderID string) (*orderEnvelope, error) {
	payload := map[string]string{"reason": "simulation cancel"}

	var result orderEnvelope
	path := fmt.Sprintf("/api/v1/orders/%s/cancel", orderID)
	if err := sc.doJSON("POST", path, "cancel", payload, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// detectOrphans runs the orphan-frozen consistency check
// Returns the number of orphaned accounts found
func (sc *simulationClient) detectOrphans() (int, error) {
	var result struct {
		Success bool              `json:"success"`
		Data    []json.RawMessage `json:"data"`
	}
	if err := sc.doJSON("GET", "/api/v1/internal/consistency/orphan-frozen", "detect", nil, false, &result); err != nil {
		return 0, err
	}
	return len(result.Data), nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// simOrder pairs a created order with the asset its listing offered
type simOrder struct {
	orderID    string
	offerAsset string
}

// main runs the market simulation
// It starts a local API server and simulates multiple concurrent sellers
// listing offers which a single buyer trades against
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Seed the buyer with enough points to cover every possible order
	if err := simClient.adjustBalance(auth.TestAPIKey, settlementAsset, "10000000"); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed buyer funds")
	}

	// Seed each seller with offer assets for their listings
	for i := 0; i < numWorkers; i++ {
		seller := fmt.Sprintf("SELLER_%d", i)
		for _, asset := range offerAssets {
			if err := simClient.adjustBalance(seller, asset, "1000000"); err != nil {
				log.Fatal().Err(err).Str("seller", seller).Msg("Failed to seed seller funds")
			}
		}
	}

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	// Channel to collect created orders
	ordersChan := make(chan simOrder, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines, one seller each
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrdersHTTP(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	// Wait for all orders to be created
	wg.Wait()
	close(ordersChan)

	// Collect all created orders
	var orders []simOrder
	for order := range ordersChan {
		orders = append(orders, order)
	}

	log.Info().Int("orders_created", len(orders)).Msg("All orders created")

	// Collect statistics during processing
	stats := struct {
		TotalOrders     int
		CompletedOrders int
		CancelledOrders int
		FailedOrders    int
		TotalGross      float64
		TotalFees       float64
		StartTime       time.Time
		Assets          map[string]int
		Outcomes        map[string]int
	}{
		StartTime: time.Now(),
		Assets:    make(map[string]int),
		Outcomes:  make(map[string]int),
	}

	stats.TotalOrders = len(orders)

	// Settle or cancel the created orders
	for i, order := range orders {
		stats.Assets[order.offerAsset]++

		if (i+1)%cancelEvery == 0 {
			resp, err := simClient.cancelOrder(order.orderID)
			if err != nil {
				log.Error().Err(err).Str("order_id", order.orderID).Msg("Failed to cancel order")
				stats.FailedOrders++
				stats.Outcomes["failed"]++
				continue
			}
			stats.CancelledOrders++
			stats.Outcomes["cancelled"]++
			log.Info().
				Str("order_id", order.orderID).
				Str("status", resp.Data.Order.Status).
				Msg("Order cancelled")
			continue
		}

		resp, err := simClient.completeOrder(order.orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", order.orderID).Msg("Failed to complete order")
			stats.FailedOrders++
			stats.Outcomes["failed"]++
			continue
		}
		stats.CompletedOrders++
		stats.Outcomes["completed"]++

		var gross, fee float64
		fmt.Sscanf(resp.Data.Order.GrossAmount, "%f", &gross)
		fmt.Sscanf(resp.Data.Order.FeeAmount, "%f", &fee)
		stats.TotalGross += gross
		stats.TotalFees += fee

		log.Info().
			Str("order_id", order.orderID).
			Str("gross", resp.Data.Order.GrossAmount).
			Str("fee", resp.Data.Order.FeeAmount).
			Str("net", resp.Data.Order.NetAmount).
			Msg("Order completed")
	}

	// Final consistency pass over the whole ledger
	orphans, err := simClient.detectOrphans()
	if err != nil {
		log.Error().Err(err).Msg("Failed to run orphan detection")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 MARKET SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Total Orders:     %d
Completed:        %d
Cancelled:        %d
Failed:           %d
Gross Volume:     %.0f %s
Platform Fees:    %.0f %s
Orphaned Frozen:  %d accounts
Duration:         %v

📈 Offer Asset Distribution
--------------------
`, stats.TotalOrders, stats.CompletedOrders, stats.CancelledOrders, stats.FailedOrders,
		stats.TotalGross, settlementAsset, stats.TotalFees, settlementAsset,
		orphans, duration.Round(time.Millisecond))

	// Print asset distribution with simple ASCII bar chart
	maxAssetCount := 0
	for _, count := range stats.Assets {
		if count > maxAssetCount {
			maxAssetCount = count
		}
	}

	for asset, count := range stats.Assets {
		barLength := int(float64(count) / float64(maxAssetCount) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-8s: %s (%d)\n", asset, bar, count)
	}

	fmt.Println("\n📉 Outcome Distribution")
	fmt.Println("------------------")
	for outcome, count := range stats.Outcomes {
		barLength := int(float64(count) / float64(stats.TotalOrders) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-10s: %s (%d)\n", outcome, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	// Success rate calculation
	successRate := float64(stats.CompletedOrders+stats.CancelledOrders) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("success_rate", successRate).
		Int("total_orders", stats.TotalOrders).
		Int("completed_orders", stats.CompletedOrders).
		Float64("gross_volume", stats.TotalGross).
		Float64("platform_fees", stats.TotalFees).
		Int("orphaned_accounts", orphans).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// createOrdersHTTP lists random offers for the worker's seller and opens an
// order against each as the authenticated buyer
// Runs as a worker goroutine, sending created orders to ordersChan
func createOrdersHTTP(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- simOrder) {
	seller := fmt.Sprintf("SELLER_%d", workerID)

	for i := 0; i < numOrders; i++ {
		offerAsset := offerAssets[rand.Intn(len(offerAssets))]
		offerAmount := rand.Intn(50) + 1
		price := rand.Intn(1000) + 20

		listingID, err := simClient.createListing(seller, offerAsset, offerAmount, price)
		if err != nil {
			log.Error().Err(err).
				Str("seller", seller).
				Str("offer_asset", offerAsset).
				Msg("Failed to create listing")
			continue
		}

		orderID, err := simClient.createOrder(listingID)
		if err != nil {
			log.Error().Err(err).
				Str("listing_id", listingID).
				Msg("Failed to create order")
			continue
		}

		ordersChan <- simOrder{orderID: orderID, offerAsset: offerAsset}
		log.Info().
			Str("worker_id", fmt.Sprintf("%d", workerID)).
			Str("listing_id", listingID).
			Str("order_id", orderID).
			Str("offer_asset", offerAsset).
			Int("offer_amount", offerAmount).
			Int("price", price).
			Msg("Order created")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
}

// startServer initializes and starts the ledger API server
// Sets up all required services, handlers and routes
func startServer() error {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService("ledger-secret-key")
	auditWriter := audit.NewWriter()
	ledgerService := ledger.NewService(db, auditWriter)
	marketService := market.NewService(db, ledgerService, market.NewDefaultFeeCalculator(), settlementAsset)
	consistencyService := consistency.NewService(db, ledgerService, auditWriter)

	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)
	marketHandlers := market.NewGinHandlers(marketService)
	consistencyHandlers := consistency.NewGinHandlers(consistencyService)

	// Setup routes
	setupRoutes(router, authHandlers, ledgerHandlers, marketHandlers, consistencyHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
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

		// Balance routes
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
			listings.GET("/:listing_id", marketHandlers.GetListingHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", marketHandlers.CreateOrderHandler())
			orders.GET("/:order_id", marketHandlers.GetOrderHandler())
			orders.POST("/:order_id/cancel", marketHandlers.CancelOrderHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/orders/:order_id/complete", marketHandlers.CompleteOrderHandler())
			internal.POST("/balances/adjust", ledgerHandlers.AdjustBalanceHandler())
			internal.GET("/consistency/orphan-frozen", consistencyHandlers.DetectOrphanFrozenHandler())
		}
	}
}
