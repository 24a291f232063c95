package market

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper periodically sweeps locked listings whose order never reached a
// terminal state. Such pairs are the trail left by a crash between order
// creation and settlement; cancelling the order releases any buyer hold and
// returns the listing to sale.
type Reaper struct {
	service  *Service
	interval time.Duration
	maxAge   time.Duration
}

func NewReaper(service *Service) *Reaper {
	return &Reaper{
		service:  service,
		interval: time.Minute,
		maxAge:   15 * time.Minute,
	}
}

// Start begins the reaping loop and blocks until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_reaper").Logger()
	logger.Info().
		Dur("interval", r.interval).
		Dur("max_age", r.maxAge).
		Msg("starting order reaper")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order reaper")
			return
		case <-ticker.C:
			if err := r.sweep(); err != nil {
				logger.Error().Err(err).Msg("reaper sweep failed")
			}
		}
	}
}

func (r *Reaper) sweep() error {
	logger := log.With().Str("component", "order_reaper").Logger()

	cutoff := time.Now().Add(-r.maxAge)
	listings, err := r.service.GetDB().GetStaleLockedListings(cutoff)
	if err != nil {
		return err
	}
	if len(listings) == 0 {
		return nil
	}

	logger.Info().Int("stale_count", len(listings)).Msg("reaping stale locked listings")

	for _, listing := range listings {
		orderID := listing.LockedByOrderID
		// One cancellation per order: the business id is derived from the
		// order so a repeated sweep replays instead of double-releasing.
		if _, err := r.service.CancelOrder(orderID, "reaper:"+orderID, "order processing timed out"); err != nil {
			logger.Error().
				Err(err).
				Str("order_id", orderID).
				Str("listing_id", listing.ListingID).
				Msg("failed to cancel stale order")
			continue
		}
		logger.Info().
			Str("order_id", orderID).
			Str("listing_id", listing.ListingID).
			Msg("cancelled stale order")
	}
	return nil
}
