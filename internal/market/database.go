package market

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateListing(tx *gorm.DB, listing *Listing) error {
	listing.CreatedAt = time.Now()
	listing.UpdatedAt = time.Now()
	return tx.Create(listing).Error
}

// GetListingForUpdate acquires a row lock on the listing. Racing order
// creations for the same listing serialize here: the loser observes a
// non-on_sale status after the winner commits.
func (d *Database) GetListingForUpdate(tx *gorm.DB, listingID string) (*Listing, error) {
	var listing Listing
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("listing_id = ?", listingID).
		First(&listing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &listing, nil
}

func (d *Database) GetListing(listingID string) (*Listing, error) {
	var listing Listing
	if err := d.db.Where("listing_id = ?", listingID).First(&listing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &listing, nil
}

func (d *Database) UpdateListing(tx *gorm.DB, listing *Listing) error {
	listing.UpdatedAt = time.Now()
	return tx.Save(listing).Error
}

func (d *Database) GetListingsBySeller(sellerUserID string, status string) ([]Listing, error) {
	query := d.db.Where("seller_user_id = ?", sellerUserID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var listings []Listing
	if err := query.Order("created_at DESC").Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

func (d *Database) CreateOrder(tx *gorm.DB, order *Order) error {
	order.CreatedAt = time.Now()
	order.UpdatedAt = time.Now()
	return tx.Create(order).Error
}

func (d *Database) GetOrderForUpdate(tx *gorm.DB, orderID string) (*Order, error) {
	var order Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrder(orderID string) (*Order, error) {
	var order Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByBusinessID(tx *gorm.DB, businessID string) (*Order, error) {
	var order Order
	if err := tx.Where("business_id = ?", businessID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(tx *gorm.DB, order *Order) error {
	order.UpdatedAt = time.Now()
	return tx.Save(order).Error
}

// GetStaleLockedListings returns locked listings bound to a non-terminal
// order that has not progressed since cutoff. These are the recoverable
// trail left by a crash between order creation and completion.
func (d *Database) GetStaleLockedListings(cutoff time.Time) ([]Listing, error) {
	var listings []Listing
	err := d.db.
		Joins("JOIN orders ON orders.order_id = listings.locked_by_order_id").
		Where("listings.status = ?", ListingLocked).
		Where("orders.status IN ?", []string{OrderCreated, OrderFrozen}).
		Where("orders.updated_at < ?", cutoff).
		Find(&listings).Error
	if err != nil {
		return nil, err
	}
	return listings, nil
}
