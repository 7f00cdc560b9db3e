package marketdb

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ListingStatus represents a state in the listing lifecycle.
type ListingStatus string

const (
	ListingActive    ListingStatus = "ACTIVE"
	ListingFulfilled ListingStatus = "FULFILLED"
	ListingCancelled ListingStatus = "CANCELLED"
	ListingExpired   ListingStatus = "EXPIRED"
)

// OfferStatus represents a state in the offer lifecycle.
type OfferStatus string

const (
	OfferActive    OfferStatus = "ACTIVE"
	OfferAccepted  OfferStatus = "ACCEPTED"
	OfferCancelled OfferStatus = "CANCELLED"
	OfferExpired   OfferStatus = "EXPIRED"
)

// ActivityKind enumerates the recorded marketplace events.
type ActivityKind string

const (
	ActivityListed     ActivityKind = "LISTED"
	ActivityPurchased  ActivityKind = "PURCHASED"
	ActivityRegistered ActivityKind = "REGISTERED"
	ActivityRenewed    ActivityKind = "RENEWED"
	ActivityOffered    ActivityKind = "OFFERED"
	ActivityDelisted   ActivityKind = "DELISTED"
)

// Listing is a signed sell order published to the marketplace.
type Listing struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Name          string        `gorm:"size:255;index"`
	Seller        string        `gorm:"size:42;index"`
	PriceWei      string        `gorm:"size:80;not null"`
	Currency      string        `gorm:"size:42;index"`
	Status        ListingStatus `gorm:"size:16;index"`
	Source        string        `gorm:"size:32"`
	PayloadDigest string        `gorm:"size:64;uniqueIndex"`
	OrderPayload  string        `gorm:"type:text"`
	ExpiresAt     time.Time     `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Offer is a signed buy order against a specific name.
type Offer struct {
	ID           uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Name         string      `gorm:"size:255;index"`
	Buyer        string      `gorm:"size:42;index"`
	PriceWei     string      `gorm:"size:80;not null"`
	Currency     string      `gorm:"size:42"`
	Status       OfferStatus `gorm:"size:16;index"`
	OrderPayload string      `gorm:"type:text"`
	ExpiresAt    time.Time   `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Activity is the marketplace audit trail, one row per observed event.
type Activity struct {
	ID        uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Name      string       `gorm:"size:255;index"`
	Kind      ActivityKind `gorm:"size:16;index"`
	Actor     string       `gorm:"size:42;index"`
	PriceWei  string       `gorm:"size:80"`
	TxHash    string       `gorm:"size:66;index"`
	CreatedAt time.Time    `gorm:"index"`
}

// PortfolioName tracks a registered name and its current expiry for the
// owner's portfolio view.
type PortfolioName struct {
	Name      string    `gorm:"primaryKey;size:255"`
	Owner     string    `gorm:"size:42;index"`
	ExpiresAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the marketplace store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Listing{},
		&Offer{},
		&Activity{},
		&PortfolioName{},
	)
}
