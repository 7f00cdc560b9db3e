package marketdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"namemarket/market/order"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("marketdb: record not found")

	// ErrDuplicateListing is returned when the same signed order payload is
	// published twice.
	ErrDuplicateListing = errors.New("marketdb: listing already exists for this order payload")
)

// Store is the off-chain marketplace read/write model backed by Postgres.
type Store struct {
	db *gorm.DB
}

// Open connects to the marketplace database and migrates the schema.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("marketdb: dsn required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("marketdb: connect: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing gorm connection. Tests use this with an
// in-memory sqlite database.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("marketdb: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("marketdb: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateListing publishes a signed sell order. The payload digest dedupes
// republished orders.
func (s *Store) CreateListing(ctx context.Context, listing order.Listing) (*Listing, error) {
	if len(listing.OrderPayload) == 0 {
		return nil, order.ErrEmptyPayload
	}
	if listing.Price == nil || listing.Price.Sign() <= 0 {
		return nil, fmt.Errorf("marketdb: positive price required")
	}
	name := strings.TrimSpace(listing.Name)
	if name == "" {
		return nil, fmt.Errorf("marketdb: name required")
	}
	digest := order.PayloadDigest(listing.OrderPayload)
	var existing Listing
	err := s.db.WithContext(ctx).Where("payload_digest = ?", digest).First(&existing).Error
	if err == nil {
		return nil, ErrDuplicateListing
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("marketdb: check duplicate: %w", err)
	}
	record := Listing{
		ID:            uuid.New(),
		Name:          name,
		Seller:        listing.Seller.Hex(),
		PriceWei:      listing.Price.String(),
		Currency:      listing.Currency.Hex(),
		Status:        ListingActive,
		Source:        listing.Source,
		PayloadDigest: digest,
		OrderPayload:  string(listing.OrderPayload),
		ExpiresAt:     listing.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("marketdb: create listing: %w", err)
	}
	return &record, nil
}

// CancelListing marks an active listing cancelled. Only the seller may
// cancel.
func (s *Store) CancelListing(ctx context.Context, id uuid.UUID, seller common.Address) error {
	result := s.db.WithContext(ctx).Model(&Listing{}).
		Where("id = ? AND seller = ? AND status = ?", id, seller.Hex(), ListingActive).
		Update("status", ListingCancelled)
	if result.Error != nil {
		return fmt.Errorf("marketdb: cancel listing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFulfilled transitions a listing to fulfilled after its purchase
// transaction confirms.
func (s *Store) MarkFulfilled(ctx context.Context, id uuid.UUID, txHash common.Hash) error {
	result := s.db.WithContext(ctx).Model(&Listing{}).
		Where("id = ? AND status = ?", id, ListingActive).
		Update("status", ListingFulfilled)
	if result.Error != nil {
		return fmt.Errorf("marketdb: mark fulfilled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetListing loads one listing by id.
func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	var record Listing
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("marketdb: get listing: %w", err)
	}
	return &record, nil
}

// ActiveListings returns unexpired active listings, cheapest first. An empty
// name matches every name.
func (s *Store) ActiveListings(ctx context.Context, name string, now time.Time) ([]Listing, error) {
	var records []Listing
	query := s.db.WithContext(ctx).
		Where("status = ? AND expires_at > ?", ListingActive, now)
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		query = query.Where("name = ?", trimmed)
	}
	err := query.
		Order("length(price_wei) asc, price_wei asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("marketdb: active listings: %w", err)
	}
	return records, nil
}

// CreateOffer publishes a signed buy order.
func (s *Store) CreateOffer(ctx context.Context, name string, buyer common.Address, price *big.Int, currency common.Address, payload json.RawMessage, expiresAt time.Time) (*Offer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("marketdb: name required")
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("marketdb: positive price required")
	}
	record := Offer{
		ID:           uuid.New(),
		Name:         name,
		Buyer:        buyer.Hex(),
		PriceWei:     price.String(),
		Currency:     currency.Hex(),
		Status:       OfferActive,
		OrderPayload: string(payload),
		ExpiresAt:    expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("marketdb: create offer: %w", err)
	}
	return &record, nil
}

// CancelOffer marks an active offer cancelled. Only the buyer may cancel.
func (s *Store) CancelOffer(ctx context.Context, id uuid.UUID, buyer common.Address) error {
	result := s.db.WithContext(ctx).Model(&Offer{}).
		Where("id = ? AND buyer = ? AND status = ?", id, buyer.Hex(), OfferActive).
		Update("status", OfferCancelled)
	if result.Error != nil {
		return fmt.Errorf("marketdb: cancel offer: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// OffersFor returns live offers against a name, highest first.
func (s *Store) OffersFor(ctx context.Context, name string, now time.Time) ([]Offer, error) {
	var records []Offer
	err := s.db.WithContext(ctx).
		Where("name = ? AND status = ? AND expires_at > ?", strings.TrimSpace(name), OfferActive, now).
		Order("length(price_wei) desc, price_wei desc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("marketdb: offers for name: %w", err)
	}
	return records, nil
}

// OffersBy returns every live offer a buyer has open.
func (s *Store) OffersBy(ctx context.Context, buyer common.Address, now time.Time) ([]Offer, error) {
	var records []Offer
	err := s.db.WithContext(ctx).
		Where("buyer = ? AND status = ? AND expires_at > ?", buyer.Hex(), OfferActive, now).
		Order("created_at desc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("marketdb: offers by buyer: %w", err)
	}
	return records, nil
}

// RecordActivity appends one marketplace event to the audit trail.
func (s *Store) RecordActivity(ctx context.Context, name string, kind ActivityKind, actor common.Address, price *big.Int, txHash common.Hash) error {
	record := Activity{
		ID:    uuid.New(),
		Name:  strings.TrimSpace(name),
		Kind:  kind,
		Actor: actor.Hex(),
	}
	if txHash != (common.Hash{}) {
		record.TxHash = txHash.Hex()
	}
	if price != nil {
		record.PriceWei = price.String()
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("marketdb: record activity: %w", err)
	}
	return nil
}

// ActivityFor returns the most recent events touching a name.
func (s *Store) ActivityFor(ctx context.Context, name string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []Activity
	err := s.db.WithContext(ctx).
		Where("name = ?", strings.TrimSpace(name)).
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("marketdb: activity for name: %w", err)
	}
	return records, nil
}

// RecentActivity returns the newest events across the whole marketplace.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []Activity
	err := s.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("marketdb: recent activity: %w", err)
	}
	return records, nil
}

// ActivityBetween returns every event recorded inside the window, oldest
// first. The nightly export job reads through this.
func (s *Store) ActivityBetween(ctx context.Context, start, end time.Time) ([]Activity, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("marketdb: end before start")
	}
	var records []Activity
	err := s.db.WithContext(ctx).
		Where("created_at BETWEEN ? AND ?", start, end).
		Order("created_at asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("marketdb: activity between: %w", err)
	}
	return records, nil
}

// UpsertPortfolioName records or refreshes name ownership after a
// registration, purchase, or renewal confirms. A zero expiresAt keeps the
// stored expiry, for ownership transfers that do not touch the registration.
func (s *Store) UpsertPortfolioName(ctx context.Context, name string, owner common.Address, expiresAt time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("marketdb: name required")
	}
	assign := map[string]interface{}{"owner": owner.Hex()}
	if !expiresAt.IsZero() {
		assign["expires_at"] = expiresAt
	}
	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Assign(assign).
		FirstOrCreate(&PortfolioName{}, PortfolioName{Name: name}).Error
	if err != nil {
		return fmt.Errorf("marketdb: upsert portfolio name: %w", err)
	}
	return nil
}

// PortfolioOf returns every name the owner currently holds.
func (s *Store) PortfolioOf(ctx context.Context, owner common.Address) ([]PortfolioName, error) {
	var records []PortfolioName
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner.Hex()).
		Order("expires_at asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("marketdb: portfolio: %w", err)
	}
	return records, nil
}

// HasName reports whether the owner's portfolio already reflects the name.
// The registration flow polls this after a reveal confirms.
func (s *Store) HasName(ctx context.Context, owner common.Address, label string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PortfolioName{}).
		Where("name = ? AND owner = ?", strings.TrimSpace(label), owner.Hex()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("marketdb: has name: %w", err)
	}
	return count > 0, nil
}

// ToOrderListing converts a stored listing into the flow-facing shape.
func (l *Listing) ToOrderListing() (order.Listing, error) {
	price, ok := new(big.Int).SetString(l.PriceWei, 10)
	if !ok {
		return order.Listing{}, fmt.Errorf("marketdb: malformed stored price %q", l.PriceWei)
	}
	return order.Listing{
		ID:           l.ID.String(),
		Name:         l.Name,
		Price:        price,
		Currency:     common.HexToAddress(l.Currency),
		Seller:       common.HexToAddress(l.Seller),
		ExpiresAt:    l.ExpiresAt,
		Source:       l.Source,
		OrderPayload: json.RawMessage(l.OrderPayload),
	}, nil
}
