package gateway

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"marketd/core"
	"marketd/events"
	"marketd/market"
)

// OrderRow is the denormalized order record served by the REST list and get
// endpoints. The node state stays authoritative; rows are rebuilt from it
// whenever a bid or escrow event fires.
type OrderRow struct {
	BidID     string `gorm:"primaryKey;size:64" json:"bidId"`
	ListingID string `gorm:"index;size:64" json:"listingId"`
	Buyer     string `gorm:"index" json:"buyer"`
	Seller    string `gorm:"index" json:"seller"`
	Amount    string `json:"amount"`
	Status    string `gorm:"index" json:"status"`
	UpdatedAt int64  `json:"updatedAt"`
}

// OrderIndex maintains the order read model in an embedded SQL database.
// It subscribes to node events as an events.Emitter.
type OrderIndex struct {
	db     *gorm.DB
	node   *core.Node
	logger *slog.Logger
	nowFn  func() int64
}

// NewOrderIndex opens (or creates) the index at path. Use ":memory:" for an
// ephemeral index.
func NewOrderIndex(path string, node *core.Node, logger *slog.Logger) (*OrderIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(&OrderRow{}); err != nil {
		return nil, err
	}
	return &OrderIndex{
		db:     gdb,
		node:   node,
		logger: logger,
		nowFn:  func() int64 { return time.Now().Unix() },
	}, nil
}

// Emit refreshes the affected order row. Events without a bid identity are
// ignored; refresh failures are logged, never propagated, because the write
// path must not depend on the read model.
func (i *OrderIndex) Emit(e events.Event) {
	var bidID market.ID
	switch evt := e.(type) {
	case events.BidTransition:
		bidID = evt.BidID
	case events.EscrowTransition:
		bidID = evt.BidID
	default:
		return
	}
	if err := i.Refresh(bidID); err != nil {
		i.logger.Warn("order index refresh failed",
			slog.String("bidId", bidID.Hex()),
			slog.Any("error", err))
	}
}

// Refresh rebuilds one order row from node state.
func (i *OrderIndex) Refresh(bidID market.ID) error {
	o, err := i.node.GetOrder(bidID)
	if err != nil {
		if errors.Is(err, market.ErrNotFound) {
			return nil
		}
		return err
	}
	row := OrderRow{
		BidID:     hex.EncodeToString(o.BidID[:]),
		ListingID: hex.EncodeToString(o.ListingID[:]),
		Buyer:     o.Buyer,
		Seller:    o.Seller,
		Amount:    o.Items[0].Amount,
		Status:    string(o.Status),
		UpdatedAt: i.nowFn(),
	}
	return i.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// Get returns one row by bid identity.
func (i *OrderIndex) Get(bidID market.ID) (*OrderRow, error) {
	var row OrderRow
	err := i.db.First(&row, "bid_id = ?", bidID.Hex()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, market.NotFoundf("order for bid %s", bidID.Hex())
		}
		return nil, err
	}
	return &row, nil
}

// OrderFilter narrows List results. Empty fields match everything.
type OrderFilter struct {
	Buyer  string
	Seller string
	Status string
	Limit  int
}

// List returns rows matching the filter, newest first.
func (i *OrderIndex) List(filter OrderFilter) ([]OrderRow, error) {
	query := i.db.Model(&OrderRow{}).Order("updated_at DESC")
	if filter.Buyer != "" {
		query = query.Where("buyer = ?", filter.Buyer)
	}
	if filter.Seller != "" {
		query = query.Where("seller = ?", filter.Seller)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []OrderRow
	if err := query.Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
