package model

import (
	"context"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository stores the settlement history of a market. The market state
// itself lives in checkpoints and the journal; this is a queryable record.
type Repository interface {
	RecordSettlement(ctx context.Context, s *Settlement) error
	RecordEvents(ctx context.Context, marketID uuid.UUID, events []eventqueue.Event) error
	ListSettlements(ctx context.Context, marketID uuid.UUID, limit int) ([]*Settlement, error)
	ListFills(ctx context.Context, marketID, owner uuid.UUID, limit int) ([]*FillRecord, error)
}

// Settlement is one crank batch.
type Settlement struct {
	ID        uuid.UUID     `json:"id"`
	MarketID  uuid.UUID     `json:"market_id"`
	Crank     uuid.UUID     `json:"crank"`
	Processed int           `json:"processed"`
	Applied   int           `json:"applied"`
	Head      uint64        `json:"head"`
	Pending   uint64        `json:"pending"`
	Skipped   []SkipRecord  `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// SkipRecord is an event that settlement had to skip.
type SkipRecord struct {
	Seq    uint64 `json:"seq"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// NewSettlement converts a report into its history record.
func NewSettlement(marketID, crank uuid.UUID, rep *market.SettlementReport, took time.Duration, at time.Time) *Settlement {
	s := &Settlement{
		ID:        uuid.New(),
		MarketID:  marketID,
		Crank:     crank,
		Processed: rep.Processed,
		Applied:   rep.Applied,
		Head:      rep.Head.Head,
		Pending:   rep.Head.Count,
		Duration:  took,
		CreatedAt: at,
	}
	for _, sk := range rep.Skipped {
		s.Skipped = append(s.Skipped, SkipRecord{Seq: sk.Seq, Kind: sk.Kind.String(), Reason: sk.Reason})
	}
	return s
}

// FillRecord is a matched fill as seen on the adapter feed.
type FillRecord struct {
	MarketID   uuid.UUID       `json:"market_id"`
	Seq        uint64          `json:"seq"`
	TakerSide  string          `json:"taker_side"`
	Maker      uuid.UUID       `json:"maker"`
	Taker      uuid.UUID       `json:"taker"`
	Price      decimal.Decimal `json:"price"`
	Base       uint64          `json:"base"`
	Quote      uint64          `json:"quote"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// NewFillRecord converts a fill event. It returns nil for other kinds.
func NewFillRecord(marketID uuid.UUID, e eventqueue.Event) *FillRecord {
	if e.Kind != eventqueue.KindFill {
		return nil
	}
	f := e.Fill
	return &FillRecord{
		MarketID:   marketID,
		Seq:        e.Seq,
		TakerSide:  SideName(f.TakerSide),
		Maker:      f.Maker.Owner,
		Taker:      f.Taker.Owner,
		Price:      f.Price.Decimal(),
		Base:       f.Base,
		Quote:      f.Quote,
		ExecutedAt: time.Unix(f.Timestamp, 0).UTC(),
	}
}
