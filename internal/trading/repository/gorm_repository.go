// Package repository stores settlement history and fills in a SQL database
// through GORM.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type settlementRecord struct {
	ID             uuid.UUID `gorm:"primaryKey;type:uuid"`
	MarketID       uuid.UUID `gorm:"type:uuid;index:idx_settlement_market_time,priority:1"`
	Crank          uuid.UUID `gorm:"type:uuid"`
	Processed      int
	Applied        int
	Head           uint64
	Pending        uint64
	Skipped        string `gorm:"type:text"`
	DurationMicros int64
	CreatedAt      time.Time `gorm:"index:idx_settlement_market_time,priority:2"`
}

func (settlementRecord) TableName() string { return "settlements" }

type fillRecord struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	MarketID   uuid.UUID       `gorm:"type:uuid;uniqueIndex:idx_fill_market_seq,priority:1"`
	Seq        uint64          `gorm:"uniqueIndex:idx_fill_market_seq,priority:2"`
	TakerSide  string          `gorm:"size:8"`
	Maker      uuid.UUID       `gorm:"type:uuid;index"`
	Taker      uuid.UUID       `gorm:"type:uuid;index"`
	Price      decimal.Decimal `gorm:"type:numeric(20,10)"`
	Base       uint64
	Quote      uint64
	ExecutedAt time.Time `gorm:"index"`
}

func (fillRecord) TableName() string { return "fills" }

// GormRepository implements model.Repository.
type GormRepository struct {
	db        *gorm.DB
	logger    *zap.Logger
	batchSize int
}

// NewGormRepository migrates the history tables and returns the repository.
func NewGormRepository(db *gorm.DB, logger *zap.Logger) (*GormRepository, error) {
	if err := db.AutoMigrate(&settlementRecord{}, &fillRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history tables: %w", err)
	}
	return &GormRepository{db: db, logger: logger, batchSize: 100}, nil
}

var _ model.Repository = (*GormRepository)(nil)

// RecordSettlement stores one crank batch.
func (r *GormRepository) RecordSettlement(ctx context.Context, s *model.Settlement) error {
	skipped, err := json.Marshal(s.Skipped)
	if err != nil {
		return fmt.Errorf("failed to encode skipped events: %w", err)
	}
	rec := &settlementRecord{
		ID:             s.ID,
		MarketID:       s.MarketID,
		Crank:          s.Crank,
		Processed:      s.Processed,
		Applied:        s.Applied,
		Head:           s.Head,
		Pending:        s.Pending,
		Skipped:        string(skipped),
		DurationMicros: s.Duration.Microseconds(),
		CreatedAt:      s.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		r.logger.Error("Failed to record settlement",
			zap.Error(err),
			zap.String("market", s.MarketID.String()))
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	return nil
}

// RecordEvents stores the fills among events. A fill already stored for the
// same market and sequence is ignored, so replays are harmless.
func (r *GormRepository) RecordEvents(ctx context.Context, marketID uuid.UUID, events []eventqueue.Event) error {
	fills := make([]fillRecord, 0, len(events))
	for _, e := range events {
		f := model.NewFillRecord(marketID, e)
		if f == nil {
			continue
		}
		fills = append(fills, fillRecord{
			MarketID:   f.MarketID,
			Seq:        f.Seq,
			TakerSide:  f.TakerSide,
			Maker:      f.Maker,
			Taker:      f.Taker,
			Price:      f.Price,
			Base:       f.Base,
			Quote:      f.Quote,
			ExecutedAt: f.ExecutedAt,
		})
	}
	if len(fills) == 0 {
		return nil
	}

	start := time.Now()
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(fills, r.batchSize).Error
	if err != nil {
		return fmt.Errorf("failed to record fills: %w", err)
	}
	r.logger.Debug("Recorded fills",
		zap.Int("count", len(fills)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// ListSettlements returns the newest settlements first.
func (r *GormRepository) ListSettlements(ctx context.Context, marketID uuid.UUID, limit int) ([]*model.Settlement, error) {
	if limit <= 0 {
		limit = -1
	}
	var recs []settlementRecord
	err := r.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	out := make([]*model.Settlement, 0, len(recs))
	for _, rec := range recs {
		s := &model.Settlement{
			ID:        rec.ID,
			MarketID:  rec.MarketID,
			Crank:     rec.Crank,
			Processed: rec.Processed,
			Applied:   rec.Applied,
			Head:      rec.Head,
			Pending:   rec.Pending,
			Duration:  time.Duration(rec.DurationMicros) * time.Microsecond,
			CreatedAt: rec.CreatedAt,
		}
		if err := json.Unmarshal([]byte(rec.Skipped), &s.Skipped); err != nil {
			r.logger.Warn("Failed to decode skipped events", zap.String("settlement", rec.ID.String()), zap.Error(err))
		}
		out = append(out, s)
	}
	return out, nil
}

// ListFills returns the newest fills first. A nil owner lists every fill
// in the market; otherwise only fills where owner was maker or taker.
func (r *GormRepository) ListFills(ctx context.Context, marketID, owner uuid.UUID, limit int) ([]*model.FillRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	q := r.db.WithContext(ctx).Where("market_id = ?", marketID)
	if owner != uuid.Nil {
		q = q.Where("maker = ? OR taker = ?", owner, owner)
	}
	var recs []fillRecord
	if err := q.Order("seq DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	out := make([]*model.FillRecord, len(recs))
	for i, rec := range recs {
		out[i] = &model.FillRecord{
			MarketID:   rec.MarketID,
			Seq:        rec.Seq,
			TakerSide:  rec.TakerSide,
			Maker:      rec.Maker,
			Taker:      rec.Taker,
			Price:      rec.Price,
			Base:       rec.Base,
			Quote:      rec.Quote,
			ExecutedAt: rec.ExecutedAt,
		}
	}
	return out, nil
}
