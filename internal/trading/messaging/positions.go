package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/google/uuid"
)

// PositionUpdate is the message the margin system receives for one user.
type PositionUpdate struct {
	Market  uuid.UUID               `json:"market"`
	User    uuid.UUID               `json:"user"`
	At      time.Time               `json:"at"`
	Changes []market.PositionChange `json:"changes"`
}

// PositionPublisher reports margin positions to a topic keyed by user, so
// every update for one user stays in order.
type PositionPublisher struct {
	market uuid.UUID
	pub    Publisher
	clock  market.Clock
}

var _ market.PositionReporter = (*PositionPublisher)(nil)

// NewPositionPublisher stamps each update with clock at publish time.
func NewPositionPublisher(marketID uuid.UUID, pub Publisher, clock market.Clock) *PositionPublisher {
	return &PositionPublisher{market: marketID, pub: pub, clock: clock}
}

func (p *PositionPublisher) ReportPositions(ctx context.Context, user uuid.UUID, changes []market.PositionChange) error {
	data, err := json.Marshal(PositionUpdate{
		Market:  p.market,
		User:    user,
		At:      p.clock.Now().UTC(),
		Changes: changes,
	})
	if err != nil {
		return fmt.Errorf("failed to encode position update: %w", err)
	}
	return p.pub.PublishEvent(ctx, user.String(), data)
}
