package market

import (
	"bytes"
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PositionKind says what happened to a position.
type PositionKind uint8

const (
	PositionRegister PositionKind = iota + 1
	PositionClose
	PositionBalance
)

// PositionToken identifies the balance a position tracks.
type PositionToken uint8

const (
	// TokenClaims is committed term-loan debt.
	TokenClaims PositionToken = iota + 1
	// TokenTicketCollateral is free, posted and staked tickets.
	TokenTicketCollateral
	// TokenUnderlyingCollateral is free and posted underlying.
	TokenUnderlyingCollateral
)

var positionTokens = [...]PositionToken{TokenClaims, TokenTicketCollateral, TokenUnderlyingCollateral}

// PositionChange is one update sent to the margin system.
type PositionChange struct {
	Kind   PositionKind  `json:"kind"`
	Token  PositionToken `json:"token"`
	Amount uint64        `json:"amount"`
}

// PositionReporter receives position changes of margin accounts after the
// instruction that caused them has committed.
type PositionReporter interface {
	ReportPositions(ctx context.Context, user uuid.UUID, changes []PositionChange) error
}

type positionReport struct {
	user    uuid.UUID
	changes []PositionChange
}

func (u *UserAccount) position(tok PositionToken) uint64 {
	switch tok {
	case TokenClaims:
		return u.Debt.Committed
	case TokenTicketCollateral:
		return u.Tickets + u.Assets.PostedTickets + u.Assets.Staked
	default:
		return u.Underlying + u.Assets.PostedQuote
	}
}

func positionDiff(before, after *UserAccount) []PositionChange {
	var out []PositionChange
	for _, tok := range positionTokens {
		switch {
		case before == nil && after != nil:
			out = append(out, PositionChange{Kind: PositionRegister, Token: tok, Amount: after.position(tok)})
		case before != nil && after == nil:
			out = append(out, PositionChange{Kind: PositionClose, Token: tok})
		case before != nil && after != nil && before.position(tok) != after.position(tok):
			out = append(out, PositionChange{Kind: PositionBalance, Token: tok, Amount: after.position(tok)})
		}
	}
	return out
}

// positionReports compares the committed accounts with the modified ones.
// Only margin accounts are reported.
func (m *Market) positionReports(st *state, modified map[uuid.UUID]*UserAccount) []positionReport {
	if m.reporter == nil {
		return nil
	}
	var out []positionReport
	for id, after := range modified {
		before := st.users[id]
		if (before == nil || !before.Margin) && (after == nil || !after.Margin) {
			continue
		}
		if changes := positionDiff(before, after); len(changes) > 0 {
			out = append(out, positionReport{user: id, changes: changes})
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].user[:], out[j].user[:]) < 0 })
	return out
}

func (m *Market) deliver(ctx context.Context, reports []positionReport) {
	for _, r := range reports {
		if err := m.reporter.ReportPositions(ctx, r.user, r.changes); err != nil {
			m.logger.Error("Failed to report margin positions",
				zap.String("user", r.user.String()),
				zap.Int("changes", len(r.changes)),
				zap.Error(err))
		}
	}
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}
