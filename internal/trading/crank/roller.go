package crank

import (
	"context"

	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/Aidin1998/fixedterm/internal/trading/model"
	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"github.com/google/uuid"
)

// RollStats counts what one roller pass did.
type RollStats struct {
	LoansRolled    int
	DepositsRolled int
	MarkedDue      int
	Rejected       int
}

// Roll walks every account once. Matured auto-roll loans are refinanced and
// matured auto-roll deposits re-lent; matured loans still unpaid afterwards
// are marked due. Rejections are counted and the pass continues; only
// infrastructure errors stop it.
func (c *Crank) Roll(ctx context.Context) (RollStats, error) {
	var stats RollStats
	now := c.now().Unix()
	for _, id := range c.market.UserIDs() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		u, ok := c.market.User(id)
		if !ok {
			continue
		}
		for _, l := range u.Loans() {
			if l.Maturity > now {
				continue
			}
			if l.Flags.Has(market.FlagAutoRoll) && u.BorrowRoll.Enabled && u.Margin {
				ok, err := c.tryRoll(ctx, model.TypeRollLoan, id, l.Sequence, &stats)
				if err != nil {
					return stats, err
				}
				if ok {
					stats.LoansRolled++
					// proceeds may have closed the loan or changed its flags
					if l, ok = c.loan(id, l.Sequence); !ok {
						continue
					}
				}
			}
			if l.Flags.Has(market.FlagMarkedDue) {
				continue
			}
			ok, err := c.tryRoll(ctx, model.TypeMarkDue, id, l.Sequence, &stats)
			if err != nil {
				return stats, err
			}
			if ok {
				stats.MarkedDue++
			}
		}
		for _, d := range u.Deposits() {
			if d.Maturity > now || !d.Flags.Has(market.FlagAutoRoll) || !u.LendRoll.Enabled {
				continue
			}
			ok, err := c.tryRoll(ctx, model.TypeRollDeposit, id, d.Sequence, &stats)
			if err != nil {
				return stats, err
			}
			if ok {
				stats.DepositsRolled++
			}
		}
	}

	label := c.market.ID().String()
	metrics.CrankRuns.WithLabelValues(label, "roll", "ok").Inc()
	if stats != (RollStats{}) {
		c.logger.Infow("Roll pass complete",
			"loans_rolled", stats.LoansRolled,
			"deposits_rolled", stats.DepositsRolled,
			"marked_due", stats.MarkedDue,
			"rejected", stats.Rejected)
	}
	return stats, nil
}

func (c *Crank) loan(owner uuid.UUID, seq uint64) (market.TermLoan, bool) {
	u, ok := c.market.User(owner)
	if !ok {
		return market.TermLoan{}, false
	}
	return u.Loan(seq)
}

// tryRoll submits one obligation instruction. A rejected instruction is
// not an error for the pass.
func (c *Crank) tryRoll(ctx context.Context, typ string, owner uuid.UUID, seq uint64, stats *RollStats) (bool, error) {
	_, err := c.submit(ctx, &model.Instruction{Type: typ, Owner: owner, Seq: seq})
	if err == nil {
		return true, nil
	}
	if rejected(err) {
		stats.Rejected++
		c.logger.Debugw("Obligation instruction rejected",
			"type", typ,
			"owner", owner.String(),
			"seq", seq,
			"error", err)
		return false, nil
	}
	metrics.CrankRuns.WithLabelValues(c.market.ID().String(), "roll", "error").Inc()
	return false, err
}
