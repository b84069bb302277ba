package main

import (
	"encoding/json"
	"fmt"

	"github.com/Aidin1998/fixedterm/internal/trading/eventqueue"
	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/Aidin1998/fixedterm/internal/trading/orderbook"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// replaySummary is what replay prints.
type replaySummary struct {
	Market          string            `json:"market"`
	JournalSeq      uint64            `json:"journal_seq"`
	Ledger          market.Ledger     `json:"ledger"`
	Queue           eventqueue.Header `json:"queue"`
	Bids            int               `json:"bids"`
	Asks            int               `json:"asks"`
	Users           int               `json:"users"`
	OrderbookPaused bool              `json:"orderbook_paused"`
	TicketsPaused   bool              `json:"tickets_paused"`
	Audit           string            `json:"audit"`
}

func (cli *CLI) replayCommand() *cobra.Command {
	var snapshot, checkpoint bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the market from the checkpoint and journal, then print its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openService(cmd.Context(), cli.cfg, cli.logger, nil)
			if err != nil {
				return err
			}
			defer n.close()

			m := n.svc.Market()
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if snapshot {
				if err := enc.Encode(m.Snapshot()); err != nil {
					return err
				}
			} else {
				sum := replaySummary{
					Market:     m.ID().String(),
					JournalSeq: n.journal.Seq(),
					Ledger:     m.Ledger(),
					Queue:      m.QueueHeader(),
					Bids:       len(m.Orders(orderbook.Bid)),
					Asks:       len(m.Orders(orderbook.Ask)),
					Users:      len(m.UserIDs()),
					Audit:      "ok",
				}
				sum.OrderbookPaused, sum.TicketsPaused = m.Paused()
				if err := m.Audit(); err != nil {
					sum.Audit = err.Error()
				}
				if err := enc.Encode(sum); err != nil {
					return err
				}
			}

			if checkpoint {
				// Stop checkpoints and closes the journal.
				if err := n.svc.Stop(); err != nil {
					return err
				}
				cli.logger.Info("Checkpoint written", zap.Uint64("journal_seq", n.journal.Seq()))
				return nil
			}
			if err := n.journal.Close(); err != nil {
				return fmt.Errorf("failed to close journal: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "print the full market snapshot instead of a summary")
	cmd.Flags().BoolVar(&checkpoint, "checkpoint", false, "write a checkpoint and rotate the journal after replay")
	return cmd
}
