package trading

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/eventjournal"
	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/Aidin1998/fixedterm/internal/trading/model"
	"github.com/Aidin1998/fixedterm/internal/trading/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	cfg       market.Config
	dir       string
	wall      *market.ManualClock
	authority model.Signer
	crank     model.Signer
}

func newHarness(t *testing.T) *harness {
	return &harness{
		cfg: market.Config{
			ID:               uuid.New(),
			Authority:        uuid.New(),
			FeeDestination:   uuid.New(),
			BorrowTenor:      60,
			LendTenor:        60,
			TickSize:         1,
			MinBaseOrderSize: 5,
			OrderCapacity:    32,
			EventCapacity:    64,
			MaxAdapters:      2,
		},
		dir:   t.TempDir(),
		wall:  market.NewManualClock(time.Unix(1_700_000_000, 0)),
		crank: model.Signer{User: uuid.New()},
	}
}

// open builds a service over the harness directory, as a restarted process would.
func (h *harness) open(t *testing.T, st *store.Store, every int) *Service {
	t.Helper()
	jcfg := eventjournal.DefaultConfig()
	jcfg.FilePath = filepath.Join(h.dir, "journal.log")
	jcfg.SyncWrites = false
	journal, err := eventjournal.NewEventJournal(zap.NewNop().Sugar(), jcfg)
	require.NoError(t, err)
	opts := []Option{WithWallClock(h.wall)}
	if st != nil {
		opts = append(opts, WithStore(st, every))
	}
	svc, err := NewService(h.cfg, journal, opts...)
	require.NoError(t, err)
	_, err = svc.Recover(context.Background())
	require.NoError(t, err)
	h.authority = model.Signer{User: h.cfg.Authority}
	return svc
}

func (h *harness) exec(t *testing.T, svc *Service, ins model.Instruction) *model.Result {
	t.Helper()
	ins.ID = uuid.New()
	ins.Market = h.cfg.ID
	res, err := svc.Execute(context.Background(), &ins)
	require.NoError(t, err, ins.Type)
	h.wall.Advance(time.Second)
	return res
}

// workload trades, settles and rolls time past maturity.
func (h *harness) workload(t *testing.T, svc *Service) {
	lender := model.Signer{User: uuid.New()}
	seller := model.Signer{User: uuid.New()}
	h.exec(t, svc, model.Instruction{Type: model.TypeAuthorizeCrank, Signer: h.authority, Crank: h.crank.User})
	h.exec(t, svc, model.Instruction{Type: model.TypeRegisterUser, Signer: lender})
	h.exec(t, svc, model.Instruction{Type: model.TypeRegisterUser, Signer: seller})
	h.exec(t, svc, model.Instruction{Type: model.TypeDepositUnderlying, Signer: lender, Amount: 500})
	h.exec(t, svc, model.Instruction{Type: model.TypeDepositTickets, Signer: seller, Amount: 300})
	for i := 0; i < 3; i++ {
		h.exec(t, svc, model.Instruction{Type: model.TypePlaceOrder, Signer: seller, Order: &model.Order{
			Side: model.SideBorrow, LimitPrice: decimal.RequireFromString("0.5"), MaxBase: 50,
		}})
	}
	h.exec(t, svc, model.Instruction{Type: model.TypePlaceOrder, Signer: lender, Order: &model.Order{
		Side: model.SideLend, LimitPrice: decimal.RequireFromString("0.5"), MaxBase: 120, AutoStake: true,
	}})
	h.exec(t, svc, model.Instruction{Type: model.TypeConsumeEvents, Signer: h.crank, Max: 2})
	h.wall.Advance(time.Minute)
	h.exec(t, svc, model.Instruction{Type: model.TypeConsumeEvents, Signer: h.crank, Max: 10})
}

func snapshotJSON(t *testing.T, m *market.Market) string {
	t.Helper()
	raw, err := json.Marshal(m.Snapshot())
	require.NoError(t, err)
	return string(raw)
}

func TestService_JournalReplayReproducesState(t *testing.T) {
	h := newHarness(t)
	svc := h.open(t, nil, 0)
	h.workload(t, svc)
	want := snapshotJSON(t, svc.Market())
	require.NoError(t, svc.Stop())

	restarted := h.open(t, nil, 0)
	defer restarted.Stop()
	assert.JSONEq(t, want, snapshotJSON(t, restarted.Market()))
	assert.NoError(t, restarted.Market().Audit())
}

func TestService_CheckpointPlusJournal(t *testing.T) {
	h := newHarness(t)
	st, err := store.Open(store.Config{Dir: filepath.Join(h.dir, "badger"), Keep: 2}, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	svc := h.open(t, st, 4)
	h.workload(t, svc)
	seqs, err := st.Sequences(h.cfg.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, seqs, "checkpoints were taken while running")

	// instructions after the last checkpoint live only in the journal
	extra := model.Signer{User: uuid.New()}
	h.exec(t, svc, model.Instruction{Type: model.TypeRegisterUser, Signer: extra})
	want := snapshotJSON(t, svc.Market())

	// simulate a crash: no final checkpoint, just release the journal file
	require.NoError(t, svc.journal.Close())

	restarted := h.open(t, st, 4)
	assert.JSONEq(t, want, snapshotJSON(t, restarted.Market()))
	_, ok := restarted.Market().User(extra.User)
	assert.True(t, ok)
	require.NoError(t, restarted.Stop())
}

func TestService_RejectedInstructionsAreNotJournaled(t *testing.T) {
	h := newHarness(t)
	svc := h.open(t, nil, 0)
	defer svc.Stop()

	res, err := svc.Execute(context.Background(), &model.Instruction{
		ID:     uuid.New(),
		Type:   model.TypeWithdrawUnderlying,
		Market: h.cfg.ID,
		Signer: model.Signer{User: uuid.New()},
		Amount: 1,
	})
	assert.ErrorIs(t, err, market.ErrUserNotFound)
	assert.True(t, res.Failed())
	assert.Zero(t, svc.journal.Seq())

	ok := h.exec(t, svc, model.Instruction{Type: model.TypeRegisterUser, Signer: model.Signer{User: uuid.New()}})
	assert.Equal(t, uint64(1), ok.Seq)
}

func TestService_ReplayPinsInstructionTime(t *testing.T) {
	h := newHarness(t)
	svc := h.open(t, nil, 0)
	holder := model.Signer{User: uuid.New()}
	h.exec(t, svc, model.Instruction{Type: model.TypeRegisterUser, Signer: holder})
	h.exec(t, svc, model.Instruction{Type: model.TypeDepositTickets, Signer: holder, Amount: 20})
	res := h.exec(t, svc, model.Instruction{Type: model.TypeStakeTickets, Signer: holder, Amount: 20})
	require.NoError(t, svc.Stop())

	// the wall clock moves on; the replayed deposit keeps its original maturity
	h.wall.Advance(24 * time.Hour)
	restarted := h.open(t, nil, 0)
	defer restarted.Stop()
	u, ok := restarted.Market().User(holder.User)
	require.True(t, ok)
	d, ok := u.Deposit(0)
	require.True(t, ok)
	assert.Equal(t, res.Deposit.Maturity, d.Maturity)
}
