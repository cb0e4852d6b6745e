// Package accountant runs the per-account units of work: the rebalancing
// pass (snapshot, exposure, plan, order validation) and the inventory fold.
// Each unit is exclusive per account and publishes its results to the hub.
package accountant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/accountant/internal/exposure"
	"github.com/atmx/accountant/internal/inventory"
	"github.com/atmx/accountant/internal/lock"
	"github.com/atmx/accountant/internal/market"
	"github.com/atmx/accountant/internal/metrics"
	"github.com/atmx/accountant/internal/model"
	"github.com/atmx/accountant/internal/order"
	"github.com/atmx/accountant/internal/rebalance"
	"github.com/atmx/accountant/internal/store"
)

// Operation names, used in logs and metrics.
const (
	OpRebalance = "rebalance"
	OpInventory = "inventory"
)

// Service wires the core algorithms to persistence, locking and the hub.
type Service struct {
	store      store.Store
	locker     lock.Locker
	markets    *market.Resolver
	aggregator *exposure.Aggregator
	validator  *order.Validator
	ledger     *inventory.Ledger
	hub        *Hub // optional
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates the accountant service. Pass nil for hub if results
// do not need to be streamed.
func NewService(st store.Store, locker lock.Locker, markets *market.Resolver, hub *Hub, logger *slog.Logger) *Service {
	return &Service{
		store:      st,
		locker:     locker,
		markets:    markets,
		aggregator: exposure.NewAggregator(markets),
		validator:  order.NewValidator(markets),
		ledger:     inventory.NewLedger(st),
		hub:        hub,
		logger:     logger,
		now:        time.Now,
	}
}

// Outcome is the result of one rebalancing pass.
type Outcome struct {
	AccountID string                `json:"account_id"`
	Pass      string                `json:"pass"`
	Price     string                `json:"price"`
	Plan      *rebalance.Plan       `json:"plan"`
	Orders    []model.OrderSpec     `json:"orders"`
	Transfers []model.Transfer      `json:"transfers"`
	Rejected  []order.RejectError   `json:"rejected,omitempty"`
	Exposure  []model.ExposureEntry `json:"exposure"`
}

// Rebalance runs one rebalancing pass for the account. It returns an error
// wrapping lock.ErrLocked when a pass for the same account is in flight,
// and one wrapping market.ErrMarketNotFound when a holding cannot be
// priced. Rejected orders and blocked legs are part of the outcome.
func (s *Service) Rebalance(ctx context.Context, accountID string) (out *Outcome, err error) {
	start := s.now()
	release, err := s.acquire(ctx, OpRebalance, lock.RebalanceKey(accountID), start)
	if err != nil {
		return nil, err
	}
	defer release()
	defer func() { metrics.ObservePass(OpRebalance, outcome(err), start) }()

	snap, err := s.store.GetSnapshot(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	acct := snap.Account
	if err := acct.Validate(); err != nil {
		return nil, err
	}

	pass := uuid.New().String()
	log := s.logger.With("account", acct.Name, "pass", pass, "operation", OpRebalance)

	price, err := s.markets.BasePrice(ctx, acct)
	if err != nil {
		log.Warn("base price unavailable", "err", err)
		return nil, fmt.Errorf("price %s/%s: %w", acct.Base, acct.Quote, err)
	}

	book, err := s.aggregator.Aggregate(ctx, snap, log)
	if err != nil {
		log.Error("aggregate exposure", "err", err)
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	plan, err := rebalance.Delta(acct, book, price, log)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}

	out = &Outcome{
		AccountID: acct.ID,
		Pass:      pass,
		Price:     price.String(),
		Plan:      plan,
		Exposure:  book.Entries(),
	}
	for _, b := range plan.Blocked {
		metrics.BlockedTotal.WithLabelValues(string(b.Reason)).Inc()
	}

	for _, a := range plan.Actions() {
		metrics.ActionsTotal.WithLabelValues(string(a.Action)).Inc()

		if a.Action == model.TransferIn {
			out.Transfers = append(out.Transfers, model.Transfer{
				AccountID: acct.ID,
				Code:      a.Code,
				From:      otherWallet(a.Wallet),
				To:        a.Wallet,
				Amount:    a.Delta,
			})
			continue
		}

		spec, err := s.validator.Validate(ctx, acct, a, price, log)
		var rej *order.RejectError
		if errors.As(err, &rej) {
			metrics.RejectionsTotal.WithLabelValues(rej.Reason).Inc()
			out.Rejected = append(out.Rejected, *rej)
			continue
		}
		if err != nil {
			log.Error("validate order", "action", string(a.Action), "code", a.Code, "err", err)
			return nil, fmt.Errorf("validate %s %s: %w", a.Action, a.Code, err)
		}
		out.Orders = append(out.Orders, *spec)
	}

	// Transfers go first: the orders that follow may need the moved margin.
	for _, t := range out.Transfers {
		s.hub.Publish(Event{Type: EventTransferProposed, AccountID: acct.ID, Pass: pass, Time: s.now(), Payload: t})
	}
	for _, o := range out.Orders {
		s.hub.Publish(Event{Type: EventOrderProposed, AccountID: acct.ID, Pass: pass, Time: s.now(), Payload: o})
	}

	log.Info("rebalance complete",
		"orders", len(out.Orders),
		"transfers", len(out.Transfers),
		"rejected", len(out.Rejected),
		"blocked", len(plan.Blocked),
		"duration", time.Since(start),
	)
	return out, nil
}

// UpdateInventories folds the account's new spot and perpetual trades into
// its ledgers and returns the appended entries.
func (s *Service) UpdateInventories(ctx context.Context, accountID string) (entries []model.InventoryEntry, err error) {
	start := s.now()
	release, err := s.acquire(ctx, OpInventory, lock.InventoryKey(accountID), start)
	if err != nil {
		return nil, err
	}
	defer release()
	defer func() { metrics.ObservePass(OpInventory, outcome(err), start) }()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	pass := uuid.New().String()
	log := s.logger.With("account", acct.Name, "pass", pass, "operation", OpInventory)

	entries, err = s.ledger.UpdateInventories(ctx, *acct, log)
	if errors.Is(err, store.ErrDuplicateEntry) {
		log.Error("trade folded twice, ledger chain is inconsistent", "err", err)
	}

	for _, e := range entries {
		metrics.InventoryEntries.WithLabelValues(e.Instrument.String()).Inc()
		if e.Clamped {
			metrics.ClampedEntries.WithLabelValues(e.Instrument.String()).Inc()
		}
		s.hub.Publish(Event{Type: EventInventoryAppended, AccountID: acct.ID, Pass: pass, Time: s.now(), Payload: e})
	}
	if err != nil {
		return entries, err
	}

	log.Info("inventory updated", "entries", len(entries), "duration", time.Since(start))
	return entries, nil
}

// Summary reports the PnL of one of the account's ledgers.
func (s *Service) Summary(ctx context.Context, accountID string, inst model.Instrument) ([]inventory.CurrencySummary, error) {
	return s.ledger.Summary(ctx, accountID, inst)
}

func (s *Service) acquire(ctx context.Context, op, key string, start time.Time) (func(), error) {
	release, err := s.locker.TryLock(ctx, key)
	if errors.Is(err, lock.ErrLocked) {
		metrics.LockContention.WithLabelValues(op).Inc()
		metrics.ObservePass(op, "skipped", start)
		return nil, err
	}
	if err != nil {
		metrics.ObservePass(op, "failed", start)
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return release, nil
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

func otherWallet(w model.Wallet) model.Wallet {
	if w == model.WalletSpot {
		return model.WalletFuture
	}
	return model.WalletSpot
}
