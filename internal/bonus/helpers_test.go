package bonus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"bonus_service/internal/bonus"
	"bonus_service/internal/logger"
	"bonus_service/internal/store/memory"
	"bonus_service/internal/wallet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t       *testing.T
	store   *memory.Store
	clock   *fakeClock
	service *bonus.Service
	wallets *wallet.Service
}

func newFixture(t *testing.T, configure ...func(o *bonus.Options)) *fixture {
	t.Helper()
	store := memory.New()
	clock := newFakeClock()
	opts := bonus.Options{Timeout: time.Second, Clock: clock.Now}
	for _, fn := range configure {
		fn(&opts)
	}
	wallets := wallet.NewService(store.Wallets(), time.Second, logger.Nop())
	wallets.SetClock(clock.Now)
	return &fixture{
		t:       t,
		store:   store,
		clock:   clock,
		service: bonus.NewService(store.Bonuses(), nil, logger.Nop(), opts),
		wallets: wallets,
	}
}

func amount(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, amount(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

// scenarioDefinition is the fixed 100 bonus with 3x rollover and a 50 minimum
// deposit.
func scenarioDefinition() bonus.DefinitionInput {
	return bonus.DefinitionInput{
		Name:               "Reload 100",
		Type:               bonus.TypeReload,
		AmountType:         bonus.AmountFixed,
		AmountValue:        amount("100"),
		MinDeposit:         amount("50"),
		RolloverMultiplier: amount("3"),
		MaxPerUser:         1,
		Currency:           "USD",
		IsActive:           true,
	}
}

func (f *fixture) define(in bonus.DefinitionInput) *bonus.BonusDefinition {
	f.t.Helper()
	def, err := f.service.CreateDefinition(context.Background(), in)
	require.NoError(f.t, err)
	return def
}

func (f *fixture) claim(userID, bonusID string, deposit string) *bonus.ClaimResult {
	f.t.Helper()
	res, err := f.service.Claim(context.Background(), bonus.ClaimRequest{
		UserID:        userID,
		BonusID:       bonusID,
		DepositAmount: amount(deposit),
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) wager(userID, wagerID, stake, category string) *bonus.WagerResult {
	f.t.Helper()
	res, err := f.service.ProcessWager(context.Background(), bonus.WagerEvent{
		WagerID:  wagerID,
		UserID:   userID,
		Amount:   amount(stake),
		Category: category,
		Provider: "netent",
		Currency: "USD",
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) instance(id string) *bonus.BonusInstance {
	f.t.Helper()
	inst, err := f.store.Bonuses().GetInstance(context.Background(), id)
	require.NoError(f.t, err)
	return inst
}

func (f *fixture) balance(userID, walletType string) decimal.Decimal {
	f.t.Helper()
	w, err := f.store.Wallets().GetBalance(context.Background(), userID, walletType, "USD")
	if err != nil {
		require.ErrorIs(f.t, err, wallet.ErrWalletNotFound)
		return decimal.Zero
	}
	return w.Balance
}

// requireConsistent checks the cached balance of both wallets against their
// ledgers.
func (f *fixture) requireConsistent(userID string) {
	f.t.Helper()
	for _, walletType := range []string{wallet.TypeMain, wallet.TypeBonus} {
		rec, err := f.wallets.Reconcile(context.Background(), userID, walletType, "USD")
		if err != nil {
			require.ErrorIs(f.t, err, wallet.ErrWalletNotFound)
			continue
		}
		require.Truef(f.t, rec.Consistent, "%s wallet cached %s, ledger %s", walletType, rec.CachedBalance, rec.LedgerBalance)

		txs, err := f.store.Wallets().ListTransactions(context.Background(), rec.WalletID, 1000, 0)
		require.NoError(f.t, err)
		sum := decimal.Zero
		for i := range txs {
			sum = sum.Add(txs[i].Signed())
		}
		require.Truef(f.t, sum.Equal(rec.CachedBalance), "%s wallet signed sum %s != %s", walletType, sum, rec.CachedBalance)
	}
}

func requireConserved(t *testing.T, inst *bonus.BonusInstance) {
	t.Helper()
	require.Truef(t, inst.Progress.Add(inst.RemainingRollover).Equal(inst.InitialRollover),
		"progress %s + remaining %s != initial %s", inst.Progress, inst.RemainingRollover, inst.InitialRollover)
}

func (f *fixture) eventTypes(userID, instanceID string) []string {
	f.t.Helper()
	events, err := f.service.ListEvents(context.Background(), userID, instanceID, 0)
	require.NoError(f.t, err)
	types := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		types = append(types, events[i].Type)
	}
	return types
}
