package bonus_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bonus_service/internal/apperrors"
	"bonus_service/internal/bonus"
	"bonus_service/internal/wallet"
)

func TestWagerReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	def := f.define(scenarioDefinition())
	userID := uuid.NewString()
	res := f.claim(userID, def.ID, "100")

	f.wager(userID, "w-1", "100", bonus.GameTypeSlots)
	again := f.wager(userID, "w-1", "100", bonus.GameTypeSlots)
	assert.Empty(t, again.Applied)
	assert.Equal(t, []string{res.InstanceID}, again.Duplicates)

	inst := f.instance(res.InstanceID)
	requireAmount(t, "100", inst.Progress)
	requireAmount(t, "200", inst.RemainingRollover)
	requireConserved(t, inst)
}

func TestConcurrentReplaysApplyOnce(t *testing.T) {
	f := newFixture(t)
	def := f.define(scenarioDefinition())
	userID := uuid.NewString()
	res := f.claim(userID, def.ID, "100")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.ProcessWager(context.Background(), bonus.WagerEvent{
				WagerID:  "w-1",
				UserID:   userID,
				Amount:   amount("40"),
				Category: bonus.GameTypeSlots,
				Currency: "USD",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	inst := f.instance(res.InstanceID)
	requireAmount(t, "40", inst.Progress)
	requireConserved(t, inst)
}

func TestVoidReversesContribution(t *testing.T) {
	f := newFixture(t)
	def := f.define(scenarioDefinition())
	userID := uuid.NewString()
	res := f.claim(userID, def.ID, "100")

	f.wager(userID, "w-1", "120", bonus.GameTypeSlots)
	void := bonus.WagerEvent{
		WagerID:  "w-1",
		UserID:   userID,
		Amount:   amount("120"),
		Category: bonus.GameTypeSlots,
		Provider: "netent",
		Currency: "USD",
		IsVoid:   true,
	}
	out, err := f.service.ProcessWager(context.Background(), void)
	require.NoError(t, err)
	assert.Equal(t, []string{res.InstanceID}, out.Applied)

	inst := f.instance(res.InstanceID)
	requireAmount(t, "0", inst.Progress)
	requireAmount(t, "300", inst.RemainingRollover)
	requireConserved(t, inst)

	out, err = f.service.ProcessWager(context.Background(), void)
	require.NoError(t, err)
	assert.Equal(t, []string{res.InstanceID}, out.Duplicates)
	requireAmount(t, "0", f.instance(res.InstanceID).Progress)

	// The placed key is still recorded, so the wager cannot be counted again.
	replay := f.wager(userID, "w-1", "120", bonus.GameTypeSlots)
	assert.Equal(t, []string{res.InstanceID}, replay.Duplicates)

	assert.Equal(t, []string{
		bonus.EventBonusGranted,
		bonus.EventWagerPlaced,
		bonus.EventBonusProgressed,
		bonus.EventWagerVoided,
		bonus.EventBonusProgressed,
	}, f.eventTypes(userID, inst.ID))
}

func TestVoidOfUnknownWagerIsSkipped(t *testing.T) {
	f := newFixture(t)
	def := f.define(scenarioDefinition())
	userID := uuid.NewString()
	res := f.claim(userID, def.ID, "100")
	f.wager(userID, "w-1", "50", bonus.GameTypeSlots)

	out, err := f.service.ProcessWager(context.Background(), bonus.WagerEvent{
		WagerID:  "w-unknown",
		UserID:   userID,
		Amount:   amount("50"),
		Category: bonus.GameTypeSlots,
		IsVoid:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{res.InstanceID}, out.Skipped)
	requireAmount(t, "50", f.instance(res.InstanceID).Progress)
}

func TestContributionWeights(t *testing.T) {
	tests := []struct {
		name     string
		category string
		provider string
		gameID   string
		progress string
	}{
		{name: "default weight", category: bonus.GameTypeSlots, provider: "netent", progress: "100"},
		{name: "category weight", category: bonus.GameTypeTableGames, provider: "evolution", progress: "50"},
		{name: "zero weight category", category: bonus.GameTypeLiveCasino, provider: "evolution", progress: "0"},
		{name: "blacklisted provider", category: bonus.GameTypeSlots, provider: "shady", progress: "0"},
		{name: "blacklisted game", category: bonus.GameTypeSlots, provider: "netent", gameID: "mega-joker", progress: "0"},
		{name: "other game of listed provider", category: bonus.GameTypeSlots, provider: "netent", gameID: "starburst", progress: "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := scenarioDefinition()
			in.CategoryWeights = map[string]decimal.Decimal{
				bonus.GameTypeTableGames: amount("0.5"),
				bonus.GameTypeLiveCasino: decimal.Zero,
			}
			in.GameBlacklist = []string{"shady", "netent:mega-joker"}
			def := f.define(in)
			userID := uuid.NewString()
			res := f.claim(userID, def.ID, "100")

			_, err := f.service.ProcessWager(context.Background(), bonus.WagerEvent{
				WagerID:  "w-1",
				UserID:   userID,
				Amount:   amount("100"),
				Category: tt.category,
				Provider: tt.provider,
				GameID:   tt.gameID,
			})
			require.NoError(t, err)

			inst := f.instance(res.InstanceID)
			requireAmount(t, tt.progress, inst.Progress)
			requireConserved(t, inst)
		})
	}
}

func TestContributionIsCappedAtRemaining(t *testing.T) {
	f := newFixture(t)
	def := f.define(scenarioDefinition())
	userID := uuid.NewString()
	res := f.claim(userID, def.ID, "100")

	out := f.wager(userID, "w-1", "1000", bonus.GameTypeSlots)
	assert.Equal(t, []string{res.InstanceID}, out.Completed)

	events, err := f.service.ListEvents(context.Background(), userID, res.InstanceID, 0)
	require.NoError(t, err)
	var placed *bonus.WagerPayload
	for i := range events {
		if events[i].Type != bonus.EventWagerPlaced {
			continue
		}
		payload, err := bonus.DecodePayload(&events[i])
		require.NoError(t, err)
		placed = payload.(*bonus.WagerPayload)
	}
	require.NotNil(t, placed)
	requireAmount(t, "300", placed.Contribution)
	requireAmount(t, "1000", placed.Amount)
	assert.Equal(t, bonus.BonusStatusActive, placed.Before.Status)
	requireAmount(t, "300", placed.Before.RemainingRollover)
	requireAmount(t, "0", placed.After.RemainingRollover)
	requireAmount(t, "300", placed.After.Progress)
}

func TestWagerAppliesToEveryActiveInstance(t *testing.T) {
	f := newFixture(t)
	first := f.define(scenarioDefinition())
	second := scenarioDefinition()
	second.Name = "Second reload"
	second.RolloverMultiplier = amount("1")
	secondDef := f.define(second)
	euro := scenarioDefinition()
	euro.Currency = "EUR"
	euroDef := f.define(euro)

	userID := uuid.NewString()
	a := f.claim(userID, first.ID, "100")
	b := f.claim(userID, secondDef.ID, "100")
	c, err := f.service.Claim(context.Background(), bonus.ClaimRequest{UserID: userID, BonusID: euroDef.ID, DepositAmount: amount("100")})
	require.NoError(t, err)

	out := f.wager(userID, "w-1", "100", bonus.GameTypeSlots)
	assert.ElementsMatch(t, []string{a.InstanceID, b.InstanceID}, out.Applied)
	assert.Equal(t, []string{b.InstanceID}, out.Completed)

	requireAmount(t, "100", f.instance(a.InstanceID).Progress)
	assert.Equal(t, bonus.BonusStatusCompleted, f.instance(b.InstanceID).Status)
	requireAmount(t, "0", f.instance(c.InstanceID).Progress)

	// The completion moved the second grant; the first stays in the bonus wallet.
	requireAmount(t, "100", f.balance(userID, wallet.TypeBonus))
	requireAmount(t, "100", f.balance(userID, wallet.TypeMain))
	f.requireConsistent(userID)
}

func TestCompletionTransfersAtMostBonusBalance(t *testing.T) {
	f := newFixture(t)
	def := f.define(scenarioDefinition())
	userID := uuid.NewString()
	res := f.claim(userID, def.ID, "100")

	// Bonus funds lost in play before the rollover was met.
	_, err := f.wallets.ProcessTransaction(context.Background(), wallet.TransactionRequest{
		PlayerID:        userID,
		WalletType:      wallet.TypeBonus,
		TransactionType: wallet.TxBet,
		Amount:          amount("70"),
		ReferenceID:     "bet-1",
	})
	require.NoError(t, err)

	f.wager(userID, "bet-1", "300", bonus.GameTypeSlots)
	assert.Equal(t, bonus.BonusStatusCompleted, f.instance(res.InstanceID).Status)
	requireAmount(t, "0", f.balance(userID, wallet.TypeBonus))
	requireAmount(t, "30", f.balance(userID, wallet.TypeMain))
	f.requireConsistent(userID)
}

func TestWagerValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		ev   bonus.WagerEvent
	}{
		{name: "missing wager id", ev: bonus.WagerEvent{UserID: "u", Amount: amount("1"), Category: "slots"}},
		{name: "missing user", ev: bonus.WagerEvent{WagerID: "w", Amount: amount("1"), Category: "slots"}},
		{name: "zero amount", ev: bonus.WagerEvent{WagerID: "w", UserID: "u", Category: "slots"}},
		{name: "negative amount", ev: bonus.WagerEvent{WagerID: "w", UserID: "u", Amount: amount("-5"), Category: "slots"}},
		{name: "missing category", ev: bonus.WagerEvent{WagerID: "w", UserID: "u", Amount: amount("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.ProcessWager(context.Background(), tt.ev)
			require.Error(t, err)
			assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
		})
	}
}

func TestWagerWithoutActiveBonus(t *testing.T) {
	f := newFixture(t)
	out := f.wager(uuid.NewString(), "w-1", "10", bonus.GameTypeSlots)
	assert.Empty(t, out.Applied)
	assert.False(t, out.HasFailures())
}
