// Package memory is an embedded, process-local implementation of the wallet
// and bonus repositories. Transactions are serialized by one mutex and work on
// a copy of the state that replaces the committed state only when the unit of
// work succeeds, so a failed unit leaves nothing behind.
package memory

import (
	"context"
	"sync"

	"bonus_service/internal/bonus"
	"bonus_service/internal/wallet"
)

type state struct {
	wallets       map[string]wallet.Wallet
	transactions  []wallet.Transaction
	ledgerIndex   map[string]int
	definitions   map[string]bonus.BonusDefinition
	instances     map[string]bonus.BonusInstance
	contributions map[string]bonus.WagerContribution
	events        []bonus.BonusEvent
	audit         []bonus.AuditEntry
}

func newState() *state {
	return &state{
		wallets:       map[string]wallet.Wallet{},
		ledgerIndex:   map[string]int{},
		definitions:   map[string]bonus.BonusDefinition{},
		instances:     map[string]bonus.BonusInstance{},
		contributions: map[string]bonus.WagerContribution{},
	}
}

// clone copies the containers. Stored records are values and are replaced,
// never mutated in place, so sharing their nested maps is safe.
func (st *state) clone() *state {
	out := &state{
		wallets:       make(map[string]wallet.Wallet, len(st.wallets)),
		transactions:  make([]wallet.Transaction, len(st.transactions)),
		ledgerIndex:   make(map[string]int, len(st.ledgerIndex)),
		definitions:   make(map[string]bonus.BonusDefinition, len(st.definitions)),
		instances:     make(map[string]bonus.BonusInstance, len(st.instances)),
		contributions: make(map[string]bonus.WagerContribution, len(st.contributions)),
		events:        make([]bonus.BonusEvent, len(st.events)),
		audit:         make([]bonus.AuditEntry, len(st.audit)),
	}
	for k, v := range st.wallets {
		out.wallets[k] = v
	}
	copy(out.transactions, st.transactions)
	for k, v := range st.ledgerIndex {
		out.ledgerIndex[k] = v
	}
	for k, v := range st.definitions {
		out.definitions[k] = v
	}
	for k, v := range st.instances {
		out.instances[k] = v
	}
	for k, v := range st.contributions {
		out.contributions[k] = v
	}
	copy(out.events, st.events)
	copy(out.audit, st.audit)
	return out
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) Wallets() *WalletRepository {
	return &WalletRepository{store: s}
}

func (s *Store) Bonuses() *BonusRepository {
	return &BonusRepository{store: s}
}

// run executes fn against tx when already inside a transaction, otherwise
// against the committed state under the store lock.
func (s *Store) run(ctx context.Context, tx *state, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx != nil {
		return fn(tx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) transaction(ctx context.Context, tx *state, fn func(draft *state) error) error {
	if tx != nil {
		return fn(tx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	draft := s.st.clone()
	if err := fn(draft); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = draft
	return nil
}
