package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"bonus_service/internal/bonus"
	"bonus_service/internal/wallet"
)

type BonusRepository struct {
	store *Store
	tx    *state
}

var _ bonus.BonusRepository = (*BonusRepository)(nil)

func (r *BonusRepository) Transaction(ctx context.Context, fn func(repo bonus.BonusRepository) error) error {
	return r.store.transaction(ctx, r.tx, func(draft *state) error {
		return fn(&BonusRepository{store: r.store, tx: draft})
	})
}

func (r *BonusRepository) Wallets() wallet.WalletRepository {
	return &WalletRepository{store: r.store, tx: r.tx}
}

func (r *BonusRepository) CreateDefinition(ctx context.Context, def *bonus.BonusDefinition) error {
	return r.store.run(ctx, r.tx, func(st *state) error {
		if def.ID == "" {
			def.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		def.CreatedAt = now
		def.UpdatedAt = now
		st.definitions[def.ID] = *def
		return nil
	})
}

func (r *BonusRepository) UpdateDefinition(ctx context.Context, def *bonus.BonusDefinition) error {
	return r.store.run(ctx, r.tx, func(st *state) error {
		existing, ok := st.definitions[def.ID]
		if !ok {
			return bonus.ErrDefinitionNotFound
		}
		def.CreatedAt = existing.CreatedAt
		def.UpdatedAt = time.Now().UTC()
		st.definitions[def.ID] = *def
		return nil
	})
}

func (r *BonusRepository) GetDefinition(ctx context.Context, id string) (*bonus.BonusDefinition, error) {
	var out *bonus.BonusDefinition
	err := r.store.run(ctx, r.tx, func(st *state) error {
		def, ok := st.definitions[id]
		if !ok {
			return bonus.ErrDefinitionNotFound
		}
		out = &def
		return nil
	})
	return out, err
}

func (r *BonusRepository) GetDefinitionByCode(ctx context.Context, code string) (*bonus.BonusDefinition, error) {
	var out *bonus.BonusDefinition
	err := r.store.run(ctx, r.tx, func(st *state) error {
		def, ok := lo.Find(lo.Values(st.definitions), func(d bonus.BonusDefinition) bool {
			return d.Code == code
		})
		if !ok {
			return bonus.ErrDefinitionNotFound
		}
		out = &def
		return nil
	})
	return out, err
}

func (r *BonusRepository) ListDefinitions(ctx context.Context, activeOnly bool) ([]bonus.BonusDefinition, error) {
	var out []bonus.BonusDefinition
	err := r.store.run(ctx, r.tx, func(st *state) error {
		out = lo.Filter(lo.Values(st.definitions), func(d bonus.BonusDefinition, _ int) bool {
			return !activeOnly || d.IsActive
		})
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		return nil
	})
	return out, err
}

// LockClaimKey is a no-op: transactions are already serialized.
func (r *BonusRepository) LockClaimKey(ctx context.Context, userID string, key string) error {
	return ctx.Err()
}

func (r *BonusRepository) userInstances(st *state, userID, bonusID string, statuses []string) []bonus.BonusInstance {
	return lo.Filter(lo.Values(st.instances), func(inst bonus.BonusInstance, _ int) bool {
		return inst.UserID == userID &&
			(bonusID == "" || inst.BonusID == bonusID) &&
			(statuses == nil || lo.Contains(statuses, inst.Status))
	})
}

func (r *BonusRepository) CountInstances(ctx context.Context, userID string, bonusID string, statuses []string) (int64, error) {
	var count int64
	err := r.store.run(ctx, r.tx, func(st *state) error {
		count = int64(len(r.userInstances(st, userID, bonusID, statuses)))
		return nil
	})
	return count, err
}

func (r *BonusRepository) LatestInstanceCreatedAt(ctx context.Context, userID string, bonusID string, statuses []string) (*time.Time, error) {
	var out *time.Time
	err := r.store.run(ctx, r.tx, func(st *state) error {
		for _, inst := range r.userInstances(st, userID, bonusID, statuses) {
			if out == nil || inst.CreatedAt.After(*out) {
				created := inst.CreatedAt
				out = &created
			}
		}
		return nil
	})
	return out, err
}

func (r *BonusRepository) FindInstance(ctx context.Context, userID string, bonusID string, status string) (*bonus.BonusInstance, error) {
	var out *bonus.BonusInstance
	err := r.store.run(ctx, r.tx, func(st *state) error {
		matches := r.userInstances(st, userID, bonusID, []string{status})
		if len(matches) == 0 {
			return bonus.ErrInstanceNotFound
		}
		sortByCreated(matches)
		out = &matches[0]
		return nil
	})
	return out, err
}

func (r *BonusRepository) CreateInstance(ctx context.Context, inst *bonus.BonusInstance) error {
	return r.store.run(ctx, r.tx, func(st *state) error {
		if inst.ID == "" {
			inst.ID = uuid.New().String()
		}
		if inst.Version == 0 {
			inst.Version = 1
		}
		if inst.CreatedAt.IsZero() {
			inst.CreatedAt = time.Now().UTC()
		}
		inst.UpdatedAt = inst.CreatedAt
		st.instances[inst.ID] = *inst
		return nil
	})
}

func (r *BonusRepository) GetInstance(ctx context.Context, id string) (*bonus.BonusInstance, error) {
	var out *bonus.BonusInstance
	err := r.store.run(ctx, r.tx, func(st *state) error {
		inst, ok := st.instances[id]
		if !ok {
			return bonus.ErrInstanceNotFound
		}
		out = &inst
		return nil
	})
	return out, err
}

func (r *BonusRepository) GetInstanceForUpdate(ctx context.Context, id string) (*bonus.BonusInstance, error) {
	return r.GetInstance(ctx, id)
}

func (r *BonusRepository) UpdateInstance(ctx context.Context, inst *bonus.BonusInstance) error {
	return r.store.run(ctx, r.tx, func(st *state) error {
		stored, ok := st.instances[inst.ID]
		if !ok || stored.Version != inst.Version {
			return bonus.ErrStaleInstance
		}
		inst.Version++
		inst.UpdatedAt = time.Now().UTC()
		st.instances[inst.ID] = *inst
		return nil
	})
}

func (r *BonusRepository) ListInstances(ctx context.Context, userID string, status string) ([]bonus.BonusInstance, error) {
	var statuses []string
	if status != "" {
		statuses = []string{status}
	}

	var out []bonus.BonusInstance
	err := r.store.run(ctx, r.tx, func(st *state) error {
		out = r.userInstances(st, userID, "", statuses)
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		return nil
	})
	return out, err
}

func (r *BonusRepository) ListActiveInstancesForWager(ctx context.Context, userID string) ([]bonus.BonusInstance, error) {
	var out []bonus.BonusInstance
	err := r.store.run(ctx, r.tx, func(st *state) error {
		out = lo.Filter(r.userInstances(st, userID, "", []string{bonus.BonusStatusActive}), func(inst bonus.BonusInstance, _ int) bool {
			return inst.RemainingRollover.IsPositive()
		})
		sortByCreated(out)
		return nil
	})
	return out, err
}

func (r *BonusRepository) ListExpirableInstances(ctx context.Context, now time.Time, afterID string, limit int) ([]bonus.BonusInstance, error) {
	if limit <= 0 {
		limit = 500
	}

	var out []bonus.BonusInstance
	err := r.store.run(ctx, r.tx, func(st *state) error {
		out = lo.Filter(lo.Values(st.instances), func(inst bonus.BonusInstance, _ int) bool {
			if inst.Status != bonus.BonusStatusEligible && inst.Status != bonus.BonusStatusActive {
				return false
			}
			if afterID != "" && inst.ID <= afterID {
				return false
			}
			if inst.ExpiresAt != nil && inst.ExpiresAt.Before(now) {
				return true
			}
			def, ok := st.definitions[inst.BonusID]
			return ok && def.ValidTo != nil && def.ValidTo.Before(now)
		})
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		if len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (r *BonusRepository) HasInstanceOfType(ctx context.Context, userID string, bonusType string, statuses []string) (bool, error) {
	found := false
	err := r.store.run(ctx, r.tx, func(st *state) error {
		found = lo.SomeBy(r.userInstances(st, userID, "", statuses), func(inst bonus.BonusInstance) bool {
			def, ok := st.definitions[inst.BonusID]
			return ok && def.Type == bonusType
		})
		return nil
	})
	return found, err
}

func (r *BonusRepository) GetContribution(ctx context.Context, key string) (*bonus.WagerContribution, error) {
	var out *bonus.WagerContribution
	err := r.store.run(ctx, r.tx, func(st *state) error {
		if c, ok := st.contributions[key]; ok {
			out = &c
		}
		return nil
	})
	return out, err
}

func (r *BonusRepository) CreateContribution(ctx context.Context, c *bonus.WagerContribution) error {
	return r.store.run(ctx, r.tx, func(st *state) error {
		if _, dup := st.contributions[c.ContributionKey]; dup {
			return bonus.ErrDuplicateContribution
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		st.contributions[c.ContributionKey] = *c
		return nil
	})
}

func (r *BonusRepository) AppendEvent(ctx context.Context, e *bonus.BonusEvent) error {
	return r.store.run(ctx, r.tx, func(st *state) error {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		st.events = append(st.events, *e)
		return nil
	})
}

func (r *BonusRepository) ListEvents(ctx context.Context, userID string, instanceID string, limit int) ([]bonus.BonusEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	out := []bonus.BonusEvent{}
	err := r.store.run(ctx, r.tx, func(st *state) error {
		for i := len(st.events) - 1; i >= 0 && len(out) < limit; i-- {
			e := st.events[i]
			if e.UserID == userID && (instanceID == "" || e.InstanceID == instanceID) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (r *BonusRepository) LastEventSince(ctx context.Context, userID string, eventType string, since time.Time) (*bonus.BonusEvent, error) {
	var out *bonus.BonusEvent
	err := r.store.run(ctx, r.tx, func(st *state) error {
		for i := len(st.events) - 1; i >= 0; i-- {
			e := st.events[i]
			if e.UserID == userID && e.Type == eventType && !e.CreatedAt.Before(since) {
				out = &e
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r *BonusRepository) AppendAudit(ctx context.Context, a *bonus.AuditEntry) error {
	return r.store.run(ctx, r.tx, func(st *state) error {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		st.audit = append(st.audit, *a)
		return nil
	})
}

// AuditEntries returns the committed audit log, oldest first.
func (s *Store) AuditEntries() []bonus.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bonus.AuditEntry, len(s.st.audit))
	copy(out, s.st.audit)
	return out
}

func sortByCreated(instances []bonus.BonusInstance) {
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
}
