package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bonus_service/internal/db"
	"bonus_service/internal/wallet"
)

type BonusRepository interface {
	CreateDefinition(ctx context.Context, def *BonusDefinition) error
	UpdateDefinition(ctx context.Context, def *BonusDefinition) error
	GetDefinition(ctx context.Context, id string) (*BonusDefinition, error)
	GetDefinitionByCode(ctx context.Context, code string) (*BonusDefinition, error)
	ListDefinitions(ctx context.Context, activeOnly bool) ([]BonusDefinition, error)

	// LockClaimKey serializes claims for one (user, key) pair until the
	// surrounding transaction ends.
	LockClaimKey(ctx context.Context, userID string, key string) error
	CountInstances(ctx context.Context, userID string, bonusID string, statuses []string) (int64, error)
	LatestInstanceCreatedAt(ctx context.Context, userID string, bonusID string, statuses []string) (*time.Time, error)
	FindInstance(ctx context.Context, userID string, bonusID string, status string) (*BonusInstance, error)
	CreateInstance(ctx context.Context, inst *BonusInstance) error
	GetInstance(ctx context.Context, id string) (*BonusInstance, error)
	GetInstanceForUpdate(ctx context.Context, id string) (*BonusInstance, error)
	// UpdateInstance writes inst if its version is unchanged and bumps the version.
	UpdateInstance(ctx context.Context, inst *BonusInstance) error
	ListInstances(ctx context.Context, userID string, status string) ([]BonusInstance, error)
	ListActiveInstancesForWager(ctx context.Context, userID string) ([]BonusInstance, error)
	// ListExpirableInstances pages through overdue eligible and active
	// instances in id order, starting after afterID.
	ListExpirableInstances(ctx context.Context, now time.Time, afterID string, limit int) ([]BonusInstance, error)
	HasInstanceOfType(ctx context.Context, userID string, bonusType string, statuses []string) (bool, error)

	GetContribution(ctx context.Context, key string) (*WagerContribution, error)
	CreateContribution(ctx context.Context, c *WagerContribution) error

	AppendEvent(ctx context.Context, e *BonusEvent) error
	ListEvents(ctx context.Context, userID string, instanceID string, limit int) ([]BonusEvent, error)
	LastEventSince(ctx context.Context, userID string, eventType string, since time.Time) (*BonusEvent, error)
	AppendAudit(ctx context.Context, a *AuditEntry) error

	// Wallets returns the ledger repository bound to the same transaction.
	Wallets() wallet.WalletRepository
	Transaction(ctx context.Context, fn func(repo BonusRepository) error) error
}

type BonusRepositoryImpl struct {
	db *gorm.DB
}

func NewBonusRepository(db *gorm.DB) *BonusRepositoryImpl {
	return &BonusRepositoryImpl{db: db}
}

func (r *BonusRepositoryImpl) Transaction(ctx context.Context, fn func(repo BonusRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&BonusRepositoryImpl{db: tx})
	})
}

func (r *BonusRepositoryImpl) Wallets() wallet.WalletRepository {
	return wallet.NewWalletRepositoryImpl(r.db)
}

func (r *BonusRepositoryImpl) CreateDefinition(ctx context.Context, def *BonusDefinition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(def).Error; err != nil {
		return fmt.Errorf("failed to create bonus definition: %w", err)
	}
	return nil
}

func (r *BonusRepositoryImpl) UpdateDefinition(ctx context.Context, def *BonusDefinition) error {
	def.UpdatedAt = time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&BonusDefinition{}).
		Where("id = ?", def.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(def)
	if result.Error != nil {
		return fmt.Errorf("failed to update bonus definition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

func (r *BonusRepositoryImpl) GetDefinition(ctx context.Context, id string) (*BonusDefinition, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrDefinitionNotFound
	}

	var def BonusDefinition
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("failed to get bonus definition: %w", err)
	}
	return &def, nil
}

func (r *BonusRepositoryImpl) GetDefinitionByCode(ctx context.Context, code string) (*BonusDefinition, error) {
	var def BonusDefinition
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("failed to get bonus definition by code: %w", err)
	}
	return &def, nil
}

func (r *BonusRepositoryImpl) ListDefinitions(ctx context.Context, activeOnly bool) ([]BonusDefinition, error) {
	query := r.db.WithContext(ctx).Order("created_at")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var defs []BonusDefinition
	if err := query.Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("failed to list bonus definitions: %w", err)
	}
	return defs, nil
}

func (r *BonusRepositoryImpl) LockClaimKey(ctx context.Context, userID string, key string) error {
	return db.AdvisoryXactLock(ctx, r.db, "bonus_claim:"+userID+":"+key)
}

func (r *BonusRepositoryImpl) CountInstances(ctx context.Context, userID string, bonusID string, statuses []string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&BonusInstance{}).
		Where("user_id = ? AND bonus_id = ? AND status IN ?", userID, bonusID, statuses).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count bonus instances: %w", err)
	}
	return count, nil
}

func (r *BonusRepositoryImpl) LatestInstanceCreatedAt(ctx context.Context, userID string, bonusID string, statuses []string) (*time.Time, error) {
	var inst BonusInstance
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND bonus_id = ? AND status IN ?", userID, bonusID, statuses).
		Order("created_at DESC").
		First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest bonus instance: %w", err)
	}
	return &inst.CreatedAt, nil
}

func (r *BonusRepositoryImpl) FindInstance(ctx context.Context, userID string, bonusID string, status string) (*BonusInstance, error) {
	var inst BonusInstance
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND bonus_id = ? AND status = ?", userID, bonusID, status).
		Order("created_at").
		First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to find bonus instance: %w", err)
	}
	return &inst, nil
}

func (r *BonusRepositoryImpl) CreateInstance(ctx context.Context, inst *BonusInstance) error {
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

	if err := r.db.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("failed to create bonus instance: %w", err)
	}
	return nil
}

func (r *BonusRepositoryImpl) GetInstance(ctx context.Context, id string) (*BonusInstance, error) {
	return r.getInstance(r.db.WithContext(ctx), id)
}

func (r *BonusRepositoryImpl) GetInstanceForUpdate(ctx context.Context, id string) (*BonusInstance, error) {
	return r.getInstance(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *BonusRepositoryImpl) getInstance(query *gorm.DB, id string) (*BonusInstance, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInstanceNotFound
	}

	var inst BonusInstance
	if err := query.Where("id = ?", id).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to get bonus instance: %w", err)
	}
	return &inst, nil
}

func (r *BonusRepositoryImpl) UpdateInstance(ctx context.Context, inst *BonusInstance) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&BonusInstance{}).
		Where("id = ? AND version = ?", inst.ID, inst.Version).
		Updates(map[string]interface{}{
			"status":             inst.Status,
			"granted_amount":     inst.GrantedAmount,
			"initial_rollover":   inst.InitialRollover,
			"remaining_rollover": inst.RemainingRollover,
			"progress":           inst.Progress,
			"expires_at":         inst.ExpiresAt,
			"last_event_at":      inst.LastEventAt,
			"version":            gorm.Expr("version + 1"),
			"updated_at":         now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update bonus instance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleInstance
	}

	inst.Version++
	inst.UpdatedAt = now
	return nil
}

func (r *BonusRepositoryImpl) ListInstances(ctx context.Context, userID string, status string) ([]BonusInstance, error) {
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var instances []BonusInstance
	if err := query.Order("created_at DESC").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list bonus instances: %w", err)
	}
	return instances, nil
}

func (r *BonusRepositoryImpl) ListActiveInstancesForWager(ctx context.Context, userID string) ([]BonusInstance, error) {
	var instances []BonusInstance
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND remaining_rollover > 0", userID, BonusStatusActive).
		Order("created_at").
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active bonus instances: %w", err)
	}
	return instances, nil
}

func (r *BonusRepositoryImpl) ListExpirableInstances(ctx context.Context, now time.Time, afterID string, limit int) ([]BonusInstance, error) {
	if limit <= 0 {
		limit = 500
	}

	query := r.db.WithContext(ctx).
		Table("bonus_instances AS i").
		Select("i.*").
		Joins("JOIN bonus_definitions d ON d.id = i.bonus_id").
		Where("i.status IN ?", []string{BonusStatusEligible, BonusStatusActive}).
		Where("(i.expires_at IS NOT NULL AND i.expires_at < ?) OR (d.valid_to IS NOT NULL AND d.valid_to < ?)", now, now)
	if afterID != "" {
		query = query.Where("i.id > ?", afterID)
	}

	var instances []BonusInstance
	err := query.
		Order("i.id").
		Limit(limit).
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable bonus instances: %w", err)
	}
	return instances, nil
}

func (r *BonusRepositoryImpl) HasInstanceOfType(ctx context.Context, userID string, bonusType string, statuses []string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&BonusInstance{}).
		Joins("JOIN bonus_definitions d ON d.id = bonus_instances.bonus_id").
		Where("bonus_instances.user_id = ? AND d.type = ? AND bonus_instances.status IN ?", userID, bonusType, statuses).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check bonus history: %w", err)
	}
	return count > 0, nil
}

func (r *BonusRepositoryImpl) GetContribution(ctx context.Context, key string) (*WagerContribution, error) {
	var c WagerContribution
	err := r.db.WithContext(ctx).Where("contribution_key = ?", key).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get wager contribution: %w", err)
	}
	return &c, nil
}

func (r *BonusRepositoryImpl) CreateContribution(ctx context.Context, c *WagerContribution) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateContribution
		}
		return fmt.Errorf("failed to create wager contribution: %w", err)
	}
	return nil
}

func (r *BonusRepositoryImpl) AppendEvent(ctx context.Context, e *BonusEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to append bonus event: %w", err)
	}
	return nil
}

func (r *BonusRepositoryImpl) ListEvents(ctx context.Context, userID string, instanceID string, limit int) ([]BonusEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if instanceID != "" {
		query = query.Where("instance_id = ?", instanceID)
	}

	var events []BonusEvent
	if err := query.Order("created_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list bonus events: %w", err)
	}
	return events, nil
}

func (r *BonusRepositoryImpl) LastEventSince(ctx context.Context, userID string, eventType string, since time.Time) (*BonusEvent, error) {
	var e BonusEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND created_at >= ?", userID, eventType, since).
		Order("created_at DESC").
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest bonus event: %w", err)
	}
	return &e, nil
}

func (r *BonusRepositoryImpl) AppendAudit(ctx context.Context, a *AuditEntry) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
