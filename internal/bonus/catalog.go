package bonus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"bonus_service/internal/apperrors"
)

// DefinitionInput is the administrator-facing shape of a catalog entry, used
// by the admin API and by seed files.
type DefinitionInput struct {
	Code               string                     `json:"code" yaml:"code" validate:"omitempty,max=64"`
	Name               string                     `json:"name" yaml:"name" validate:"required,max=120"`
	Type               string                     `json:"type" yaml:"type" validate:"required,oneof=FIRST_DEPOSIT RELOAD CASHBACK FREEBET"`
	AmountType         string                     `json:"amount_type" yaml:"amount_type" validate:"required,oneof=percent fixed"`
	AmountValue        decimal.Decimal            `json:"amount_value" yaml:"amount_value"`
	MaxCap             *decimal.Decimal           `json:"max_cap" yaml:"max_cap"`
	MinDeposit         decimal.Decimal            `json:"min_deposit" yaml:"min_deposit"`
	RolloverMultiplier decimal.Decimal            `json:"rollover_multiplier" yaml:"rollover_multiplier"`
	AutoGrant          bool                       `json:"auto_grant" yaml:"auto_grant"`
	RequiresCode       bool                       `json:"requires_code" yaml:"requires_code"`
	ValidFrom          *time.Time                 `json:"valid_from" yaml:"valid_from"`
	ValidTo            *time.Time                 `json:"valid_to" yaml:"valid_to"`
	MaxPerUser         int                        `json:"max_per_user" yaml:"max_per_user" validate:"gte=1"`
	CooldownHours      int                        `json:"cooldown_hours" yaml:"cooldown_hours" validate:"gte=0"`
	ValidityDays       int                        `json:"validity_days" yaml:"validity_days" validate:"gte=0"`
	Currency           string                     `json:"currency" yaml:"currency" validate:"required,len=3,uppercase"`
	IsActive           bool                       `json:"is_active" yaml:"is_active"`
	CategoryWeights    map[string]decimal.Decimal `json:"category_weights" yaml:"category_weights"`
	GameBlacklist      []string                   `json:"game_blacklist" yaml:"game_blacklist" validate:"dive,required"`
}

type catalogFile struct {
	Bonuses []DefinitionInput `yaml:"bonuses"`
}

func (s *Service) validateDefinition(in DefinitionInput) error {
	if err := s.validate.Struct(in); err != nil {
		return apperrors.Wrap(err, apperrors.KindValidation, apperrors.ReasonInvalidDefinition, err.Error())
	}

	var problems []string
	if !in.AmountValue.IsPositive() {
		problems = append(problems, "amount_value must be positive")
	}
	if in.AmountType == AmountPercent && in.AmountValue.GreaterThan(decimal.NewFromInt(1000)) {
		problems = append(problems, "percent amount_value must not exceed 1000")
	}
	if in.MaxCap != nil && in.MaxCap.IsNegative() {
		problems = append(problems, "max_cap must not be negative")
	}
	if in.MinDeposit.IsNegative() {
		problems = append(problems, "min_deposit must not be negative")
	}
	if in.RolloverMultiplier.IsNegative() {
		problems = append(problems, "rollover_multiplier must not be negative")
	}
	if in.ValidFrom != nil && in.ValidTo != nil && in.ValidTo.Before(*in.ValidFrom) {
		problems = append(problems, "valid_to must not be before valid_from")
	}
	if in.RequiresCode && in.Code == "" {
		problems = append(problems, "code is required when requires_code is set")
	}
	if in.RequiresCode && in.AutoGrant {
		problems = append(problems, "auto_grant bonuses cannot require a code")
	}
	for category, weight := range in.CategoryWeights {
		if weight.IsNegative() {
			problems = append(problems, fmt.Sprintf("weight for %q must not be negative", category))
		}
	}

	if len(problems) > 0 {
		return apperrors.Validation(apperrors.ReasonInvalidDefinition, strings.Join(problems, "; "))
	}
	return nil
}

func (in DefinitionInput) apply(def *BonusDefinition) {
	def.Code = in.Code
	def.Name = in.Name
	def.Type = in.Type
	def.AmountType = in.AmountType
	def.AmountValue = in.AmountValue
	def.MaxCap = decimal.NullDecimal{}
	if in.MaxCap != nil {
		def.MaxCap = decimal.NewNullDecimal(*in.MaxCap)
	}
	def.MinDeposit = in.MinDeposit
	def.RolloverMultiplier = in.RolloverMultiplier
	def.AutoGrant = in.AutoGrant
	def.RequiresCode = in.RequiresCode
	def.ValidFrom = in.ValidFrom
	def.ValidTo = in.ValidTo
	def.MaxPerUser = in.MaxPerUser
	def.CooldownHours = in.CooldownHours
	def.ValidityDays = in.ValidityDays
	def.Currency = in.Currency
	def.IsActive = in.IsActive

	weights := in.CategoryWeights
	if weights == nil {
		weights = map[string]decimal.Decimal{}
	}
	def.CategoryWeights = datatypes.NewJSONType(weights)
	blacklist := in.GameBlacklist
	if blacklist == nil {
		blacklist = []string{}
	}
	def.GameBlacklist = datatypes.JSONSlice[string](blacklist)
}

func (s *Service) CreateDefinition(ctx context.Context, in DefinitionInput) (*BonusDefinition, error) {
	if err := s.validateDefinition(in); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureCodeFree(ctx, in.Code, ""); err != nil {
		return nil, err
	}

	def := &BonusDefinition{}
	in.apply(def)
	if err := s.repo.CreateDefinition(ctx, def); err != nil {
		return nil, classify(err, "failed to create bonus definition")
	}

	s.log.Info().Str("bonus_id", def.ID).Str("type", def.Type).Str("code", def.Code).Msg("Bonus definition created")
	return def, nil
}

// UpdateDefinition replaces the editable fields of a definition. Instances
// already granted keep their amounts and rollover.
func (s *Service) UpdateDefinition(ctx context.Context, id string, in DefinitionInput) (*BonusDefinition, error) {
	if err := s.validateDefinition(in); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	def, err := s.repo.GetDefinition(ctx, id)
	if err != nil {
		return nil, s.definitionError(err)
	}
	if err := s.ensureCodeFree(ctx, in.Code, def.ID); err != nil {
		return nil, err
	}

	in.apply(def)
	if err := s.repo.UpdateDefinition(ctx, def); err != nil {
		return nil, s.definitionError(err)
	}

	s.log.Info().Str("bonus_id", def.ID).Msg("Bonus definition updated")
	return def, nil
}

func (s *Service) SetActive(ctx context.Context, id string, active bool) (*BonusDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	def, err := s.repo.GetDefinition(ctx, id)
	if err != nil {
		return nil, s.definitionError(err)
	}
	def.IsActive = active
	if err := s.repo.UpdateDefinition(ctx, def); err != nil {
		return nil, s.definitionError(err)
	}

	s.log.Info().Str("bonus_id", def.ID).Bool("is_active", active).Msg("Bonus definition activation changed")
	return def, nil
}

func (s *Service) GetDefinition(ctx context.Context, id string) (*BonusDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	def, err := s.repo.GetDefinition(ctx, id)
	if err != nil {
		return nil, s.definitionError(err)
	}
	return def, nil
}

func (s *Service) ListDefinitions(ctx context.Context, activeOnly bool) ([]BonusDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	defs, err := s.repo.ListDefinitions(ctx, activeOnly)
	if err != nil {
		return nil, classify(err, "failed to list bonus definitions")
	}
	return defs, nil
}

// LoadCatalog reads catalog entries from a YAML file with a top-level
// "bonuses" list.
func LoadCatalog(path string) ([]DefinitionInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	return file.Bonuses, nil
}

// Seed creates catalog entries, updating those whose code already exists.
// Entries without a code are always created.
func (s *Service) Seed(ctx context.Context, inputs []DefinitionInput) (created int, updated int, err error) {
	for i, in := range inputs {
		if in.Code != "" {
			existing, lookupErr := s.repo.GetDefinitionByCode(ctx, in.Code)
			if lookupErr == nil {
				if _, err := s.UpdateDefinition(ctx, existing.ID, in); err != nil {
					return created, updated, fmt.Errorf("catalog entry %d (%s): %w", i, in.Code, err)
				}
				updated++
				continue
			}
			if !errors.Is(lookupErr, ErrDefinitionNotFound) {
				return created, updated, classify(lookupErr, "failed to look up bonus definition")
			}
		}
		if _, err := s.CreateDefinition(ctx, in); err != nil {
			return created, updated, fmt.Errorf("catalog entry %d (%s): %w", i, in.Name, err)
		}
		created++
	}
	return created, updated, nil
}

func (s *Service) ensureCodeFree(ctx context.Context, code string, selfID string) error {
	if code == "" {
		return nil
	}
	existing, err := s.repo.GetDefinitionByCode(ctx, code)
	if errors.Is(err, ErrDefinitionNotFound) {
		return nil
	}
	if err != nil {
		return classify(err, "failed to look up bonus code")
	}
	if existing.ID != selfID {
		return classify(ErrDuplicateCode, "")
	}
	return nil
}

func (s *Service) definitionError(err error) error {
	if errors.Is(err, ErrDefinitionNotFound) {
		return apperrors.NotFound(apperrors.ReasonBonusNotFound, "bonus not found")
	}
	return classify(err, "failed to load bonus definition")
}

// WeightFor resolves the rollover weight of a wager. A blacklist match on the
// provider or on provider:game_id forces zero; otherwise the category weight
// applies, defaulting to 1.
func (d *BonusDefinition) WeightFor(category, provider, gameID string) decimal.Decimal {
	if provider != "" {
		for _, entry := range d.GameBlacklist {
			if entry == provider || (gameID != "" && entry == provider+":"+gameID) {
				return decimal.Zero
			}
		}
	}
	if w, ok := d.CategoryWeights.Data()[category]; ok {
		return w
	}
	return decimal.NewFromInt(1)
}

// GrantFor computes the granted amount for a deposit, rounded to cents.
func (d *BonusDefinition) GrantFor(deposit decimal.Decimal) decimal.Decimal {
	var granted decimal.Decimal
	switch d.AmountType {
	case AmountPercent:
		granted = deposit.Mul(d.AmountValue).Div(decimal.NewFromInt(100))
	default:
		granted = d.AmountValue
	}
	if d.MaxCap.Valid && granted.GreaterThan(d.MaxCap.Decimal) {
		granted = d.MaxCap.Decimal
	}
	return granted.Round(2)
}

func (d *BonusDefinition) withinWindow(now time.Time) bool {
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return false
	}
	if d.ValidTo != nil && now.After(*d.ValidTo) {
		return false
	}
	return true
}
