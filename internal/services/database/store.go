package database

import (
	"time"

	"github.com/routewise/gateway/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TierRow persists one rate-limit tier definition.
type TierRow struct {
	ID                string `gorm:"type:varchar(36);primaryKey"`
	Name              string `gorm:"uniqueIndex;not null"`
	RequestsPerMinute int64
	TokensPerMinute   int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (TierRow) TableName() string { return "rate_limit_tiers" }

func (r *TierRow) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// TierBindingRow maps an API key or tenant onto a tier.
type TierBindingRow struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	Scope     string `gorm:"uniqueIndex:idx_binding_scope_subject;not null"` // "key" or "tenant"
	Subject   string `gorm:"uniqueIndex:idx_binding_scope_subject;not null"`
	TierName  string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TierBindingRow) TableName() string { return "rate_limit_tier_bindings" }

func (r *TierBindingRow) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// ChainRow persists the fallback chain as a single document.
type ChainRow struct {
	ID              string `gorm:"type:varchar(36);primaryKey"`
	Enabled         bool
	DefaultProvider string
	Chain           []string `gorm:"serializer:json"`
	MaxRetries      int
	UpdatedAt       time.Time
}

func (ChainRow) TableName() string { return "fallback_chains" }

func (r *ChainRow) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// StrategyRow persists one routing strategy.
type StrategyRow struct {
	ID            string `gorm:"type:varchar(36);primaryKey"`
	Name          string `gorm:"uniqueIndex;not null"`
	Enabled       bool
	PriorityOrder []string `gorm:"serializer:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (StrategyRow) TableName() string { return "routing_strategies" }

func (r *StrategyRow) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Store reads and writes the persisted routing configuration. Values loaded
// at startup override the YAML defaults; admin mutations are written back so
// they survive a restart.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the configuration tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&TierRow{}, &TierBindingRow{}, &ChainRow{}, &StrategyRow{})
}

// LoadRateLimitConfig merges persisted tiers and bindings over the given
// defaults. YAML tiers absent from the database are kept as-is.
func (s *Store) LoadRateLimitConfig(defaults models.RateLimitConfig) (models.RateLimitConfig, error) {
	var tierRows []TierRow
	if err := s.db.Find(&tierRows).Error; err != nil {
		return defaults, err
	}
	var bindingRows []TierBindingRow
	if err := s.db.Find(&bindingRows).Error; err != nil {
		return defaults, err
	}

	cfg := defaults
	if cfg.KeyTiers == nil {
		cfg.KeyTiers = make(map[string]string)
	}
	if cfg.TenantTiers == nil {
		cfg.TenantTiers = make(map[string]string)
	}

	byName := make(map[string]int, len(cfg.Tiers))
	for i, tier := range cfg.Tiers {
		byName[tier.Name] = i
	}
	for _, row := range tierRows {
		tier := models.RateLimitTier{
			Name:              row.Name,
			RequestsPerMinute: row.RequestsPerMinute,
			TokensPerMinute:   row.TokensPerMinute,
		}
		if i, ok := byName[row.Name]; ok {
			cfg.Tiers[i] = tier
		} else {
			cfg.Tiers = append(cfg.Tiers, tier)
		}
	}

	for _, row := range bindingRows {
		switch row.Scope {
		case "key":
			cfg.KeyTiers[row.Subject] = row.TierName
		case "tenant":
			cfg.TenantTiers[row.Subject] = row.TierName
		}
	}

	fiberlog.Infof("ConfigStore: loaded %d tiers and %d bindings", len(tierRows), len(bindingRows))
	return cfg, nil
}

// SaveTier upserts one tier definition by name.
func (s *Store) SaveTier(tier models.RateLimitTier) error {
	row := TierRow{
		Name:              tier.Name,
		RequestsPerMinute: tier.RequestsPerMinute,
		TokensPerMinute:   tier.TokensPerMinute,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"requests_per_minute", "tokens_per_minute", "updated_at"}),
	}).Create(&row).Error
}

// SaveTierBinding upserts a key or tenant assignment.
func (s *Store) SaveTierBinding(scope, subject, tierName string) error {
	row := TierBindingRow{Scope: scope, Subject: subject, TierName: tierName}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "subject"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier_name", "updated_at"}),
	}).Create(&row).Error
}

// LoadChain returns the persisted fallback chain, or the defaults when none
// has been saved yet.
func (s *Store) LoadChain(defaults models.FallbackChainConfig) (models.FallbackChainConfig, error) {
	var row ChainRow
	err := s.db.Order("updated_at desc").First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return defaults, nil
		}
		return defaults, err
	}
	return models.FallbackChainConfig{
		Enabled:         row.Enabled,
		DefaultProvider: row.DefaultProvider,
		Chain:           row.Chain,
		MaxRetries:      row.MaxRetries,
	}, nil
}

// SaveChain replaces the persisted fallback chain.
func (s *Store) SaveChain(chain models.FallbackChainConfig) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&ChainRow{}).Error; err != nil {
			return err
		}
		row := ChainRow{
			Enabled:         chain.Enabled,
			DefaultProvider: chain.DefaultProvider,
			Chain:           chain.Chain,
			MaxRetries:      chain.MaxRetries,
		}
		return tx.Create(&row).Error
	})
}

// LoadStrategies merges persisted strategies over the YAML defaults by name.
func (s *Store) LoadStrategies(defaults []models.RoutingStrategy) ([]models.RoutingStrategy, error) {
	var rows []StrategyRow
	if err := s.db.Find(&rows).Error; err != nil {
		return defaults, err
	}

	out := make([]models.RoutingStrategy, len(defaults))
	copy(out, defaults)

	byName := make(map[string]int, len(out))
	for i, strategy := range out {
		byName[strategy.Name] = i
	}
	for _, row := range rows {
		strategy := models.RoutingStrategy{
			Name:          row.Name,
			Enabled:       row.Enabled,
			PriorityOrder: row.PriorityOrder,
		}
		if i, ok := byName[row.Name]; ok {
			out[i] = strategy
		} else {
			out = append(out, strategy)
		}
	}
	return out, nil
}

// SaveStrategy upserts one routing strategy by name.
func (s *Store) SaveStrategy(strategy models.RoutingStrategy) error {
	row := StrategyRow{
		Name:          strategy.Name,
		Enabled:       strategy.Enabled,
		PriorityOrder: strategy.PriorityOrder,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "priority_order", "updated_at"}),
	}).Create(&row).Error
}
