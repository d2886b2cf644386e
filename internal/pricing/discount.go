package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/example/ride-dispatch/internal/models"
)

// DiscountSource loads the active configuration from persistence.
type DiscountSource interface {
	ActiveDiscountConfig(ctx context.Context) (models.DiscountConfig, bool, error)
}

// DefaultDiscountConfig is seeded when no configuration is active yet.
func DefaultDiscountConfig() models.DiscountConfig {
	return models.DiscountConfig{
		Name: "Default Discount Configuration",
		Discounts: map[models.PassengerCategory]float64{
			models.CategoryRegular:      0,
			models.CategoryStudent:      20,
			models.CategorySenior:       20,
			models.CategoryStudentChild: 50,
		},
		StudentChildMaxAge:  12,
		AgeDiscountsEnabled: true,
		Active:              true,
	}
}

// DiscountEngine applies category- and age-based percentage discounts.
// The active config is held behind an atomic pointer so admin swaps
// never block or tear concurrent reads.
type DiscountEngine struct {
	source DiscountSource
	logger *slog.Logger
	cfg    atomic.Pointer[models.DiscountConfig]
}

func NewDiscountEngine(source DiscountSource, logger *slog.Logger) *DiscountEngine {
	e := &DiscountEngine{source: source, logger: logger}
	def := DefaultDiscountConfig()
	e.cfg.Store(&def)
	return e
}

// Refresh swaps in the active configuration from persistence. When none
// is active the seeded default stays in place.
func (e *DiscountEngine) Refresh(ctx context.Context) error {
	cfg, ok, err := e.source.ActiveDiscountConfig(ctx)
	if err != nil {
		return fmt.Errorf("load discount config: %w", err)
	}
	if !ok {
		e.logger.Info("no active discount config, keeping default")
		return nil
	}
	if err := ValidateDiscountConfig(cfg); err != nil {
		return fmt.Errorf("active discount config rejected: %w", err)
	}
	e.cfg.Store(&cfg)
	e.logger.Info("discount config refreshed", "config", cfg.Name)
	return nil
}

// ValidateDiscountConfig enforces the write-time constraints: every
// percentage in [0,100] and a sane student-child age cutoff.
func ValidateDiscountConfig(cfg models.DiscountConfig) error {
	for category, pct := range cfg.Discounts {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("discount for %s must be between 0 and 100, got %g", category, pct)
		}
	}
	if cfg.StudentChildMaxAge < 0 || cfg.StudentChildMaxAge > 25 {
		return fmt.Errorf("student child max age must be between 0 and 25, got %d", cfg.StudentChildMaxAge)
	}
	return nil
}

// Config returns the currently active configuration.
func (e *DiscountEngine) Config() models.DiscountConfig {
	return *e.cfg.Load()
}

// Rate returns the effective percentage and category for a passenger. A
// student at or under the configured age is billed as student_child when
// age-based rules are enabled.
func (e *DiscountEngine) Rate(category models.PassengerCategory, age int) (float64, models.PassengerCategory) {
	cfg := e.cfg.Load()
	if category == models.CategoryStudent && cfg.AgeDiscountsEnabled && age <= cfg.StudentChildMaxAge {
		if pct, ok := cfg.Discounts[models.CategoryStudentChild]; ok {
			return pct, models.CategoryStudentChild
		}
	}
	return cfg.Discounts[category], category
}

// Apply discounts a base amount, clamped to be non-negative.
func (e *DiscountEngine) Apply(baseAmount float64, category models.PassengerCategory, age int) (float64, float64, models.PassengerCategory) {
	pct, effective := e.Rate(category, age)
	final := baseAmount * (1 - pct/100)
	if final < 0 {
		final = 0
	}
	return final, pct, effective
}
