package pricing

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeDiscountSource struct {
	cfg models.DiscountConfig
	ok  bool
	err error
}

func (f *fakeDiscountSource) ActiveDiscountConfig(ctx context.Context) (models.DiscountConfig, bool, error) {
	return f.cfg, f.ok, f.err
}

func newEngine(t *testing.T, src *fakeDiscountSource) *DiscountEngine {
	t.Helper()
	e := NewDiscountEngine(src, testLogger())
	if src.ok {
		if err := e.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	return e
}

func TestApplyStudentChild(t *testing.T) {
	e := newEngine(t, &fakeDiscountSource{})
	// defaults: student_child 50%, max age 12
	final, rate, effective := e.Apply(100, models.CategoryStudent, 10)
	if final != 50 || rate != 50 {
		t.Fatalf("expected 50 at 50%%, got %v at %v", final, rate)
	}
	if effective != models.CategoryStudentChild {
		t.Fatalf("expected student_child classification, got %s", effective)
	}
}

func TestApplyAdultStudent(t *testing.T) {
	e := newEngine(t, &fakeDiscountSource{})
	final, rate, effective := e.Apply(100, models.CategoryStudent, 20)
	if final != 80 || rate != 20 {
		t.Fatalf("expected 80 at 20%%, got %v at %v", final, rate)
	}
	if effective != models.CategoryStudent {
		t.Fatalf("expected student classification, got %s", effective)
	}
}

func TestApplyAgeRuleDisabled(t *testing.T) {
	cfg := DefaultDiscountConfig()
	cfg.AgeDiscountsEnabled = false
	e := newEngine(t, &fakeDiscountSource{cfg: cfg, ok: true})
	if final, _, _ := e.Apply(100, models.CategoryStudent, 10); final != 80 {
		t.Fatalf("expected literal student rate when age rules off, got %v", final)
	}
}

func TestApplyRegularDefaultsToZeroDiscount(t *testing.T) {
	e := newEngine(t, &fakeDiscountSource{})
	if final, _, _ := e.Apply(100, models.CategoryRegular, 30); final != 100 {
		t.Fatalf("expected full fare for regular, got %v", final)
	}
	// unknown category behaves like 0%
	if final, _, _ := e.Apply(100, models.PassengerCategory("tourist"), 30); final != 100 {
		t.Fatalf("expected full fare for unknown category, got %v", final)
	}
}

func TestValidateDiscountConfig(t *testing.T) {
	cfg := DefaultDiscountConfig()
	if err := ValidateDiscountConfig(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Discounts[models.CategoryStudent] = 120
	if err := ValidateDiscountConfig(cfg); err == nil {
		t.Fatal("expected rejection for percentage over 100")
	}

	cfg = DefaultDiscountConfig()
	cfg.Discounts[models.CategorySenior] = -5
	if err := ValidateDiscountConfig(cfg); err == nil {
		t.Fatal("expected rejection for negative percentage")
	}

	cfg = DefaultDiscountConfig()
	cfg.StudentChildMaxAge = 40
	if err := ValidateDiscountConfig(cfg); err == nil {
		t.Fatal("expected rejection for out-of-range age cutoff")
	}
}

func TestRefreshRejectsInvalidActiveConfig(t *testing.T) {
	bad := DefaultDiscountConfig()
	bad.Discounts[models.CategoryStudent] = 200
	e := NewDiscountEngine(&fakeDiscountSource{cfg: bad, ok: true}, testLogger())
	if err := e.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh to reject invalid config")
	}
	// the previous (default) config must remain in effect
	if final, _, _ := e.Apply(100, models.CategoryStudent, 20); final != 80 {
		t.Fatalf("expected default config to survive failed refresh, got %v", final)
	}
}
