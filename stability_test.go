package dcflow

import (
	"testing"
)

func TestInvalidatorCounting(t *testing.T) {
	validator := createStabilityValidator()
	a := createInvalidator(validator)
	b := createInvalidator(validator)

	if !validator.IsStable() {
		t.Fatal("fresh validator should be stable")
	}

	a.Invalidate()
	a.Invalidate() // repeated signals coalesce
	b.Invalidate()
	if validator.Outstanding() != 2 {
		t.Errorf("outstanding %d, want 2", validator.Outstanding())
	}

	a.Validate()
	a.Validate() // repeated validation is a no-op
	if validator.Outstanding() != 1 {
		t.Errorf("outstanding %d, want 1", validator.Outstanding())
	}
	b.Validate()
	if !validator.IsStable() {
		t.Error("validator should be stable after all holders validate")
	}
}

func TestStableWhileRejectsEntryWhenUnstable(t *testing.T) {
	validator := createStabilityValidator()
	inv := createInvalidator(validator)
	inv.Invalidate()

	defer func() {
		if recover() == nil {
			t.Error("stable-while on an unstable validator must panic")
		}
	}()
	validator.CheckStableWhile(func() {})
}

func TestStableWhileBlocksInvalidation(t *testing.T) {
	validator := createStabilityValidator()
	inv := createInvalidator(validator)

	defer func() {
		if recover() == nil {
			t.Error("invalidation inside stable-while must panic")
		}
	}()
	validator.CheckStableWhile(func() {
		inv.Invalidate()
	})
}

func TestStableWhileNests(t *testing.T) {
	validator := createStabilityValidator()
	entered := false
	validator.CheckStableWhile(func() {
		validator.CheckStableWhile(func() {
			entered = true
		})
	})
	if !entered {
		t.Error("nested stable-while regions should both run")
	}

	// the guard is fully released afterwards
	inv := createInvalidator(validator)
	inv.Invalidate()
	inv.Validate()
}

func TestValidatorReset(t *testing.T) {
	validator := createStabilityValidator()
	inv := createInvalidator(validator)
	inv.Invalidate()

	validator.Reset()
	if !validator.IsStable() {
		t.Error("reset should discard in-flight invalidations")
	}
}
