package middleware_test

import (
	"testing"

	. "kodiak/pkg/api/middleware"
	"kodiak/pkg/models"
)

func TestValidator_ValidateAddOptions_AcceptsDefaults(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if err := v.ValidateAddOptions(models.DefaultAddOptions()); err != nil {
		t.Errorf("expected default options to be valid, got error: %v", err)
	}
}

func TestValidator_ValidateAddOptions_RejectsPriorityOutOfRange(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	opts := models.DefaultAddOptions()
	opts.Priority = 0
	if err := v.ValidateAddOptions(opts); err == nil {
		t.Error("expected priority 0 to be rejected")
	}

	opts.Priority = 1000
	if err := v.ValidateAddOptions(opts); err == nil {
		t.Error("expected priority 1000 to be rejected")
	}
}

func TestValidator_ValidateAddOptions_RejectsNegativeDelay(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	opts := models.DefaultAddOptions()
	opts.Delay = -1
	if err := v.ValidateAddOptions(opts); err == nil {
		t.Error("expected negative delay to be rejected")
	}
}

func TestValidator_ValidateAddOptions_RejectsBadAttempts(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	opts := models.DefaultAddOptions()
	opts.Attempts = 0
	if err := v.ValidateAddOptions(opts); err == nil {
		t.Error("expected zero attempts to be rejected")
	}
}

func TestValidator_ValidateAddOptions_RejectsUnknownBackoffType(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	opts := models.DefaultAddOptions()
	opts.Backoff = &models.BackoffConfig{Type: "weird", Delay: 100}
	if err := v.ValidateAddOptions(opts); err == nil {
		t.Error("expected unknown backoff type to be rejected")
	}
}

func TestValidator_ValidateAddOptions_RejectsAmbiguousRepeat(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	opts := models.DefaultAddOptions()
	opts.Repeat = &models.RepeatConfig{Every: 1000, Cron: "* * * * *"}
	if err := v.ValidateAddOptions(opts); err == nil {
		t.Error("expected every+cron to be rejected")
	}

	opts.Repeat = &models.RepeatConfig{}
	if err := v.ValidateAddOptions(opts); err == nil {
		t.Error("expected repeat with neither every nor cron to be rejected")
	}
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Field:   "priority",
		Message: "is required",
	}

	expected := "priority: is required"
	if err.Error() != expected {
		t.Errorf("expected '%s', got '%s'", expected, err.Error())
	}
}
