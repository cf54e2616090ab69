package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleErrorUnwrapsSentinel(t *testing.T) {
	err := NewRuleError("SMA(close,5 > 3", 15, "expected ')'", ErrRuleSyntax)

	assert.True(t, Is(err, ErrRuleSyntax))
	assert.False(t, Is(err, ErrUnknownField))
	assert.Contains(t, err.Error(), "position 15")

	var ruleErr *RuleError
	wrapped := Wrap(err, "compiling open rule")
	assert.True(t, As(wrapped, &ruleErr))
	assert.Equal(t, 15, ruleErr.Pos)
}

func TestRuleErrorWithoutPosition(t *testing.T) {
	err := NewRuleError("FOO(close)", -1, "FOO", ErrUnknownIndicator)
	assert.NotContains(t, err.Error(), "position")
}

func TestOrderErrorMessage(t *testing.T) {
	err := NewOrderError("o-1", "AAA", "transition", "REJECTED -> FILLED", ErrInvalidOrderTransition)
	assert.Equal(t,
		"order error [o-1] transition AAA: REJECTED -> FILLED: invalid order transition",
		err.Error())
	assert.True(t, Is(err, ErrInvalidOrderTransition))
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err   error
		fatal bool
	}{
		{fmt.Errorf("x: %w", ErrInvalidOrderTransition), true},
		{NewOrderError("o", "S", "fill", "cash", ErrInsufficientCash), true},
		{ErrInsufficientPosition, true},
		{NewDataError("bar", "S", "NaN close", ErrMalformedBar), false},
		{ErrRuleSyntax, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.fatal, IsFatal(tt.err), tt.err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ctx"))
	assert.Nil(t, Wrapf(nil, "ctx %d", 1))
}

func TestValidationErrorUnwrap(t *testing.T) {
	err := NewValidationError("percent", 1.5, "must be in (0, 1]")
	assert.True(t, Is(err, ErrInputValidation))
}
