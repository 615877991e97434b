package sink

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "auth", err: AuthError("write", base), want: KindAuth},
		{name: "wrapped auth", err: fmt.Errorf("upload: %w", AuthError("dial", base)), want: KindAuth},
		{name: "transient", err: TransientError("write", base), want: KindTransient},
		{name: "plain error", err: base, want: KindTransient},
		{name: "context", err: context.DeadlineExceeded, want: KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	base := errors.New("permission denied")
	err := fmt.Errorf("batch: %w", AuthError("write", base))

	assert.ErrorIs(t, err, ErrAuth)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "auth")

	assert.ErrorIs(t, TransientError("write", base), ErrTransient)
	assert.Equal(t, "transient", KindTransient.String())
}
