package apperr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", New(KindNotFound, "get model", cause))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "wrapped: get model: not found in catalog: boom", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"tagged", New(KindAuthRequired, "", nil), KindAuthRequired},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"path error", &os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, KindFilesystem},
		{"plain", errors.New("plain"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindNetwork.Retryable())
	assert.True(t, KindServiceUnavailable.Retryable())
	assert.False(t, KindAuthRequired.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindIncompleteTransfer.Retryable())
}

func TestMessageMentionsCredentialsForAuth(t *testing.T) {
	msg := Message(New(KindAuthRequired, "resolve", nil))
	assert.Contains(t, msg, "API key")
	assert.Empty(t, Message(nil))
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{401, ErrAuthRequired},
		{403, ErrAuthRequired},
		{404, ErrNotFound},
		{429, ErrServiceUnavailable},
		{502, ErrServiceUnavailable},
		{503, ErrServiceUnavailable},
		{400, ErrInvalidResponse},
		{304, ErrInvalidResponse},
	}
	for _, tt := range tests {
		err := FromStatus("op", tt.code, "x")
		assert.ErrorIs(t, err, tt.want, "status %d", tt.code)
	}
	assert.NoError(t, FromStatus("op", 206, "206 Partial Content"))
}
