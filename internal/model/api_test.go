package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
)

// ---- ValidateKey ----------------------------------------------------------

func TestValidateKey_HappyPath(t *testing.T) {
	assert.NoError(t, model.ValidateKey("555-0100"))
}

func TestValidateKey_Empty(t *testing.T) {
	err := model.ValidateKey("   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestValidateKey_AtExactMax(t *testing.T) {
	assert.NoError(t, model.ValidateKey(strings.Repeat("1", model.MaxKeyLen)))
}

func TestValidateKey_OverMax(t *testing.T) {
	err := model.ValidateKey(strings.Repeat("1", model.MaxKeyLen+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum length")
}

func TestValidateKey_ControlCharacters(t *testing.T) {
	for _, key := range []string{"555\n0100", "555\x000100", "abc\x7f"} {
		err := model.ValidateKey(key)
		require.Error(t, err, "key %q", key)
		assert.Contains(t, err.Error(), "control characters")
	}
}

// ---- MaskKey --------------------------------------------------------------

func TestMaskKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"13812345678", "138****5678"},
		{"555-0100", "555****0100"},
		{"1234567", "*******"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.MaskKey(tt.in), "MaskKey(%q)", tt.in)
	}
}

// ---- TaskStatus -----------------------------------------------------------

func TestTaskStatusTerminalAndLive(t *testing.T) {
	for _, s := range []model.TaskStatus{model.TaskIdle, model.TaskRunning, model.TaskWaitingForInput} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
		assert.True(t, s.Live(), "%s should be live", s)
	}
	for _, s := range []model.TaskStatus{model.TaskCompleted, model.TaskFailed} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
		assert.False(t, s.Live(), "%s should not be live", s)
	}
}

func TestEventKindValid(t *testing.T) {
	for _, k := range []model.EventKind{model.EventLog, model.EventInputRequest, model.EventTimer, model.EventDone} {
		assert.True(t, k.Valid(), "%s", k)
	}
	assert.False(t, model.EventTruncated.Valid(), "truncated markers are never appended")
	assert.False(t, model.EventKind("bogus").Valid())
}
