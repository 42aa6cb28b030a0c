package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorMatchesKindSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", Validation("location", "empty"), ErrValidation},
		{"capacity", Capacity("maximum activations reached"), ErrCapacity},
		{"duplicate", Duplicate("key exists"), ErrDuplicate},
		{"domain", Domainf("cannot reactivate %s activation", "active"), ErrDomain},
		{"not found", NotFound("activation"), ErrNotFound},
		{"storage", Storage("insert", errors.New("disk full")), ErrStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
		})
	}

	assert.NotErrorIs(t, Capacity("full"), ErrValidation)
	assert.NotErrorIs(t, Capacity("full"), Capacity("full"), "only bare sentinels match by kind")
}

func TestAppErrorMessage(t *testing.T) {
	assert.Equal(t, "[VALIDATION] location: must not be empty", Validation("location", "must not be empty").Error())
	assert.Equal(t, "[NOT_FOUND] key not found", NotFound("key").Error())
	assert.Equal(t, "[STORAGE] get key: boom", Storage("get key", errors.New("boom")).Error())
}

func TestStorageUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Storage("count", cause)
	assert.ErrorIs(t, err, cause)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindCapacity, KindOf(fmt.Errorf("activate: %w", Capacity("full"))))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWithCode(t *testing.T) {
	err := NotFound("release").WithCode(CodeNoEntitlement)
	assert.Equal(t, CodeNoEntitlement, err.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}
