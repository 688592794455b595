package uuidx

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New()
	assert.Equal(t, uuid.Version(7), id.Version(), "UUID should be version 7")
	assert.Equal(t, uuid.RFC4122, id.Variant(), "UUID should have RFC4122 variant")
	assert.NotEqual(t, id, New(), "Generated UUIDs should be unique")
}

func TestNewString(t *testing.T) {
	idStr := NewString()
	assert.Regexp(t, "^[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$", idStr)
	assert.True(t, Valid(idStr))
}

func TestValid(t *testing.T) {
	assert.False(t, Valid("new-chat"))
	assert.False(t, Valid(""))
	assert.True(t, Valid(uuid.NewString()))
}
