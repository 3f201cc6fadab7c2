package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTelegramToken(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTelegramToken("123456789:ABCdef_GHI-jkl"))
	assert.Error(t, v.ValidateTelegramToken(""))
	assert.Error(t, v.ValidateTelegramToken("abc:def"))
	assert.Error(t, v.ValidateTelegramToken("123456789"))
}

func TestValidateCron(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateCron("0 3 * * *"))
	assert.NoError(t, v.ValidateCron("@daily"))
	assert.Error(t, v.ValidateCron("0 3 * *"))
}

func TestValidateDocument(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateDocument(map[string]interface{}{
		"dispatch": map[string]interface{}{"mode": "buffered"},
		"channels": map[string]interface{}{
			"telegram": map[string]interface{}{"allowlist": []interface{}{float64(42)}},
		},
	}))

	err := v.ValidateDocument(map[string]interface{}{
		"dispatch": map[string]interface{}{"mode": "stream"},
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "dispatch.mode")
}
