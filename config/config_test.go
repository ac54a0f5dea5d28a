package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDefaults(t *testing.T) {
	viper.Reset()
	require.NoError(t, Init())

	assert.Equal(t, 3, viper.GetInt("Transfer.MaxAttempts"))
	assert.Equal(t, "5s", viper.GetDuration("Transfer.RetryBackoff").String())
	assert.Equal(t, "1m0s", viper.GetDuration("RateLimit.Cooldown").String())
	assert.Equal(t, "redis://localhost:6379/0", viper.GetString("Redis.URL"))
}

func TestMaxRelaySize(t *testing.T) {
	viper.Reset()
	require.NoError(t, Init())

	size, err := MaxRelaySize()
	require.NoError(t, err)
	assert.Equal(t, int64(500*1000*1000), size)

	viper.Set("Transfer.MaxRelaySize", "2GB")
	size, err = MaxRelaySize()
	require.NoError(t, err)
	assert.Equal(t, int64(2*1000*1000*1000), size)

	viper.Set("Transfer.MaxRelaySize", "0")
	size, err = MaxRelaySize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	viper.Set("Transfer.MaxRelaySize", "lots")
	_, err = MaxRelaySize()
	assert.Error(t, err)
}

func TestIsAdmin(t *testing.T) {
	viper.Reset()
	viper.Set("Bot.AdminIDs", []string{"42", "99", "garbage"})

	assert.True(t, IsAdmin(42))
	assert.True(t, IsAdmin(99))
	assert.False(t, IsAdmin(7))
}
