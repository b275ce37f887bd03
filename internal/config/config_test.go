package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set(KeySessionSecret, "secret")

	cfg, err := Load(configViper)
	require.NoError(t, err)
	require.Equal(t, defaultHTTPAddress, cfg.HTTPAddress)
	require.Equal(t, "sqlite", cfg.DatabaseDriver)
	require.Equal(t, defaultDatabasePath, cfg.DatabasePath)
	require.Equal(t, defaultCookieName, cfg.SessionCookieName)
	require.Equal(t, 12*time.Hour, cfg.SessionTTL)
	require.Equal(t, 3, cfg.PagerWindow)
	require.Equal(t, 0, cfg.PagerStride)
	require.Equal(t, 8, cfg.PublishConcurrency)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("IDES_SESSION_SIGNING_SECRET", "from-env")
	t.Setenv("IDES_DATABASE_DRIVER", "Postgres")
	t.Setenv("IDES_DATABASE_DSN", "postgres://ides@localhost/ides")
	t.Setenv("IDES_PAGER_WINDOW", "5")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.SessionSecret)
	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, 5, cfg.PagerWindow)
}

func TestLoadValidates(t *testing.T) {
	testCases := []struct {
		name      string
		overrides map[string]any
	}{
		{name: "missing secret", overrides: map[string]any{KeySessionSecret: " "}},
		{name: "bad driver", overrides: map[string]any{KeyDatabaseDriver: "mysql"}},
		{name: "postgres without dsn", overrides: map[string]any{KeyDatabaseDriver: "postgres"}},
		{name: "zero window", overrides: map[string]any{KeyPagerWindow: 0}},
		{name: "negative stride", overrides: map[string]any{KeyPagerStride: -1}},
		{name: "zero concurrency", overrides: map[string]any{KeyPublishConcurrency: 0}},
		{name: "zero ttl", overrides: map[string]any{KeySessionTTLMinutes: 0}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(KeySessionSecret, "secret")
			for key, value := range testCase.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			require.Error(t, err)
		})
	}
}

func TestLoadStorageSkipsSessionSettings(t *testing.T) {
	cfg, err := LoadStorage(NewViper())
	require.NoError(t, err)
	require.Equal(t, defaultDatabasePath, cfg.DatabasePath)
}
