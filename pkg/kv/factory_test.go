package kv

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory ok", Config{Backend: "memory"}, false},
		{"evmap ok", Config{Backend: "evmap"}, false},
		{"sled missing path", Config{Backend: "sled"}, true},
		{"sled with path", Config{Backend: "sled", Params: map[string]string{"path": "/tmp/x"}}, false},
		{"redis missing addr", Config{Backend: "redis"}, true},
		{"redis with addr", Config{Backend: "redis", Params: map[string]string{"addr": "localhost:6379"}}, false},
		{"unknown backend", Config{Backend: "nope"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("KV_STORE_BACKEND", "sled")
	t.Setenv("KV_STORE_PATH", "/data/kv")
	t.Setenv("KV_STORE_CACHE_SIZE_MB", "64")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, "sled", cfg.Backend)
	assert.Equal(t, "/data/kv", cfg.Params["path"])
	assert.Equal(t, "64", cfg.Params["cache_size_mb"])
}

func TestLoadConfigFromEnv_SMSAliasAndLegacyPath(t *testing.T) {
	os.Unsetenv("KV_STORE_BACKEND")
	t.Setenv("SPEAR_KV_BACKEND", "sled")
	t.Setenv("SPEAR_KV_SLED_PATH", "/legacy/path")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, "sled", cfg.Backend)
	assert.Equal(t, "/legacy/path", cfg.Params["path"])
}

func TestStorageConfig_ApplyTo(t *testing.T) {
	sc := StorageConfig{DataDir: "/data", CacheSizeMB: 128, Compression: true}
	params := sc.ApplyTo(nil)
	assert.Equal(t, "/data", params["path"])
	assert.Equal(t, "128", params["cache_size_mb"])
	assert.Equal(t, "true", params["compression"])

	// explicit path is not overwritten
	params2 := sc.ApplyTo(map[string]string{"path": "/explicit"})
	assert.Equal(t, "/explicit", params2["path"])
}

func TestInstall_OnlyOnce(t *testing.T) {
	resetGlobalForTest()
	defer resetGlobalForTest()

	store, err := Install(Config{Backend: "memory"})
	require.NoError(t, err)
	require.NotNil(t, store)

	_, err = Install(Config{Backend: "memory"})
	assert.ErrorIs(t, err, ErrAlreadyInstalled)

	got, ok := Global()
	assert.True(t, ok)
	assert.Same(t, store, got)
}
