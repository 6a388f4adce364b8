package kv

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Config is the backend-agnostic factory input: a backend name plus a flat
// string parameter bag. Validated against the requirements of the named
// backend before a Store is built.
type Config struct {
	Backend string
	Params  map[string]string
}

// StorageConfig is the higher-level shape config loaders hand down; ApplyTo
// folds it into a Config's Params losslessly (data_dir becomes "path",
// which is what the sled/rocksdb-named backends require).
type StorageConfig struct {
	DataDir     string
	CacheSizeMB int
	Compression bool
}

// ApplyTo merges the storage config into params, never overwriting a key
// the caller already set explicitly.
func (sc StorageConfig) ApplyTo(params map[string]string) map[string]string {
	if params == nil {
		params = map[string]string{}
	}
	if sc.DataDir != "" {
		if _, ok := params["path"]; !ok {
			params["path"] = sc.DataDir
		}
	}
	if sc.CacheSizeMB > 0 {
		if _, ok := params["cache_size_mb"]; !ok {
			params["cache_size_mb"] = strconv.Itoa(sc.CacheSizeMB)
		}
	}
	if _, ok := params["compression"]; !ok {
		params["compression"] = strconv.FormatBool(sc.Compression)
	}
	return params
}

// LoadConfigFromEnv builds a Config from the environment contract in
// spec.md §6: KV_STORE_BACKEND (alias SPEAR_KV_BACKEND) selects the
// backend; every KV_STORE_<NAME> variable becomes params["<name>"]
// (lowercased); SPEAR_KV_SLED_PATH is a legacy alias for params["path"].
func LoadConfigFromEnv() Config {
	cfg := Config{Params: map[string]string{}}

	backend := os.Getenv("KV_STORE_BACKEND")
	if backend == "" {
		backend = os.Getenv("SPEAR_KV_BACKEND")
	}
	cfg.Backend = backend

	const prefix = "KV_STORE_"
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		if key == "KV_STORE_BACKEND" || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, prefix))
		cfg.Params[name] = val
	}

	if legacyPath := os.Getenv("SPEAR_KV_SLED_PATH"); legacyPath != "" {
		if _, ok := cfg.Params["path"]; !ok {
			cfg.Params["path"] = legacyPath
		}
	}

	return cfg
}

// Validate checks cfg against the requirements of its named backend.
func (c Config) Validate() error {
	switch c.Backend {
	case "", "memory", "evmap":
		return nil
	case "sled", "rocksdb":
		if c.Params["path"] == "" {
			return fmt.Errorf("%w: backend %q requires \"path\"", ErrInvalidConfig, c.Backend)
		}
		return nil
	case "redis":
		if c.Params["addr"] == "" {
			return fmt.Errorf("%w: backend %q requires \"addr\"", ErrInvalidConfig, c.Backend)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
}

// Build validates cfg and constructs the corresponding Store.
func Build(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "", "memory", "evmap":
		return NewMemoryStore(), nil
	case "sled", "rocksdb":
		return NewBoltStore(cfg.Params["path"])
	case "redis":
		opts := &redis.Options{Addr: cfg.Params["addr"]}
		if pw, ok := cfg.Params["password"]; ok {
			opts.Password = pw
		}
		if db, ok := cfg.Params["db"]; ok {
			if n, err := strconv.Atoi(db); err == nil {
				opts.DB = n
			}
		}
		client := redis.NewClient(opts)
		return NewRedisStore(client, cfg.Params["namespace"]), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
}

var (
	globalMu    sync.Mutex
	globalStore Store
	installed   bool
)

// ErrAlreadyInstalled is returned by Install when a process-global Store is
// already set. The factory is a one-time cell: a second install attempt
// always fails, even with an identical config.
var ErrAlreadyInstalled = fmt.Errorf("kv: factory already installed")

// Install sets the process-global Store from cfg. Only the first call in a
// process's lifetime succeeds; this is a startup-only configuration point.
func Install(cfg Config) (Store, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if installed {
		return nil, ErrAlreadyInstalled
	}
	store, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	globalStore = store
	installed = true
	return store, nil
}

// Global returns the process-global Store installed by Install, or
// (nil, false) if none has been installed yet.
func Global() (Store, bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalStore, installed
}

// resetGlobalForTest clears the one-time cell. Test-only; not exported.
func resetGlobalForTest() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalStore = nil
	installed = false
}
