package config

import "github.com/spf13/viper"

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for contextd. Values are read once
// at startup; the store and memory service are constructed from them.
type Config struct {
	ContextsDir   string // directory of *_context.json documents
	AutoLoad      bool   // load all documents at startup
	MemoryDB      string // sqlite path for the memory service; empty disables it
	AuditQueue    int    // audit hook queue capacity
	MemoryTimeout int    // seconds allowed per memory-service call
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/contextd).
func Load() Config {
	return Config{
		ContextsDir:   viper.GetString("contexts_dir"),
		AutoLoad:      viper.GetBool("auto_load"),
		MemoryDB:      viper.GetString("memory_db"),
		AuditQueue:    viper.GetInt("audit_queue"),
		MemoryTimeout: viper.GetInt("memory_timeout"),
	}
}
