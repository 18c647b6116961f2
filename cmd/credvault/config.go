package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all credvault server configuration.
// Priority: env vars > settings.json > defaults.
// The master key is deliberately absent: it is read only from the
// CREDVAULT_MASTER_KEY environment variable and never written to disk.
type Config struct {
	DBPath             string `json:"db_path"`
	LogLevel           string `json:"log_level"`
	AuditRetentionDays int    `json:"audit_retention_days"`
	PolicySweepCron    string `json:"policy_sweep_cron"`
	AuditSweepCron     string `json:"audit_sweep_cron"`
	VacuumCron         string `json:"vacuum_cron"`
	ReKeyBatchSize     int    `json:"rekey_batch_size"`
}

func defaultConfig() Config {
	return Config{
		DBPath:             filepath.Join(credvaultDir(), "credvault.db"),
		LogLevel:           "info",
		AuditRetentionDays: 365,
		PolicySweepCron:    "*/15 * * * *",
		AuditSweepCron:     "0 3 * * *",
		VacuumCron:         "0 4 * * 0",
		ReKeyBatchSize:     100,
	}
}

func credvaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".credvault"
	}
	return filepath.Join(home, ".credvault")
}

func settingsPath() string {
	return filepath.Join(credvaultDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CREDVAULT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CREDVAULT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CREDVAULT_AUDIT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuditRetentionDays = n
		}
	}
	if v := os.Getenv("CREDVAULT_POLICY_SWEEP_CRON"); v != "" {
		cfg.PolicySweepCron = v
	}
	if v := os.Getenv("CREDVAULT_AUDIT_SWEEP_CRON"); v != "" {
		cfg.AuditSweepCron = v
	}
	if v := os.Getenv("CREDVAULT_VACUUM_CRON"); v != "" {
		cfg.VacuumCron = v
	}
	if v := os.Getenv("CREDVAULT_REKEY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReKeyBatchSize = n
		}
	}

	return cfg
}
