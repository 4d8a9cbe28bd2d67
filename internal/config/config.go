// Package config loads the coordinator's configuration from the
// environment, the same os.Getenv-with-inline-defaults idiom the teacher's
// cmd/nocturne/main.go uses, generalized to the full enumeration a
// replication control plane needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ssd-technologies/duskvault/internal/cryptopipe"
	"github.com/ssd-technologies/duskvault/internal/errs"
)

// SizePolicyName selects which chunk-sizing policy ProcessFile uses.
type SizePolicyName string

const (
	SizePolicyLegacyFixed SizePolicyName = "legacy-fixed"
	SizePolicyAdaptive    SizePolicyName = "adaptive"
)

// Config is the full set of coordinator-wide settings enumerated in the
// external interfaces of the design.
type Config struct {
	Port    string
	DataDir string

	KEKHex string

	// KEKEscrowFile and KEKEscrowPassphrase resolve KEKHex when KEK_HEX
	// itself isn't set directly: Load reads the escrow file produced by
	// `coordinator bootstrap-kek` and unseals it under the passphrase.
	KEKEscrowFile       string
	KEKEscrowPassphrase string

	RedundancyFactor          int
	SafetyMargin              int
	MinReliabilityForPlacement float64

	ScanInterval    time.Duration
	SummaryInterval time.Duration
	TrimInterval    time.Duration

	DeviceOfflineThreshold time.Duration

	SizePolicy SizePolicyName

	TempChunkTTL time.Duration

	TWrite  time.Duration
	TRead   time.Duration
	TDelete time.Duration

	MaxFileSize int64
}

// Load reads Config from the environment. Every field has an inline default
// except KEKHex, which is required and fails with errs.ErrConfig when
// absent or malformed.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                        getEnv("PORT", "8080"),
		DataDir:                     getEnv("COORDINATOR_DATA_DIR", "data"),
		RedundancyFactor:            getEnvInt("REDUNDANCY_FACTOR", 3),
		SafetyMargin:                getEnvInt("SAFETY_MARGIN", 2),
		MinReliabilityForPlacement:  getEnvFloat("MIN_RELIABILITY_FOR_PLACEMENT", 70),
		ScanInterval:                getEnvDuration("SCAN_INTERVAL", 60*time.Minute),
		SummaryInterval:             getEnvDuration("SUMMARY_INTERVAL", 24*time.Hour),
		TrimInterval:                getEnvDuration("TRIM_INTERVAL", 12*time.Hour),
		DeviceOfflineThreshold:      getEnvDuration("DEVICE_OFFLINE_THRESHOLD", 90*time.Second),
		SizePolicy:                  SizePolicyName(getEnv("CHUNK_SIZE_POLICY", string(SizePolicyAdaptive))),
		TempChunkTTL:                getEnvDuration("TEMP_CHUNK_TTL", 24*time.Hour),
		TWrite:                      getEnvDuration("T_WRITE", 30*time.Second),
		TRead:                       getEnvDuration("T_READ", 60*time.Second),
		TDelete:                     getEnvDuration("T_DELETE", 60*time.Second),
		MaxFileSize:                 getEnvInt64("MAX_FILE_SIZE", 10*1<<30),
	}

	cfg.KEKHex = os.Getenv("KEK_HEX")
	cfg.KEKEscrowFile = os.Getenv("KEK_ESCROW_FILE")
	cfg.KEKEscrowPassphrase = os.Getenv("KEK_ESCROW_PASSPHRASE")

	if cfg.KEKHex == "" && cfg.KEKEscrowFile != "" {
		escrowed, err := os.ReadFile(cfg.KEKEscrowFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read KEK_ESCROW_FILE: %v", errs.ErrConfig, err)
		}
		kekHex, err := cryptopipe.UnwrapKEKEscrow(cfg.KEKEscrowPassphrase, escrowed)
		if err != nil {
			return nil, fmt.Errorf("%w: unwrap kek escrow: %v", errs.ErrConfig, err)
		}
		cfg.KEKHex = kekHex
	}

	if cfg.KEKHex == "" {
		return nil, fmt.Errorf("%w: KEK_HEX or KEK_ESCROW_FILE+KEK_ESCROW_PASSPHRASE is required", errs.ErrConfig)
	}
	if len(cfg.KEKHex) != 64 {
		return nil, fmt.Errorf("%w: KEK_HEX must be 64 hex characters, got %d", errs.ErrConfig, len(cfg.KEKHex))
	}

	if cfg.RedundancyFactor < 2 || cfg.RedundancyFactor > 5 {
		return nil, fmt.Errorf("%w: REDUNDANCY_FACTOR must be in [2,5], got %d", errs.ErrConfig, cfg.RedundancyFactor)
	}
	if cfg.SizePolicy != SizePolicyLegacyFixed && cfg.SizePolicy != SizePolicyAdaptive {
		return nil, fmt.Errorf("%w: unknown CHUNK_SIZE_POLICY %q", errs.ErrConfig, cfg.SizePolicy)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
