// Package config loads the control plane's configuration knobs from the
// environment, the same hand-rolled way the rest of the pack does it: named
// constants for defaults, os.Getenv with a fallback, no struct-tag library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every configuration knob, exhaustively.
type Config struct {
	// MQ
	QueueNameReservations string
	QueueNameDiskOps      string
	PollIntervalSeconds   int
	VisibilityTimeout     time.Duration
	BatchSize             int
	MaxDeliveries         int

	// RP timeouts
	AdmitTimeout   time.Duration
	PrepareTimeout time.Duration

	// duration caps
	ReservationMaxHours float64
	ExtensionMaxHours   float64
	TotalMaxHours       float64

	// warnings / OOM
	WarningThresholdsMinutes []int
	OOMRateLimitCount        int
	OOMRateLimitWindow       time.Duration

	// cadences
	AvailabilityReconcileInterval time.Duration
	ExpiryTickInterval            time.Duration
	ExpiryCleanupRetryWindow      time.Duration

	// DB pool
	DatabaseURL           string
	DBPoolMin             int32
	DBPoolMax             int32
	DBPoolHealthCheck     bool
	DBPoolAcquireTimeout  time.Duration
	MigrationsDir         string

	// scheduling rules
	HighEndGPUTags       map[string]struct{}
	MaxMultinodeNodes    int
	CPUUsersPerNode      int
	VolumeSoftDeleteDays int

	// cluster / cloud wiring
	ClusterNamePrefix string // ASG name prefix; names are not matched against a "-gpu-nodes-<tag>" pattern, the GPU type comes from the ASG's tag
	Namespace         string // k8s namespace RP creates pods/jobs in
	AWSRegion         string
	SSHKeyServerURL   string // e.g. https://github.com (keys fetched from <url>/<user>.keys)

	// admission lock
	AdmitLockTimeout time.Duration

	// logging
	LogDevMode bool
	LogLevel   int

	// metrics/health
	MetricsAddr string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvInt32(key string, def int32) int32 {
	return int32(getEnvInt(key, int(def)))
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defSeconds)) * time.Second
}

func getEnvIntList(key string, def []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return def
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getEnvStringSet(key string, def []string) map[string]struct{} {
	v := os.Getenv(key)
	var items []string
	if v == "" {
		items = def
	} else {
		items = strings.Split(v, ",")
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		set[item] = struct{}{}
	}
	return set
}

// Load populates a Config from the environment, applying documented
// defaults for every field it does not find set.
func Load() (*Config, error) {
	cfg := &Config{
		QueueNameReservations: getEnv("QUEUE_NAME_RESERVATIONS", "gpu_reservations"),
		QueueNameDiskOps:      getEnv("QUEUE_NAME_DISK_OPS", "disk_operations"),
		PollIntervalSeconds:   getEnvInt("POLL_INTERVAL_SECONDS", 5),
		VisibilityTimeout:     getEnvSeconds("VISIBILITY_TIMEOUT_SECONDS", 300),
		BatchSize:             getEnvInt("BATCH_SIZE", 1),
		MaxDeliveries:         getEnvInt("MAX_DELIVERIES", 3),

		AdmitTimeout:   getEnvSeconds("ADMIT_TIMEOUT_SECONDS", 600),
		PrepareTimeout: getEnvSeconds("PREPARE_TIMEOUT_SECONDS", 900),

		ReservationMaxHours: getEnvFloat("RESERVATION_MAX_HOURS", 24),
		ExtensionMaxHours:   getEnvFloat("EXTENSION_MAX_HOURS", 24),
		TotalMaxHours:       getEnvFloat("TOTAL_MAX_HOURS", 48),

		WarningThresholdsMinutes: getEnvIntList("WARNING_THRESHOLDS_MINUTES", []int{30, 15, 5}),
		OOMRateLimitCount:        getEnvInt("OOM_RATE_LIMIT_COUNT", 5),
		OOMRateLimitWindow:       getEnvSeconds("OOM_RATE_LIMIT_WINDOW_SECONDS", 600),

		AvailabilityReconcileInterval: getEnvSeconds("AVAILABILITY_RECONCILE_SECONDS", 300),
		ExpiryTickInterval:            getEnvSeconds("EXPIRY_TICK_SECONDS", 60),
		ExpiryCleanupRetryWindow:      getEnvSeconds("EXPIRY_CLEANUP_RETRY_WINDOW_SECONDS", 3600),

		DatabaseURL:          getEnv("DATABASE_URL", ""),
		DBPoolMin:            getEnvInt32("DB_POOL_MIN", 1),
		DBPoolMax:            getEnvInt32("DB_POOL_MAX", 20),
		DBPoolHealthCheck:    getEnvBool("DB_POOL_HEALTH_CHECK", true),
		DBPoolAcquireTimeout: getEnvSeconds("DB_POOL_ACQUIRE_TIMEOUT_SECONDS", 30),
		MigrationsDir:        getEnv("MIGRATIONS_DIR", ""),

		HighEndGPUTags:       getEnvStringSet("HIGH_END_GPU_TAGS", []string{"h100", "h200", "a100", "b200"}),
		MaxMultinodeNodes:    getEnvInt("MAX_MULTINODE_NODES", 4),
		CPUUsersPerNode:      getEnvInt("CPU_USERS_PER_NODE", 3),
		VolumeSoftDeleteDays: getEnvInt("VOLUME_SOFT_DELETE_RETENTION_DAYS", 30),

		ClusterNamePrefix: getEnv("CLUSTER_NAME_PREFIX", "osdc"),
		Namespace:         getEnv("RESERVATION_NAMESPACE", "gpu-reservations"),
		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
		SSHKeyServerURL:   getEnv("SSH_KEY_SERVER_URL", "https://github.com"),

		AdmitLockTimeout: getEnvSeconds("ADMIT_LOCK_TIMEOUT_SECONDS", 2),

		LogDevMode: getEnvBool("LOG_DEV_MODE", false),
		LogLevel:   getEnvInt("LOG_LEVEL", 0),

		MetricsAddr: getEnv("METRICS_ADDR", ":8080"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}
