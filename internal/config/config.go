package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	// Orchestration ceilings.
	MaxConcurrentTurns int
	MonitorTaskSlots   int
	MaxActionsPerMin   int
	MaxOutputPerMin    int
	PrimaryMonitorID   string

	AgentIdleTimeout time.Duration
	SlotWaitTimeout  time.Duration

	LLMProvider string
	LLMModel    string
	LLMAPIKey   string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("DESKD_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("DESKD_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("DESKD_DB_PATH", filepath.Join(dataDir, "deskd.db")),

		MaxConcurrentTurns: getEnvInt("DESKD_MAX_CONCURRENT_TURNS", 8),
		MonitorTaskSlots:   getEnvInt("DESKD_MONITOR_TASK_SLOTS", 3),
		MaxActionsPerMin:   getEnvInt("DESKD_MAX_ACTIONS_PER_MIN", 60),
		MaxOutputPerMin:    getEnvInt("DESKD_MAX_OUTPUT_PER_MIN", 262144),
		PrimaryMonitorID:   getEnv("DESKD_PRIMARY_MONITOR", "primary"),

		AgentIdleTimeout: getEnvDuration("DESKD_AGENT_IDLE_TIMEOUT", 10*time.Minute),
		SlotWaitTimeout:  getEnvDuration("DESKD_SLOT_WAIT_TIMEOUT", 30*time.Second),

		LLMProvider: getEnv("DESKD_LLM_PROVIDER", "anthropic"),
		LLMModel:    getEnv("DESKD_LLM_MODEL", ""),
		LLMAPIKey:   getEnv("DESKD_LLM_API_KEY", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
