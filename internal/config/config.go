package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the forge engine.
type Config struct {
	Environment       string
	Addr              string
	DockerHost        string
	WorkspaceRoot     string
	CacheRoot         string
	SourceRoot        string
	PortRangeStart    int
	PortRangeEnd      int
	MaxConcurrentRuns int
	MaxProjectFiles   int
	StopGracePeriod   time.Duration
	BuildTimeout      time.Duration
	ExecTimeout       time.Duration
	SamplePeriod      time.Duration
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:       GetString("APP_ENV", "development"),
		Addr:              GetString("FORGE_ADDR", ":5100"),
		DockerHost:        GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		WorkspaceRoot:     GetString("FORGE_WORKDIR", "/tmp/forge"),
		CacheRoot:         GetString("FORGE_CACHE_DIR", "/tmp/forge-cache"),
		SourceRoot:        GetString("FORGE_SOURCE_ROOT", "/var/lib/forge/projects"),
		PortRangeStart:    GetInt("FORGE_PORT_RANGE_START", 42000),
		PortRangeEnd:      GetInt("FORGE_PORT_RANGE_END", 42999),
		MaxConcurrentRuns: GetInt("FORGE_MAX_CONCURRENT_RUNS", 8),
		MaxProjectFiles:   GetInt("FORGE_MAX_PROJECT_FILES", 5000),
		StopGracePeriod:   time.Duration(GetInt("FORGE_STOP_GRACE_SECONDS", 5)) * time.Second,
		BuildTimeout:      time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 900)) * time.Second,
		ExecTimeout:       time.Duration(GetInt("EXEC_TIMEOUT_SECONDS", 0)) * time.Second,
		SamplePeriod:      time.Duration(GetInt("RESOURCE_SAMPLE_MILLIS", 250)) * time.Millisecond,
		RedisAddr:         GetString("RESULT_STORE_REDIS_ADDR", ""),
		RedisPassword:     GetString("RESULT_STORE_REDIS_PASSWORD", ""),
		RedisDB:           GetInt("RESULT_STORE_REDIS_DB", 0),
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
