// Package config loads process settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}
}

// Settings holds everything a process reads from its environment.
type Settings struct {
	// Host and Port the environment's RPC server binds to.
	Host string
	Port int
	// EnvName labels the environment in logs and event subjects.
	EnvName string
	// NatsURL of the event broker; empty starts an embedded server.
	NatsURL string
	// APIAddr the REST API listens on; empty disables the API.
	APIAddr string
	// DataDir for the artifact archive; empty disables persistence.
	DataDir string
	// LogFolder agents dump their state into on shutdown.
	LogFolder string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: %s=%q is not a number, using %d", key, v, fallback)
		return fallback
	}
	return n
}

// Load reads settings from ATELIER_* environment variables, applying
// defaults for anything unset.
func Load() Settings {
	return Settings{
		Host:      getenv("ATELIER_HOST", "localhost"),
		Port:      getenvInt("ATELIER_PORT", 5555),
		EnvName:   getenv("ATELIER_ENV_NAME", "env"),
		NatsURL:   os.Getenv("ATELIER_NATS_URL"),
		APIAddr:   os.Getenv("ATELIER_API_ADDR"),
		DataDir:   os.Getenv("ATELIER_DATA_DIR"),
		LogFolder: os.Getenv("ATELIER_LOG_FOLDER"),
	}
}
