package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml"
)

// Config file structure (~/.mechanic-agent/config.toml)
type configFile struct {
	APIBaseURL string `toml:"api_base_url"`
	WSBaseURL  string `toml:"ws_base_url"`
	DBPath     string `toml:"db_path"`
	LogPath    string `toml:"log_path"`
}

var (
	loadedConfig configFile
	configMu     sync.RWMutex
)

func init() {
	loadConfig()
}

// loadConfig loads configuration from file
func loadConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	// Reset to empty
	loadedConfig = configFile{}

	configPath := os.Getenv("MECHAGENT_CONFIG_PATH")
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		configPath = filepath.Join(home, ".mechanic-agent", "config.toml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return // Config file doesn't exist, use defaults
	}

	toml.Unmarshal(data, &loadedConfig)
}

// reloadConfig reloads configuration (for testing)
func reloadConfig() {
	loadConfig()
}

// agentDir returns the base directory for agent files
func agentDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/.mechanic-agent"
	}
	return filepath.Join(home, ".mechanic-agent")
}

// APIBaseURL returns the dispatch REST API base URL.
// Priority: MECHAGENT_API_URL env var > config file > default
func APIBaseURL() string {
	if envURL := os.Getenv("MECHAGENT_API_URL"); envURL != "" {
		return strings.TrimRight(envURL, "/")
	}

	configMu.RLock()
	fileURL := loadedConfig.APIBaseURL
	configMu.RUnlock()
	if fileURL != "" {
		return strings.TrimRight(fileURL, "/")
	}

	return "http://localhost:8000"
}

// WSBaseURL returns the websocket base URL for job notifications.
// Priority: MECHAGENT_WS_URL env var > config file > derived from API URL
// (http -> ws, https -> wss).
func WSBaseURL() string {
	if envURL := os.Getenv("MECHAGENT_WS_URL"); envURL != "" {
		return strings.TrimRight(envURL, "/")
	}

	configMu.RLock()
	fileURL := loadedConfig.WSBaseURL
	configMu.RUnlock()
	if fileURL != "" {
		return strings.TrimRight(fileURL, "/")
	}

	api := APIBaseURL()
	switch {
	case strings.HasPrefix(api, "https://"):
		return "wss://" + strings.TrimPrefix(api, "https://")
	case strings.HasPrefix(api, "http://"):
		return "ws://" + strings.TrimPrefix(api, "http://")
	default:
		return api
	}
}

// DBPath returns the SQLite cache path.
// Priority: MECHAGENT_DB_PATH env var > config file > default
func DBPath() string {
	if envPath := os.Getenv("MECHAGENT_DB_PATH"); envPath != "" {
		return envPath
	}

	configMu.RLock()
	filePath := loadedConfig.DBPath
	configMu.RUnlock()
	if filePath != "" {
		return filePath
	}

	return filepath.Join(agentDir(), "agent.db")
}

// LogPath returns the log file path.
// Priority: config file > default
func LogPath() string {
	configMu.RLock()
	filePath := loadedConfig.LogPath
	configMu.RUnlock()
	if filePath != "" {
		return filePath
	}

	return filepath.Join(agentDir(), "agent.log")
}
