package config

import (
	"encoding/base64"
	"os"
	"time"
)

const (
	appNameVar  = "APP_NAME"
	folderVar   = "FOLDER"
	storeKeyVar = "STORE_KEY"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "TaskManage Session Manager")
}

func (EnvVars) GetDataFolder() string {
	return GetEnv(folderVar, "./data")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

// GetStoreEncryptionKey returns the base64-encoded 32 byte key used to
// encrypt persisted tokens at rest. An empty or malformed value disables
// encryption.
func (EnvVars) GetStoreEncryptionKey() []byte {
	raw := GetEnv(storeKeyVar, "")
	if raw == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil
	}
	return key
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvDuration(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
