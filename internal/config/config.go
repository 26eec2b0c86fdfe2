package config

type Config interface {
	EnvConfig
	OAuthConfig
	TimingConfig
}

type EnvConfig interface {
	GetAppName() string
	GetDataFolder() string
	GetEnv() string
	GetStoreEncryptionKey() []byte
}

type mainConfig struct {
	EnvVars
	OAuth
	Timing
}

func New() Config {
	return mainConfig{}
}
