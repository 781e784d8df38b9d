package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.streamchat",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:                     "127.0.0.1",
			Port:                     8080,
			ReadHeaderTimeoutSeconds: 10,
			HeartbeatSeconds:         15,
		},
		Auth: AuthConfig{
			Secret:        "${STREAMCHAT_AUTH_SECRET:-change-me}",
			CookieName:    "streamchat_session",
			TokenTTLHours: 24 * 30,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "~/.streamchat/streamchat.db",
		},
		Stream: StreamConfig{
			Backend:              "sql",
			RetentionSeconds:     300,
			MaxLifetimeSeconds:   900,
			PollIntervalMillis:   250,
			SweepIntervalSeconds: 30,
		},
		Generation: GenerationConfig{
			TimeoutSeconds: 60,
			LeaseSeconds:   90,
			SystemPrompt:   "You are a friendly assistant! Keep your responses concise and helpful.",
		},
		Resume: ResumeConfig{
			StalenessSeconds: 15,
		},
		Providers: map[string]ProviderConfig{
			"echo": {
				Enabled: true,
				Kind:    "echo",
			},
			"ollama": {
				Enabled:      false,
				Kind:         "ollama",
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		DefaultProvider: "echo",
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
