package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Bot:       DefaultBotConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Mongo:     DefaultMongoConfig(),
		Remote:    DefaultRemoteConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		MaxConnections:  512,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultBotConfig returns the default bot configuration.
func DefaultBotConfig() BotConfig {
	return BotConfig{
		BotID:              "botflow",
		DefaultLocale:      "en",
		SendChoiceActivate: true,
		TimelineStore:      "redis",
	}
}

// DefaultRedisConfig returns the default redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "botflow:",
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "botflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig returns the default mongo configuration.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "botflow",
		Collection: "user_timelines",
	}
}

// DefaultRemoteConfig returns the default remote-story configuration.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		RequestChannel:  "botflow:requests",
		ResponseChannel: "botflow:responses",
		Timeout:         10 * time.Second,
	}
}

// DefaultDispatchConfig returns the default dispatcher configuration.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		MaxConcurrency: 16,
		QueueSize:      64,
		RateLimit:      100,
		RateBurst:      200,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "botflow",
		SampleRate:   0.1,
	}
}
