package config

import "time"

// DefaultConfig returns a single-node, in-memory configuration.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{WorkerID: 1},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Storage: StorageConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "jobflow:",
			},
		},
		Engine: EngineConfig{
			Concurrency:    64,
			RecoverOnStart: true,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
			DefaultLimit: 10,
		},
		DeadLetter: DeadLetterConfig{
			MaxEntries:    10000,
			MaxAge:        7 * 24 * time.Hour,
			PruneInterval: time.Minute,
			PruneBatch:    1000,
			RetryRate:     10,
			RetryBurst:    10,
		},
		Leader: LeaderConfig{
			TTL:           15 * time.Second,
			RenewInterval: 5 * time.Second,
			KeyPrefix:     "jobflow:",
		},
		Metrics: MetricsConfig{
			Namespace: "jobflow",
			Addr:      ":9091",
		},
	}
}
