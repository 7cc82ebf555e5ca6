package config

import "time"

func Defaults() *Config {
	return &Config{
		Transport: TransportConfig{
			Baudrate:          115200,
			ConnectRetryDelay: Duration(time.Second),
			ConfigTimeout:     Duration(15 * time.Second),
		},
		LLM: LLMConfig{
			Host:       "http://localhost:11434",
			Model:      "mistral",
			Timeout:    Duration(30 * time.Second),
			MaxRetries: 3,
			Backoff:    Duration(time.Second),
		},
		Bridge: BridgeConfig{
			TriggerPrefix: "!ai ",
			MaxReplyChars: 200,
			MemoryTurns:   6,
			QueueSize:     32,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:      "INFO",
			File:       true,
			MaxSizeMB:  5,
			MaxBackups: 5,
		},
		Status: StatusConfig{
			Enabled:        false,
			Listen:         "127.0.0.1:8787",
			DigestSchedule: "0 * * * *",
		},
	}
}
