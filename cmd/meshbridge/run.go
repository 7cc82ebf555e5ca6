package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meshbridge/internal/bridge"
	"meshbridge/internal/config"
	"meshbridge/internal/logging"
	"meshbridge/internal/memory"
	"meshbridge/internal/mesh"
	"meshbridge/internal/provider"
	"meshbridge/internal/radio"
	"meshbridge/internal/status"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the radio and answer messages until interrupted",
		Long: `Connects to the configured radio (TCP host, serial port or the first
auto-detected USB serial device), answers triggered messages and reconnects
with backoff when the link drops. Press Ctrl+C to stop.`,
		RunE: runBridge,
	}
}

func newOllama(cfg *config.Config) *provider.Ollama {
	return provider.NewOllama(provider.OllamaConfig{
		APIBase:    cfg.LLM.Host,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout.Std(),
		MaxRetries: cfg.LLM.MaxRetries,
		Backoff:    cfg.LLM.Backoff.Std(),
		Logger:     logger,
	})
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	l, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		Dir:        cfg.LogDir(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = l

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := memory.Open(cfg.Storage.DataDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	llm := newOllama(cfg)
	dialer := mesh.RadioDialer{
		Baud:          cfg.Transport.Baudrate,
		ConfigTimeout: cfg.Transport.ConfigTimeout.Std(),
		Logger:        logger,
	}
	sessionCfg := mesh.Config{
		SerialPort: cfg.Transport.SerialPort,
		TCPHost:    cfg.Transport.TCPHost,
		RetryDelay: cfg.Transport.ConnectRetryDelay.Std(),
	}

	svc := bridge.NewService(bridge.Config{
		Options: bridge.Options{
			TriggerPrefix:    cfg.Bridge.TriggerPrefix,
			RespondToDMsOnly: cfg.Bridge.RespondToDMsOnly,
			AllowedChannels:  cfg.Bridge.AllowedChannels,
			AllowedSenders:   cfg.Bridge.AllowedSenders,
			MaxReplyChars:    cfg.Bridge.MaxReplyChars,
			ChunkChars:       cfg.Bridge.ChunkChars,
			ChunkBytes:       radio.MaxTextBytes,
			MemoryTurns:      cfg.Bridge.MemoryTurns,
			QueueSize:        cfg.Bridge.QueueSize,
		},
		NewTransport: func() bridge.Transport {
			return mesh.NewSession(sessionCfg, dialer, logger)
		},
		Store:     store,
		Generator: llm,
		Logger:    logger,
	})

	logger.Info("startup",
		"version", version,
		"serial_port", cfg.Transport.SerialPort,
		"tcp_host", cfg.Transport.TCPHost,
		"ollama_host", cfg.LLM.Host,
		"model", cfg.LLM.Model,
		"trigger_prefix", cfg.Bridge.TriggerPrefix,
		"respond_to_dms_only", cfg.Bridge.RespondToDMsOnly,
		"allowed_channels", cfg.Bridge.AllowedChannels,
		"allowed_senders", cfg.Bridge.AllowedSenders,
		"max_reply_chars", cfg.Bridge.MaxReplyChars,
		"memory_turns", cfg.Bridge.MemoryTurns,
		"data_dir", cfg.Storage.DataDir,
	)

	if cfg.Status.Enabled {
		go func() {
			err := status.Serve(ctx, status.Options{
				Listen: cfg.Status.Listen,
				Bridge: svc,
				Store:  store,
				LLM:    llm,
				Logger: logger,
			})
			if err != nil {
				logger.Error("status server error", "error", err)
			}
		}()
	}

	if cfg.Status.DigestSchedule != "" {
		digest, err := status.NewDigest(cfg.Status.DigestSchedule, logger)
		if err != nil {
			return err
		}
		digest.Start()
		defer digest.Stop()
	}

	return svc.Run(ctx)
}
