package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"
)

// Config is the root configuration for meshbridge.
type Config struct {
	Transport TransportConfig `koanf:"transport" yaml:"transport"`
	LLM       LLMConfig       `koanf:"llm" yaml:"llm"`
	Bridge    BridgeConfig    `koanf:"bridge" yaml:"bridge"`
	Storage   StorageConfig   `koanf:"storage" yaml:"storage"`
	Log       LogConfig       `koanf:"log" yaml:"log"`
	Status    StatusConfig    `koanf:"status" yaml:"status"`
}

type TransportConfig struct {
	SerialPort        string   `koanf:"serial_port" yaml:"serial_port"` // empty: auto-detect
	Baudrate          int      `koanf:"baudrate" yaml:"baudrate"`
	TCPHost           string   `koanf:"tcp_host" yaml:"tcp_host"` // host[:port], wins over serial
	ConnectRetryDelay Duration `koanf:"connect_retry_delay" yaml:"connect_retry_delay"`
	ConfigTimeout     Duration `koanf:"config_timeout" yaml:"config_timeout"`
}

type LLMConfig struct {
	Host       string   `koanf:"host" yaml:"host"`
	Model      string   `koanf:"model" yaml:"model"`
	Timeout    Duration `koanf:"timeout" yaml:"timeout"`
	MaxRetries int      `koanf:"max_retries" yaml:"max_retries"`
	Backoff    Duration `koanf:"backoff" yaml:"backoff"`
}

type BridgeConfig struct {
	TriggerPrefix    string   `koanf:"trigger_prefix" yaml:"trigger_prefix"`
	RespondToDMsOnly bool     `koanf:"respond_to_dms_only" yaml:"respond_to_dms_only"`
	AllowedChannels  []int    `koanf:"allowed_channels" yaml:"allowed_channels"`
	AllowedSenders   []string `koanf:"allowed_senders" yaml:"allowed_senders"`
	MaxReplyChars    int      `koanf:"max_reply_chars" yaml:"max_reply_chars"`
	ChunkChars       int      `koanf:"chunk_chars" yaml:"chunk_chars"` // 0: same as max_reply_chars
	MemoryTurns      int      `koanf:"memory_turns" yaml:"memory_turns"`
	QueueSize        int      `koanf:"queue_size" yaml:"queue_size"`
}

type StorageConfig struct {
	DataDir string `koanf:"data_dir" yaml:"data_dir"`
}

type LogConfig struct {
	Level      string `koanf:"level" yaml:"level"`
	File       bool   `koanf:"file" yaml:"file"` // write <data_dir>/logs/bridge.log
	MaxSizeMB  int    `koanf:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups" yaml:"max_backups"`
}

type StatusConfig struct {
	Enabled        bool   `koanf:"enabled" yaml:"enabled"`
	Listen         string `koanf:"listen" yaml:"listen"`
	DigestSchedule string `koanf:"digest_schedule" yaml:"digest_schedule"` // cron spec, empty disables
}

// Duration is a time.Duration written as "30s" in config files. Bare numbers
// are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yamlv3.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return v, nil
}

// envKeys maps the supported environment variables to config keys.
var envKeys = map[string]string{
	"SERIAL_PORT":         "transport.serial_port",
	"BAUDRATE":            "transport.baudrate",
	"MESH_TCP_HOST":       "transport.tcp_host",
	"OLLAMA_HOST":         "llm.host",
	"OLLAMA_MODEL":        "llm.model",
	"OLLAMA_TIMEOUT":      "llm.timeout",
	"OLLAMA_MAX_RETRIES":  "llm.max_retries",
	"TRIGGER_PREFIX":      "bridge.trigger_prefix",
	"RESPOND_TO_DMS_ONLY": "bridge.respond_to_dms_only",
	"ALLOWED_CHANNELS":    "bridge.allowed_channels",
	"ALLOWED_SENDERS":     "bridge.allowed_senders",
	"MAX_REPLY_CHARS":     "bridge.max_reply_chars",
	"CHUNK_CHARS":         "bridge.chunk_chars",
	"MEMORY_TURNS":        "bridge.memory_turns",
	"DATA_DIR":            "storage.data_dir",
	"LOG_LEVEL":           "log.level",
	"LOG_FILE":            "log.file",
	"STATUS_LISTEN":       "status.listen",
}

// emptyEnvAllowed lists variables where an empty value is meaningful, such as
// an empty trigger prefix answering every message.
var emptyEnvAllowed = map[string]bool{
	"SERIAL_PORT":      true,
	"MESH_TCP_HOST":    true,
	"TRIGGER_PREFIX":   true,
	"ALLOWED_CHANNELS": true,
	"ALLOWED_SENDERS":  true,
}

var durationKeys = []string{
	"transport.connect_retry_delay",
	"transport.config_timeout",
	"llm.timeout",
	"llm.backoff",
}

// DefaultConfigDir returns the default config directory (~/.meshbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshbridge"
	}
	return filepath.Join(home, ".meshbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load builds the config from defaults, the YAML file at path and then the
// environment. A missing file is only an error when required is set.
func Load(path string, required bool) (*Config, error) {
	return load(path, required, true)
}

// LoadFile is Load without the environment layer, for rewriting the file.
func LoadFile(path string) (*Config, error) {
	return load(path, false, false)
}

func load(path string, required, withEnv bool) (*Config, error) {
	path = ExpandPath(path)
	k := koanf.New(".")

	if path != "" {
		_, statErr := os.Stat(path)
		if required || !errors.Is(statErr, fs.ErrNotExist) {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
			}
		}
	}

	if withEnv {
		if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
			return nil, fmt.Errorf("cannot read environment: %w", err)
		}
	}

	if err := normalize(k); err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           cfg,
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	cfg.Storage.DataDir = ExpandPath(cfg.Storage.DataDir)
	cfg.Log.Level = strings.ToUpper(strings.TrimSpace(cfg.Log.Level))
	cfg.LLM.Host = normalizeHost(cfg.LLM.Host)
	if withEnv && os.Getenv("STATUS_LISTEN") != "" {
		cfg.Status.Enabled = true
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func envValue(name, value string) (string, any) {
	key, ok := envKeys[name]
	if !ok {
		return "", nil
	}
	if strings.TrimSpace(value) == "" && !emptyEnvAllowed[name] {
		return "", nil
	}
	return key, value
}

// normalize rewrites raw values koanf cannot decode directly: CSV lists,
// channel numbers and bare-number durations.
func normalize(k *koanf.Koanf) error {
	if k.Exists("bridge.allowed_senders") {
		k.Set("bridge.allowed_senders", splitList(k.Get("bridge.allowed_senders")))
	}
	if k.Exists("bridge.allowed_channels") {
		var channels []int
		for _, item := range splitList(k.Get("bridge.allowed_channels")) {
			n, err := strconv.Atoi(item)
			if err != nil {
				return fmt.Errorf("config validation: invalid channel value: %s", item)
			}
			channels = append(channels, n)
		}
		k.Set("bridge.allowed_channels", channels)
	}
	for _, key := range durationKeys {
		if k.Exists(key) {
			k.Set(key, fmt.Sprint(k.Get(key)))
		}
	}
	return nil
}

// splitList accepts a comma-separated string or a list and returns the
// trimmed, non-empty items.
func splitList(v any) []string {
	var items []string
	switch val := v.(type) {
	case nil:
	case string:
		items = strings.Split(val, ",")
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	case []string:
		items = val
	default:
		items = []string{fmt.Sprint(val)}
	}

	out := []string{}
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host != "" && !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return host
}

// Save writes cfg to path as YAML, creating the directory if needed.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

var logLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARN": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// Validate checks that the config has valid values. All problems are reported together.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Bridge.MaxReplyChars <= 0 {
		errs = append(errs, "bridge.max_reply_chars must be > 0")
	}
	if cfg.Bridge.MemoryTurns <= 0 {
		errs = append(errs, "bridge.memory_turns must be > 0")
	}
	if cfg.Bridge.ChunkChars < 0 {
		errs = append(errs, "bridge.chunk_chars must be >= 0")
	}
	if cfg.Bridge.QueueSize < 0 {
		errs = append(errs, "bridge.queue_size must be >= 0")
	}
	if cfg.Transport.Baudrate <= 0 {
		errs = append(errs, "transport.baudrate must be > 0")
	}
	if cfg.Transport.ConnectRetryDelay < 0 {
		errs = append(errs, "transport.connect_retry_delay must be >= 0")
	}
	if cfg.LLM.MaxRetries < 1 {
		errs = append(errs, "llm.max_retries must be >= 1")
	}
	if cfg.LLM.Timeout <= 0 {
		errs = append(errs, "llm.timeout must be > 0")
	}
	if cfg.LLM.Backoff < 0 {
		errs = append(errs, "llm.backoff must be >= 0")
	}
	if cfg.LLM.Host == "" {
		errs = append(errs, "llm.host is required")
	}
	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.data_dir is required")
	}
	if !logLevels[strings.ToUpper(cfg.Log.Level)] {
		errs = append(errs, "log.level must be one of: DEBUG, INFO, WARNING, ERROR")
	}
	if cfg.Status.DigestSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Status.DigestSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("status.digest_schedule: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DBPath returns the history database location under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "meshbridge.db")
}

// LogDir returns the rotating log directory under the data directory.
func (c *Config) LogDir() string {
	return filepath.Join(c.Storage.DataDir, "logs")
}
