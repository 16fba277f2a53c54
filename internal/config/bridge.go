package config

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/stdiobridge/core/config"
)

// BridgeConfig holds configuration for the stdio bridge.
// Precedence: defaults < config file < environment < flags.
type BridgeConfig struct {
	Port           int      `yaml:"port"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	LogLevel       string   `yaml:"log_level"`
	ConfigFile     string   `yaml:"-"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AuthToken is the shared secret clients present as a bearer token.
	AuthToken string `yaml:"auth_token"`

	// RequestTimeout bounds the wait for a subprocess reply.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxMessageBytes caps one frame payload in either direction.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// Subprocess launch parameters.
	Command              string   `yaml:"command"`
	Args                 []string `yaml:"args"`
	AllowRelativeCommand bool     `yaml:"allow_relative_command"`
	TargetURL            string   `yaml:"target_url"`
	CallbackHost         string   `yaml:"callback_host"`
	TransportMode        string   `yaml:"transport_mode"`
	CredentialsDir       string   `yaml:"credentials_dir"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 250 * time.Second
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 10 << 20
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("bridge.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := commoncfg.GetEnv("AUTH_TOKEN", ""); v != "" {
		c.AuthToken = v
	}
	if v := commoncfg.GetEnv("RPC_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := commoncfg.GetEnv("MAX_MESSAGE_BYTES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxMessageBytes = n
		}
	}
	if v := commoncfg.GetEnv("BRIDGE_COMMAND", ""); v != "" {
		c.Command = v
	}
	if v := commoncfg.GetEnv("BRIDGE_ARGS", ""); v != "" {
		c.Args = strings.Fields(v)
	}
	if v := commoncfg.GetEnv("ALLOW_RELATIVE_COMMAND", ""); v != "" {
		c.AllowRelativeCommand = strings.EqualFold(v, "true") || v == "1"
	}
	if v := commoncfg.GetEnv("TARGET_URL", ""); v != "" {
		c.TargetURL = v
	}
	if v := commoncfg.GetEnv("CALLBACK_HOST", ""); v != "" {
		c.CallbackHost = v
	}
	if v := commoncfg.GetEnv("TRANSPORT_MODE", ""); v != "" {
		c.TransportMode = v
	}
	if v := commoncfg.GetEnv("CREDENTIALS_DIR", ""); v != "" {
		c.CredentialsDir = v
	}
}

// LoadFile overlays values from a YAML config file.
func (c *BridgeConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults so main can call flag.Parse().
func (c *BridgeConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.AuthToken, "auth-token", c.AuthToken, "shared secret clients must present as a bearer token")
	flag.Func("request-timeout", "reply timeout in seconds", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	flag.IntVar(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "maximum frame payload size in bytes")
	flag.StringVar(&c.Command, "command", c.Command, "subprocess command to launch (absolute path)")
	flag.Func("args", "subprocess arguments, space separated", func(v string) error {
		c.Args = strings.Fields(v)
		return nil
	})
	flag.BoolVar(&c.AllowRelativeCommand, "allow-relative-command", c.AllowRelativeCommand, "permit a non-absolute subprocess command path")
	flag.StringVar(&c.TargetURL, "target-url", c.TargetURL, "target URL passed to the subprocess")
	flag.StringVar(&c.CallbackHost, "callback-host", c.CallbackHost, "callback host passed to the subprocess")
	flag.StringVar(&c.TransportMode, "transport-mode", c.TransportMode, "transport mode passed to the subprocess")
	flag.StringVar(&c.CredentialsDir, "credentials-dir", c.CredentialsDir, "credential storage directory passed to the subprocess")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// Validate fails fast when a required value is missing.
func (c *BridgeConfig) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"AUTH_TOKEN":      c.AuthToken,
		"BRIDGE_COMMAND":  c.Command,
		"TARGET_URL":      c.TargetURL,
		"CALLBACK_HOST":   c.CallbackHost,
		"TRANSPORT_MODE":  c.TransportMode,
		"CREDENTIALS_DIR": c.CredentialsDir,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SubprocessEnv returns the launch parameters as KEY=VALUE pairs for the
// subprocess environment.
func (c *BridgeConfig) SubprocessEnv() []string {
	return []string{
		"TARGET_URL=" + c.TargetURL,
		"CALLBACK_HOST=" + c.CallbackHost,
		"TRANSPORT_MODE=" + c.TransportMode,
		"CREDENTIALS_DIR=" + c.CredentialsDir,
	}
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
