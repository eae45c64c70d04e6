// Package config builds the relay configuration from command line flags,
// RELAY_* environment variables and an optional YAML file.
//
// Precedence, highest first: flag, environment, file, default. Every
// option uses the same name in all three places, with environment
// variables upper-cased and dashes turned into underscores
// (--max-room-age, RELAY_MAX_ROOM_AGE, max-room-age: 1h).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "RELAY_"

var (
	ErrParse   = errors.New("unable to parse configuration")
	ErrFile    = errors.New("unable to read configuration file")
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	ListenAddr string
	LogLevel   string
	StaticDir  string

	HeartbeatInterval time.Duration
	ReaperInterval    time.Duration
	MaxRoomAge        time.Duration
	ShutdownGrace     time.Duration

	ConnRateWindow   time.Duration
	ConnRateMax      int
	SourceRateWindow time.Duration
	SourceRateMax    int

	DedupMaxSize int
	DedupTTL     time.Duration

	MaxMessageSize int64

	// Empty means same-origin only.
	AllowedOrigins []string
	TrustedProxies []string
}

// Load parses args (without the program name) using lookupEnv for
// environment overrides.
func Load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)

	configFile := fs.StringP("config", "c", "", "path to YAML configuration file")
	fs.StringVarP(&cfg.ListenAddr, "listen-addr", "a", ":8080", "http listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", "info", "log level")
	fs.StringVar(&cfg.StaticDir, "static-dir", "", "directory with static assets to serve, disabled if empty")

	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", 30*time.Second, "liveness probe interval")
	fs.DurationVar(&cfg.ReaperInterval, "reaper-interval", time.Minute, "room reaper interval")
	fs.DurationVar(&cfg.MaxRoomAge, "max-room-age", time.Hour, "maximum room lifetime")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 5*time.Second, "time given to connections to close on shutdown")

	fs.DurationVar(&cfg.ConnRateWindow, "conn-rate-window", time.Second, "per-connection rate window")
	fs.IntVar(&cfg.ConnRateMax, "conn-rate-max", 50, "messages allowed per connection per window")
	fs.DurationVar(&cfg.SourceRateWindow, "source-rate-window", time.Minute, "per-source connection rate window")
	fs.IntVar(&cfg.SourceRateMax, "source-rate-max", 30, "connections allowed per source address per window")

	fs.IntVar(&cfg.DedupMaxSize, "dedup-max-size", 100, "maximum duplicate suppression entries per room")
	fs.DurationVar(&cfg.DedupTTL, "dedup-ttl", 30*time.Second, "duplicate suppression window")

	fs.Int64Var(&cfg.MaxMessageSize, "max-message-size", 64<<10, "maximum inbound frame size in bytes")

	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", nil, "allowed websocket origins, same-origin only if empty")
	fs.StringSliceVar(&cfg.TrustedProxies, "trusted-proxies", nil, "proxy addresses whose X-Forwarded-For is trusted")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrParse, err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = true
	})

	if *configFile == "" {
		if v, ok := lookupEnv(envName("config")); ok {
			*configFile = v
		}
	}
	if *configFile != "" {
		values, err := readFile(*configFile)
		if err != nil {
			return nil, err
		}
		for name, value := range values {
			if explicit[name] {
				continue
			}
			f := fs.Lookup(name)
			if f == nil || name == "config" {
				return nil, errors.Join(ErrInvalid, fmt.Errorf("unknown option %q in %s", name, *configFile))
			}
			if err = setValue(f, value); err != nil {
				return nil, errors.Join(ErrParse, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	var envErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if envErr != nil || explicit[f.Name] || f.Name == "config" {
			return
		}
		if v, ok := lookupEnv(envName(f.Name)); ok {
			if err := setValue(f, v); err != nil {
				envErr = errors.Join(ErrParse, fmt.Errorf("%s: %w", envName(f.Name), err))
			}
		}
	})
	if envErr != nil {
		return nil, envErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the relay cannot run with.
func (cfg *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"heartbeat-interval": cfg.HeartbeatInterval,
		"reaper-interval":    cfg.ReaperInterval,
		"max-room-age":       cfg.MaxRoomAge,
		"shutdown-grace":     cfg.ShutdownGrace,
		"conn-rate-window":   cfg.ConnRateWindow,
		"source-rate-window": cfg.SourceRateWindow,
		"dedup-ttl":          cfg.DedupTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if cfg.ConnRateMax < 0 || cfg.SourceRateMax < 0 {
		errs = append(errs, errors.New("rate ceilings must not be negative"))
	}
	if cfg.DedupMaxSize <= 0 {
		errs = append(errs, errors.New("dedup-max-size must be positive"))
	}
	if cfg.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max-message-size must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Dump returns a human readable rendering of the effective configuration.
func (cfg *Config) Dump() string {
	return spew.Sdump(cfg)
}

func envName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// setValue replaces the flag value. Slice flags append on Set once
// changed, so their value is replaced explicitly.
func setValue(f *pflag.Flag, v string) error {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		return sv.Replace(splitList(v))
	}
	return f.Value.Set(v)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// readFile loads a flat YAML mapping of option names to values.
// Lists are joined with commas.
func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrFile, err)
	}
	var raw map[string]any
	if err = yaml.Unmarshal(b, &raw); err != nil {
		return nil, errors.Join(ErrFile, err)
	}
	values := make(map[string]string, len(raw))
	for name, v := range raw {
		switch tv := v.(type) {
		case []any:
			items := make([]string, 0, len(tv))
			for _, item := range tv {
				items = append(items, fmt.Sprint(item))
			}
			values[name] = strings.Join(items, ",")
		case nil:
			values[name] = ""
		default:
			values[name] = fmt.Sprint(tv)
		}
	}
	return values, nil
}
