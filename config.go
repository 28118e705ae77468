package goneo

import (
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollingLimit = 20000
	DefaultSendTimeout  = 250 * time.Millisecond
	DefaultOpenAttempts = 3
)

type Config struct {
	Debug        bool
	Port         string // serial port or network interface, empty means discover
	PortBaudrate int
	OpenAttempts uint
	SendTimeout  time.Duration
	PollingLimit int
	EventLimit   int
	OnMessage    func(string)
	Extra        map[string]string // driver specific settings, keys are prefixed with the driver name
}

// NewConfig returns a Config with defaults applied.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (cfg *Config) setDefaults() {
	if cfg.PortBaudrate == 0 {
		cfg.PortBaudrate = 115200
	}
	if cfg.OpenAttempts == 0 {
		cfg.OpenAttempts = DefaultOpenAttempts
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.PollingLimit <= 0 {
		cfg.PollingLimit = DefaultPollingLimit
	}
	if cfg.EventLimit <= 1 {
		cfg.EventLimit = DefaultEventLimit
	}
	if cfg.Extra == nil {
		cfg.Extra = make(map[string]string)
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) {
			_, file, no, ok := runtime.Caller(1)
			if ok {
				log.Info().Str("caller", filepath.Base(file)+":"+strconv.Itoa(no)).Msg(msg)
			} else {
				log.Info().Msg(msg)
			}
		}
	}
}

func (cfg *Config) logLevel() zerolog.Level {
	if cfg.Debug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

func (cfg *Config) extraString(key, def string) string {
	if v, ok := cfg.Extra[key]; ok && v != "" {
		return v
	}
	return def
}

func (cfg *Config) extraInt(key string, def int) int {
	if v, ok := cfg.Extra[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (cfg *Config) extraDuration(key string, def time.Duration) time.Duration {
	if v, ok := cfg.Extra[key]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func (cfg *Config) clone() *Config {
	c := *cfg
	c.Extra = make(map[string]string, len(cfg.Extra))
	for k, v := range cfg.Extra {
		c.Extra[k] = v
	}
	return &c
}
