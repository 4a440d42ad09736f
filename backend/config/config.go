package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/spf13/pflag"
)

var (
	ErrConfig = errors.New("invalid configuration")
)

// Config is read from environment first, command line flags take precedence.
type Config struct {
	Port           int           `env:"PORT,default=8080"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	OpsAddr        string        `env:"OPS_ADDR"`
	SendTimeout    time.Duration `env:"SEND_TIMEOUT,default=1s"`
	SendBuffer     int           `env:"SEND_BUFFER,default=256"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE,default=65536"`
}

func Load(environ []string, args []string) (*Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return nil, errors.Join(ErrConfig, err)
	}
	var cfg Config
	if err = env.Unmarshal(es, &cfg); err != nil {
		return nil, errors.Join(ErrConfig, err)
	}

	fs := pflag.NewFlagSet("chat-relay", pflag.ContinueOnError)
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "websocket listen port")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVarP(&cfg.OpsAddr, "ops-addr", "o", cfg.OpsAddr, "health and metrics listen address, disabled if empty")
	if err = fs.Parse(args); err != nil {
		return nil, errors.Join(ErrConfig, err)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d is out of range", ErrConfig, cfg.Port)
	}
	if cfg.SendTimeout <= 0 {
		return nil, fmt.Errorf("%w: send timeout must be positive", ErrConfig)
	}
	return &cfg, nil
}

func (cfg *Config) ListenAddr() string {
	return ":" + strconv.Itoa(cfg.Port)
}
