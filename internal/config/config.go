package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"

	"github.com/sgmi/padaria-floor/internal/domain"
)

type Config struct {
	APIBaseURL         string  `env:"API_BASE_URL,default=http://localhost:4000/api"`
	WebsocketURL       string  `env:"WEBSOCKET_URL,default=ws://localhost:4000/ws"`
	OperatorEmail      string  `env:"OPERATOR_EMAIL,required=true"`
	OperatorPassword   string  `env:"OPERATOR_PASSWORD,required=true"`
	SnapshotPath       string  `env:"SNAPSHOT_PATH,default=padaria-floor.db"`
	SnapshotRedisURL   string  `env:"SNAPSHOT_REDIS_URL"`
	StatusPort         int     `env:"STATUS_PORT,default=8090"`
	DefaultEstimatedKg float64 `env:"DEFAULT_ESTIMATED_KG,default=50"`
	LogLevel           string  `env:"LOG_LEVEL,default=info"`

	// The production session this station runs. SESSION_DATE defaults to
	// today, in DD-MM-YYYY.
	SessionProduct string `env:"SESSION_PRODUCT,required=true"`
	SessionShift   int    `env:"SESSION_SHIFT,default=1"`
	SessionDate    string `env:"SESSION_DATE"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// UseRedisSnapshots reports whether session snapshots should go to redis
// instead of the local bolt file.
func (c *Config) UseRedisSnapshots() bool {
	return strings.TrimSpace(c.SnapshotRedisURL) != ""
}

// Identity builds the session identity this station tracks, defaulting the
// date to today.
func (c *Config) Identity(now time.Time) (domain.SessionIdentity, error) {
	shift, err := domain.ParseShift(c.SessionShift)
	if err != nil {
		return domain.SessionIdentity{}, err
	}

	date := strings.TrimSpace(c.SessionDate)
	if date == "" {
		date = now.Format("02-01-2006")
	}

	identity := domain.SessionIdentity{
		Product: strings.TrimSpace(c.SessionProduct),
		Shift:   shift,
		Date:    date,
	}
	if err := identity.Validate(); err != nil {
		return domain.SessionIdentity{}, err
	}
	return identity, nil
}
