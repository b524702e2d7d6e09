package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config captures process configuration so main stays lean.
type Config struct {
	Addr        string
	PostgresURL string
	RedisURL    string
	KafkaSeeds  []string
	JWTSecret   string
	Pilot       Pilot
}

// Pilot scopes the soft-enforcement settlement gate. Gating only ever applies
// when Enabled is true, the trigger matches, and the tenant is allow-listed.
type Pilot struct {
	Enabled        bool     `env:"SOFT_ENFORCEMENT_ENABLED" envDefault:"false"`
	Trigger        string   `env:"SOFT_ENFORCEMENT_TRIGGER" envDefault:"PAYOUT_READY"`
	AllowedTenants []string `env:"SOFT_ENFORCEMENT_TENANTS" envSeparator:","`
}

// TenantAllowed reports membership in the pilot allow-list.
func (p Pilot) TenantAllowed(tenantID string) bool {
	for _, t := range p.AllowedTenants {
		if strings.TrimSpace(t) == tenantID {
			return true
		}
	}
	return false
}

// FromEnv builds the full configuration from environment variables.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:        getenv("FREIGHTGATE_ADDR", ":8080"),
		PostgresURL: os.Getenv("POSTGRES_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   getenv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
	}
	if seeds := os.Getenv("KAFKA_SEEDS"); seeds != "" {
		cfg.KafkaSeeds = strings.Split(seeds, ",")
	}
	if err := env.Parse(&cfg.Pilot); err != nil {
		return Config{}, fmt.Errorf("parse pilot config: %w", err)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
