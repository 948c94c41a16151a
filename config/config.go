/*
config.go - Environment-driven configuration

PURPOSE:
  Loads server configuration from environment variables, with an
  optional .env file for local development. All values have working
  defaults so the server boots with no configuration at all.

VARIABLES:
  HTTP_ADDR        Listen address (default ":8080")
  DB_PATH          SQLite path, ":memory:" for in-memory (default "booking.db")
  CORS_ORIGINS     Allowed CORS origins (default "*")
  SWEEP_INTERVAL   Charge sweep interval (default "1m")
  SWEEP_ENABLED    Whether the charge sweeper runs (default "true")
  LOG_LEVEL        zerolog level: debug, info, warn, error (default "info")

SEE ALSO:
  - cmd/server/main.go: Startup wiring
*/
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type App struct {
	// Network
	HTTPAddr    string   `envconfig:"HTTP_ADDR" default:":8080"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
	// Storage
	DBPath string `envconfig:"DB_PATH" default:"booking.db"`
	// Sweeper
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepEnabled  bool          `envconfig:"SWEEP_ENABLED" default:"true"`
	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present; a missing file is
// not an error.
func Load() (App, error) {
	_ = godotenv.Load()

	var c App
	err := envconfig.Process("", &c)
	return c, err
}
