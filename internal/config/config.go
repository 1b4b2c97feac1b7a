package config

import (
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config holds all environment-driven settings for the sheet-sync client.
type Config struct {
	AppName string `env:"APP_NAME" envDefault:"go-sheet-sync"`
	Env     string `env:"ENV" envDefault:"DEV"`

	// OAuth2 provider
	ClientID     string   `env:"OAUTH_CLIENT_ID"`
	ClientSecret string   `env:"OAUTH_CLIENT_SECRET"`
	AuthURL      string   `env:"OAUTH_AUTH_URL" envDefault:"https://accounts.google.com/o/oauth2/v2/auth"`
	TokenURL     string   `env:"OAUTH_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`
	RedirectURI  string   `env:"OAUTH_REDIRECT_URI" envDefault:"http://localhost:8089/oauth/callback"`
	Scopes       []string `env:"OAUTH_SCOPES" envSeparator:" " envDefault:"https://www.googleapis.com/auth/spreadsheets"`

	// Remote tabular store
	SheetsBaseURL string `env:"SHEETS_BASE_URL" envDefault:"https://sheets.googleapis.com/v4/spreadsheets"`
	SpreadsheetID string `env:"SPREADSHEET_ID"`
	SheetName     string `env:"SHEET_NAME" envDefault:"Tasks"`
	APIKey        string `env:"SHEETS_API_KEY"`

	// Credential persistence
	CredentialFile string `env:"CREDENTIAL_FILE" envDefault:"./data/credentials.json"`
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`

	// Local callback server for the demo binary
	CallbackAddr string `env:"CALLBACK_ADDR" envDefault:":8089"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "[config.Load] env.Parse")
	}
	return &cfg, nil
}
