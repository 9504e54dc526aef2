package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"time"
)

// Difficulty selects the captcha modality offered to respondents.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Config is the per-project quality-control configuration handed to the
// pipeline when a session opens. The core never reads globals or environment
// state; everything it needs to make a decision lives here.
type Config struct {
	Difficulty Difficulty

	// Speed-violation thresholds. A zero MinCompletionTime disables the
	// lower bound; MaxCompletionTime also drives the implausibly-fast
	// fallback check (below 20% of the expected maximum).
	MinCompletionTime time.Duration
	MaxCompletionTime time.Duration

	// BlacklistedDomains are matched case-insensitively against the
	// referrer host of incoming sessions.
	BlacklistedDomains []string

	EnableVPNDetection  bool
	EnableTrapQuestions bool
	EnableSpeedChecks   bool
	EnableHoneypot      bool

	// CompletionHost is the monitor's own domain. A frame navigation back
	// to this host with no recognizable outcome pattern defaults to a
	// completed survey.
	CompletionHost string
}

// Default returns the configuration applied when a project has no explicit
// quality-control settings.
func Default() Config {
	return Config{
		Difficulty:          DifficultyEasy,
		MinCompletionTime:   60 * time.Second,
		MaxCompletionTime:   30 * time.Minute,
		EnableVPNDetection:  true,
		EnableTrapQuestions: true,
		EnableSpeedChecks:   true,
		EnableHoneypot:      true,
	}
}

// Server holds the process-level settings for cmd/server. Session-level
// behavior stays in Config; this is only transport and storage wiring.
type Server struct {
	Port      int
	SecretKey string
	RedisURL  string
	SQLiteDSN string
	LogLevel  string
	LogFile   string
}

// ParseFlags builds the server configuration from CLI flags with environment
// fallback. Flags win over environment variables.
func ParseFlags(args []string) (Server, error) {
	var srv Server

	fs := flag.NewFlagSet("surveygate", flag.ContinueOnError)
	fs.IntVar(&srv.Port, "p", 0, "Server port")
	fs.StringVar(&srv.SecretKey, "secret", "", "Token signing secret (prefer env)")
	fs.StringVar(&srv.RedisURL, "redis", "", "Redis URL for the link registry")
	fs.StringVar(&srv.SQLiteDSN, "sqlite", "", "SQLite DSN for the link registry")
	fs.StringVar(&srv.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&srv.LogFile, "log-file", "", "Optional rotated log file path")

	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}

	if srv.Port == 0 {
		if portStr := os.Getenv("PORT"); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return Server{}, errors.New("invalid PORT env variable")
			}
			srv.Port = port
		} else {
			srv.Port = 3000
		}
	}

	if srv.SecretKey == "" {
		srv.SecretKey = os.Getenv("SURVEYGATE_SECRET")
	}
	if srv.SecretKey == "" {
		return Server{}, errors.New("SURVEYGATE_SECRET required")
	}

	if srv.RedisURL == "" {
		srv.RedisURL = os.Getenv("REDIS_URL")
	}
	if srv.SQLiteDSN == "" {
		srv.SQLiteDSN = os.Getenv("SQLITE_DSN")
	}
	if srv.LogLevel == "" {
		srv.LogLevel = os.Getenv("LOG_LEVEL")
		if srv.LogLevel == "" {
			srv.LogLevel = "info"
		}
	}
	if srv.LogFile == "" {
		srv.LogFile = os.Getenv("LOG_FILE")
	}

	return srv, nil
}
