package config

import "time"

// Default configuration values.
const (
	DefaultAddr            = "127.0.0.1:8787"
	DefaultSessionName     = "leapcompare"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultStateDriver     = "sqlite"
	DefaultStateDSN        = ".leapcompare/compare.db"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultOutput          = "auto" // TTY=text, non-TTY=markdown
	DefaultEchoDelay       = 40 * time.Millisecond
)
