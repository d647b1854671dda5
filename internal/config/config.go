package config

import "time"

type AppConfig struct {
	DataPort    int
	ControlPort int
	WebPort     int

	ScanTables string

	Width  int
	Height int
	FPS    float64
	Loop   bool

	CommandMinInterval time.Duration
	SessionBuffer      int
	WriteTimeout       time.Duration
}

// Normalized fills unset fields with workable defaults.
func (c AppConfig) Normalized() AppConfig {
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.SessionBuffer < 1 {
		c.SessionBuffer = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CommandMinInterval < 0 {
		c.CommandMinInterval = 0
	}
	return c
}
