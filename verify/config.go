package verify

import "time"

// Config tunes the three schedulers. Zero values fall back to the defaults
// below, which mirror production settings.
type Config struct {
	// PollInterval spaces initial-verification polls.
	PollInterval time.Duration
	// VerifyDeadline bounds initial verification, measured from the first
	// poll. Past it the agreement fails verification.
	VerifyDeadline time.Duration
	// RequiredMatches is how many consecutive matching polls promote the
	// agreement to LIVE.
	RequiredMatches int
	// MaxImageDistance is the largest fingerprint Hamming distance still
	// counted as a match.
	MaxImageDistance int
	// ChecksPerDay sets the keep-alive cadence.
	ChecksPerDay int
	// MaxJitter bounds the random offset added to each keep-alive fire
	// time so checks don't burst against the profile host.
	MaxJitter time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     60 * time.Second,
		VerifyDeadline:   30 * time.Minute,
		RequiredMatches:  2,
		MaxImageDistance: 10,
		ChecksPerDay:     7,
		MaxJitter:        10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.VerifyDeadline <= 0 {
		c.VerifyDeadline = def.VerifyDeadline
	}
	if c.RequiredMatches <= 0 {
		c.RequiredMatches = def.RequiredMatches
	}
	if c.MaxImageDistance <= 0 {
		c.MaxImageDistance = def.MaxImageDistance
	}
	if c.ChecksPerDay <= 0 {
		c.ChecksPerDay = def.ChecksPerDay
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = def.MaxJitter
	}
	return c
}
