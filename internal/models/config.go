package models

import "time"

// Config holds the complete yatb configuration.
type Config struct {
	StateDir  string
	Listen    string // API listen address, e.g. ":8344"
	Scheduler SchedulerConfig
	Profiles  []Profile
	Telegram  *TelegramConfig // nil if not configured
}

// SchedulerConfig holds the background scheduler settings.
type SchedulerConfig struct {
	Interval time.Duration // tick interval between due-profile checks
}

// FindProfile returns the profile with the given id, or nil.
func (c *Config) FindProfile(id string) *Profile {
	for i := range c.Profiles {
		if c.Profiles[i].ID == id {
			return &c.Profiles[i]
		}
	}
	return nil
}
