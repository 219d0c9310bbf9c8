package models

import "time"

// WOLConfig holds Wake-on-LAN configuration for an SSH target.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	PollAddr      string        // "host:port" dialed until the target answers; empty skips polling
	Timeout       time.Duration // max time to wait for the target
	PollInterval  time.Duration // how often to retry the dial
	StabilizeWait time.Duration // wait after the target answers
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
