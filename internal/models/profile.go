// Package models contains the data structures used throughout yatb.
package models

import "time"

// ProfileKind selects the backup variant for a profile.
type ProfileKind string

const (
	// KindLocal copies a local source tree to a local destination.
	KindLocal ProfileKind = "local"
	// KindSSH transfers remote paths from an SSH server to a local landing directory.
	KindSSH ProfileKind = "ssh"
)

// Schedule holds the daily trigger configuration for a profile.
// Time is a local wall-clock "HH:MM" string; no timezone conversion is
// performed (deployment-local time only).
type Schedule struct {
	Enabled bool
	Time    string // "HH:MM", 24h
}

// RetentionPolicy governs how many backup artifacts are kept in a
// profile's destination. Exactly one of KeepLast or MaxAge is expected
// to be set; zero values disable pruning.
type RetentionPolicy struct {
	KeepLast int           // keep the N most recent artifacts
	MaxAge   time.Duration // delete artifacts older than this
}

// Enabled reports whether the policy prunes anything at all.
func (p RetentionPolicy) Enabled() bool {
	return p.KeepLast > 0 || p.MaxAge > 0
}

// Profile is one configured backup job.
type Profile struct {
	ID      string
	Kind    ProfileKind
	Enabled bool

	// Local profiles.
	SourcePath string
	DestPath   string

	// SSH profiles.
	SSH *SSHServerConfig // nil unless Kind == KindSSH

	ExcludePatterns []string
	Schedule        Schedule
	Retention       RetentionPolicy
	Verify          bool
}

// DestinationDir returns the directory holding this profile's
// timestamp-named artifacts.
func (p Profile) DestinationDir() string {
	if p.Kind == KindSSH && p.SSH != nil {
		return p.SSH.ProfileLandingDir(p.ID)
	}
	return p.DestPath
}
