package models

import (
	"path/filepath"
	"time"
)

// PreCommand is a shell command executed on the remote host before the
// transfer begins, e.g. a database dump. Commands run in declared order;
// the first failure or timeout aborts the run.
type PreCommand struct {
	Command string
	Sudo    bool
	Timeout time.Duration
}

// CompressionMode selects how remote paths are transferred.
type CompressionMode string

const (
	// CompressionZstd streams a remote tar archive through a local zstd writer.
	CompressionZstd CompressionMode = "zstd"
	// CompressionNone downloads remote paths file-by-file over SFTP.
	CompressionNone CompressionMode = "none"
)

// SSHServerConfig holds the remote endpoint for an ssh profile.
type SSHServerConfig struct {
	Host         string
	Port         int
	Username     string
	KeyPath      string
	PrivateKey   []byte // loaded from KeyPath if nil
	Sudo         bool   // read remote paths with elevated privileges
	SudoPassword string // optional; without it elevation uses sudo -n

	RemotePaths []string
	LandingDir  string
	Compression CompressionMode
	PreCommands []PreCommand

	ConnectTimeout time.Duration
	WOL            *WOLConfig // nil if the target needs no waking
}

// ProfileLandingDir returns the local directory that receives this
// profile's timestamp-named artifact sets.
func (c SSHServerConfig) ProfileLandingDir(profileID string) string {
	return filepath.Join(c.LandingDir, profileID)
}
