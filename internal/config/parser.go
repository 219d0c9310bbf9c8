// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yatb/yatb/internal/models"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// rawProfile mirrors the YAML profile shape before validation.
type rawProfile struct {
	ID              string      `mapstructure:"id"`
	Kind            string      `mapstructure:"kind"`
	Enabled         *bool       `mapstructure:"enabled"`
	SourcePath      string      `mapstructure:"source_path"`
	DestPath        string      `mapstructure:"dest_path"`
	ExcludePatterns []string    `mapstructure:"exclude_patterns"`
	SSH             *rawSSH     `mapstructure:"ssh"`
	Schedule        rawSchedule `mapstructure:"schedule"`
	Retention       rawRetain   `mapstructure:"retention"`
	Verify          *bool       `mapstructure:"verify"`
}

type rawSSH struct {
	Host           string          `mapstructure:"host"`
	Port           int             `mapstructure:"port"`
	Username       string          `mapstructure:"username"`
	KeyPath        string          `mapstructure:"key_path"`
	Sudo           bool            `mapstructure:"sudo"`
	SudoPassword   string          `mapstructure:"sudo_password"`
	RemotePaths    []string        `mapstructure:"remote_paths"`
	LandingDir     string          `mapstructure:"landing_dir"`
	Compression    string          `mapstructure:"compression"`
	ConnectTimeout time.Duration   `mapstructure:"connect_timeout"`
	PreCommands    []rawPreCommand `mapstructure:"pre_commands"`
	WOL            *rawWOL         `mapstructure:"wol"`
}

type rawPreCommand struct {
	Command string        `mapstructure:"command"`
	Sudo    bool          `mapstructure:"sudo"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type rawWOL struct {
	MACAddress    string        `mapstructure:"mac_address"`
	BroadcastIP   string        `mapstructure:"broadcast_ip"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StabilizeWait time.Duration `mapstructure:"stabilize_wait"`
}

type rawSchedule struct {
	Enabled bool   `mapstructure:"enabled"`
	Time    string `mapstructure:"time"`
}

type rawRetain struct {
	KeepLast int           `mapstructure:"keep_last"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{
		StateDir: p.expandEnv(p.v.GetString("state_dir")),
		Listen:   p.v.GetString("listen"),
		Scheduler: models.SchedulerConfig{
			Interval: p.v.GetDuration("scheduler.interval"),
		},
	}

	if cfg.StateDir == "" {
		cfg.StateDir = "data"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8344"
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = 30 * time.Second
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	var raws []rawProfile
	if err := p.v.UnmarshalKey("profiles", &raws); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("at least one profile is required")
	}

	seen := make(map[string]bool, len(raws))
	for i := range raws {
		profile, err := p.parseProfile(&raws[i])
		if err != nil {
			return nil, err
		}
		if seen[profile.ID] {
			return nil, fmt.Errorf("profile %q: duplicate id", profile.ID)
		}
		seen[profile.ID] = true
		cfg.Profiles = append(cfg.Profiles, *profile)
	}

	return cfg, nil
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parseProfile(raw *rawProfile) (*models.Profile, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("profile id is required")
	}

	profile := &models.Profile{
		ID:              raw.ID,
		Kind:            models.ProfileKind(raw.Kind),
		Enabled:         true,
		SourcePath:      p.expandEnv(raw.SourcePath),
		DestPath:        p.expandEnv(raw.DestPath),
		ExcludePatterns: raw.ExcludePatterns,
		Schedule: models.Schedule{
			Enabled: raw.Schedule.Enabled,
			Time:    raw.Schedule.Time,
		},
		Retention: models.RetentionPolicy{
			KeepLast: raw.Retention.KeepLast,
			MaxAge:   raw.Retention.MaxAge,
		},
		Verify: true,
	}
	if raw.Enabled != nil {
		profile.Enabled = *raw.Enabled
	}
	if raw.Verify != nil {
		profile.Verify = *raw.Verify
	}

	// A profile has exactly one kind; kind-specific fields are mutually
	// exclusive in validity.
	switch profile.Kind {
	case models.KindLocal:
		if raw.SSH != nil {
			return nil, fmt.Errorf("profile %q: ssh is not allowed for kind local", raw.ID)
		}
		if profile.SourcePath == "" {
			return nil, fmt.Errorf("profile %q: source_path is required", raw.ID)
		}
		if profile.DestPath == "" {
			return nil, fmt.Errorf("profile %q: dest_path is required", raw.ID)
		}
	case models.KindSSH:
		if raw.SourcePath != "" || raw.DestPath != "" {
			return nil, fmt.Errorf("profile %q: source_path/dest_path are not allowed for kind ssh", raw.ID)
		}
		if raw.SSH == nil {
			return nil, fmt.Errorf("profile %q: ssh is required for kind ssh", raw.ID)
		}
		server, err := p.parseSSH(raw.ID, raw.SSH)
		if err != nil {
			return nil, err
		}
		profile.SSH = server
	default:
		return nil, fmt.Errorf("profile %q: kind must be one of: local, ssh", raw.ID)
	}

	if profile.Schedule.Enabled {
		parsed, err := time.Parse("15:04", profile.Schedule.Time)
		if err != nil {
			return nil, fmt.Errorf("profile %q: schedule.time must be HH:MM", raw.ID)
		}
		// Zero-pad so the scheduler's string comparison against
		// now.Format("15:04") works for times like "2:00".
		profile.Schedule.Time = parsed.Format("15:04")
	}

	if profile.Retention.KeepLast > 0 && profile.Retention.MaxAge > 0 {
		return nil, fmt.Errorf("profile %q: retention.keep_last and retention.max_age are mutually exclusive", raw.ID)
	}
	if profile.Retention.KeepLast < 0 || profile.Retention.MaxAge < 0 {
		return nil, fmt.Errorf("profile %q: retention values must not be negative", raw.ID)
	}

	return profile, nil
}

func (p *Parser) parseSSH(profileID string, raw *rawSSH) (*models.SSHServerConfig, error) {
	server := &models.SSHServerConfig{
		Host:           raw.Host,
		Port:           raw.Port,
		Username:       raw.Username,
		KeyPath:        p.expandEnv(raw.KeyPath),
		Sudo:           raw.Sudo,
		SudoPassword:   p.expandEnv(raw.SudoPassword),
		RemotePaths:    raw.RemotePaths,
		LandingDir:     p.expandEnv(raw.LandingDir),
		Compression:    models.CompressionMode(raw.Compression),
		ConnectTimeout: raw.ConnectTimeout,
	}

	if server.Host == "" {
		return nil, fmt.Errorf("profile %q: ssh.host is required", profileID)
	}
	if server.Port == 0 {
		server.Port = 22
	}
	if server.Username == "" {
		return nil, fmt.Errorf("profile %q: ssh.username is required", profileID)
	}
	if server.KeyPath == "" {
		return nil, fmt.Errorf("profile %q: ssh.key_path is required", profileID)
	}
	if len(server.RemotePaths) == 0 {
		return nil, fmt.Errorf("profile %q: ssh.remote_paths is required", profileID)
	}
	if server.LandingDir == "" {
		return nil, fmt.Errorf("profile %q: ssh.landing_dir is required", profileID)
	}
	if server.Compression == "" {
		server.Compression = models.CompressionZstd
	}
	if server.Compression != models.CompressionZstd && server.Compression != models.CompressionNone {
		return nil, fmt.Errorf("profile %q: ssh.compression must be one of: zstd, none", profileID)
	}
	if server.ConnectTimeout == 0 {
		server.ConnectTimeout = 30 * time.Second
	}

	for _, cmd := range raw.PreCommands {
		if strings.TrimSpace(cmd.Command) == "" {
			return nil, fmt.Errorf("profile %q: pre command must not be empty", profileID)
		}
		timeout := cmd.Timeout
		if timeout == 0 {
			timeout = time.Hour
		}
		server.PreCommands = append(server.PreCommands, models.PreCommand{
			Command: strings.TrimSpace(cmd.Command),
			Sudo:    cmd.Sudo,
			Timeout: timeout,
		})
	}

	if raw.WOL != nil {
		wol := &models.WOLConfig{
			MACAddress:    raw.WOL.MACAddress,
			BroadcastIP:   raw.WOL.BroadcastIP,
			Timeout:       raw.WOL.Timeout,
			PollInterval:  raw.WOL.PollInterval,
			StabilizeWait: raw.WOL.StabilizeWait,
		}
		if wol.MACAddress == "" {
			return nil, fmt.Errorf("profile %q: wol.mac_address is required when wol is configured", profileID)
		}
		if wol.BroadcastIP == "" {
			wol.BroadcastIP = "255.255.255.255"
		}
		if wol.Timeout == 0 {
			wol.Timeout = 5 * time.Minute
		}
		if wol.PollInterval == 0 {
			wol.PollInterval = 10 * time.Second
		}
		if wol.StabilizeWait == 0 {
			wol.StabilizeWait = 10 * time.Second
		}
		wol.PollAddr = fmt.Sprintf("%s:%d", server.Host, server.Port)
		server.WOL = wol
	}

	return server, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on a loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if len(cfg.Profiles) == 0 {
		return fmt.Errorf("at least one profile is required")
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}
