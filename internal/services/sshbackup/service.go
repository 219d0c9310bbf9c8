// Package sshbackup transfers remote paths from an SSH server to a
// local landing directory, running configured pre-commands first.
package sshbackup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
	"github.com/yatb/yatb/internal/services/verify"
	"github.com/yatb/yatb/internal/services/wol"
	"golang.org/x/crypto/ssh"
)

// Service defines the interface for SSH backup execution.
type Service interface {
	Execute(ctx context.Context, profile models.Profile, timestamp string) (*models.TransferResult, error)
}

// Client wraps ssh.Client for mocking.
type Client interface {
	NewSession() (Session, error)
	NewFileTransfer() (FileTransfer, error)
	Close() error
}

// Session wraps ssh.Session for mocking.
type Session interface {
	SetStdin(r io.Reader)
	StdoutPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// FileTransfer wraps the SFTP sub-protocol client for mocking.
type FileTransfer interface {
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (Client, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (Client, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultClient{client: client}, nil
}

type defaultClient struct {
	client *ssh.Client
}

func (c *defaultClient) NewSession() (Session, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSession{session: session}, nil
}

func (c *defaultClient) NewFileTransfer() (FileTransfer, error) {
	ftc, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return &defaultFileTransfer{client: ftc}, nil
}

func (c *defaultClient) Close() error {
	return c.client.Close()
}

type defaultSession struct {
	session *ssh.Session
}

func (s *defaultSession) SetStdin(r io.Reader)            { s.session.Stdin = r }
func (s *defaultSession) StdoutPipe() (io.Reader, error)  { return s.session.StdoutPipe() }
func (s *defaultSession) Start(cmd string) error          { return s.session.Start(cmd) }
func (s *defaultSession) Wait() error                     { return s.session.Wait() }
func (s *defaultSession) Close() error                    { return s.session.Close() }
func (s *defaultSession) CombinedOutput(cmd string) ([]byte, error) {
	return s.session.CombinedOutput(cmd)
}

type defaultFileTransfer struct {
	client *sftp.Client
}

func (t *defaultFileTransfer) Stat(p string) (os.FileInfo, error)      { return t.client.Stat(p) }
func (t *defaultFileTransfer) ReadDir(p string) ([]os.FileInfo, error) { return t.client.ReadDir(p) }
func (t *defaultFileTransfer) Close() error                            { return t.client.Close() }
func (t *defaultFileTransfer) Open(p string) (io.ReadCloser, error) {
	return t.client.Open(p)
}

// Impl implements the SSH backup Service interface.
type Impl struct {
	clientFactory ClientFactory
	wolSvc        wol.Service
	logger        zerolog.Logger
}

// New creates a new SSH backup service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		wolSvc:        wol.New(logger),
		logger:        logger,
	}
}

// NewWithClients creates a new SSH backup service with custom
// dependencies (for testing).
func NewWithClients(logger zerolog.Logger, factory ClientFactory, wolSvc wol.Service) *Impl {
	return &Impl{
		clientFactory: factory,
		wolSvc:        wolSvc,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(server *models.SSHServerConfig) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	if len(server.PrivateKey) > 0 {
		key = server.PrivateKey
	} else if server.KeyPath != "" {
		key, err = os.ReadFile(server.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", server.KeyPath, err)
		}
	} else {
		return nil, fmt.Errorf("no private key provided")
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User: server.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // backup targets are trusted hosts
		Timeout:         server.ConnectTimeout,
	}, nil
}

// Execute runs one SSH backup: wake the target if configured, run
// pre-commands in declared order, then transfer each remote path into
// the profile's landing directory.
func (s *Impl) Execute(ctx context.Context, profile models.Profile, timestamp string) (*models.TransferResult, error) {
	result := &models.TransferResult{}

	server := profile.SSH
	if server == nil {
		return result, models.NewRunError(models.ErrConfiguration, profile.ID, fmt.Errorf("profile has no ssh configuration"))
	}

	if server.WOL != nil {
		if err := s.wakeTarget(ctx, server.WOL); err != nil {
			return result, err
		}
	}

	sshConfig, err := s.buildConfig(server)
	if err != nil {
		return result, models.NewRunError(models.ErrConfiguration, server.Host, err)
	}

	addr := net.JoinHostPort(server.Host, fmt.Sprintf("%d", server.Port))

	s.logger.Info().
		Str("profile", profile.ID).
		Str("addr", addr).
		Str("user", server.Username).
		Msg("connecting to backup target")

	client, err := s.connect(ctx, addr, sshConfig)
	if err != nil {
		return result, models.NewRunError(models.ErrConnection, addr, err)
	}
	defer func() { _ = client.Close() }()

	// Pre-commands run in declared order; the first failure aborts the
	// run before any transfer begins.
	for _, cmd := range server.PreCommands {
		output, cmdErr := s.runPreCommand(client, cmd, server.SudoPassword)
		if output != "" {
			result.Log = append(result.Log, fmt.Sprintf("pre-command %q: %s", cmd.Command, strings.TrimSpace(output)))
		}
		if cmdErr != nil {
			return result, cmdErr
		}
	}

	destDir := filepath.Join(server.ProfileLandingDir(profile.ID), timestamp)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return result, models.NewRunError(models.ErrTransfer, destDir, fmt.Errorf("creating landing directory: %w", err))
	}
	result.ArtifactDir = destDir

	for _, remotePath := range server.RemotePaths {
		if server.Compression == models.CompressionZstd {
			if err := s.downloadArchive(ctx, client, server, profile.ExcludePatterns, remotePath, destDir, timestamp, result); err != nil {
				return result, err
			}
		} else {
			if err := s.downloadPath(ctx, client, server, profile.ExcludePatterns, remotePath, destDir, result); err != nil {
				return result, err
			}
		}
	}

	s.logger.Info().
		Str("profile", profile.ID).
		Int("files", result.FilesCopied).
		Int64("bytes", result.BytesTransferred).
		Str("dest", destDir).
		Msg("ssh backup finished")

	return result, nil
}

func (s *Impl) wakeTarget(ctx context.Context, cfg *models.WOLConfig) error {
	wolResult, err := s.wolSvc.Wake(ctx, *cfg)
	if err != nil {
		return models.NewRunError(models.ErrConnection, cfg.PollAddr, fmt.Errorf("WOL failed: %w", err))
	}
	if wolResult.Error != nil {
		return models.NewRunError(models.ErrConnection, cfg.PollAddr, fmt.Errorf("WOL failed: %w", wolResult.Error))
	}
	if !wolResult.TargetReady {
		return models.NewRunError(models.ErrConnection, cfg.PollAddr, fmt.Errorf("target did not become ready after WOL"))
	}
	return nil
}

// connect dials under the caller's context; a canceled context abandons
// the in-flight dial.
func (s *Impl) connect(ctx context.Context, addr string, config *ssh.ClientConfig) (Client, error) {
	clientChan := make(chan struct {
		client Client
		err    error
	}, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, config)
		clientChan <- struct {
			client Client
			err    error
		}{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect: %w", res.err)
		}
		return res.client, nil
	}
}

// runPreCommand executes one pre-command under its own timeout.
// Exceeding the timeout closes the session, killing the remote process.
func (s *Impl) runPreCommand(client Client, cmd models.PreCommand, sudoPassword string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", models.NewRunError(models.ErrConnection, cmd.Command, fmt.Errorf("failed to create session: %w", err))
	}
	defer func() { _ = session.Close() }()

	shellCmd := cmd.Command
	if cmd.Sudo {
		quoted := strings.ReplaceAll(cmd.Command, `"`, `\"`)
		if sudoPassword != "" {
			shellCmd = fmt.Sprintf(`sudo -S -p '' sh -c "%s"`, quoted)
			session.SetStdin(strings.NewReader(sudoPassword + "\n"))
		} else {
			shellCmd = fmt.Sprintf(`sudo -n sh -c "%s"`, quoted)
		}
	}

	s.logger.Info().
		Str("command", cmd.Command).
		Bool("sudo", cmd.Sudo).
		Dur("timeout", cmd.Timeout).
		Msg("running pre-command")

	type outcome struct {
		output []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, runErr := session.CombinedOutput(shellCmd)
		done <- outcome{output, runErr}
	}()

	timer := time.NewTimer(cmd.Timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		_ = session.Close()
		return "", models.NewRunError(models.ErrCommand, cmd.Command,
			fmt.Errorf("timed out after %s", cmd.Timeout))
	case o := <-done:
		if o.err != nil {
			return string(o.output), models.NewRunError(models.ErrCommand, cmd.Command,
				fmt.Errorf("%w: %s", o.err, strings.TrimSpace(string(o.output))))
		}
		return string(o.output), nil
	}
}

// downloadArchive streams a remote tar of remotePath through a local
// zstd writer. The artifact hash and size are measured in-stream so the
// verifier can re-read the file against fresh reference values.
func (s *Impl) downloadArchive(
	ctx context.Context,
	client Client,
	server *models.SSHServerConfig,
	excludes []string,
	remotePath, destDir, timestamp string,
	result *models.TransferResult,
) error {
	session, err := client.NewSession()
	if err != nil {
		return models.NewRunError(models.ErrConnection, remotePath, fmt.Errorf("failed to create session: %w", err))
	}
	defer func() { _ = session.Close() }()

	parent := path.Dir(strings.TrimSuffix(remotePath, "/"))
	base := path.Base(strings.TrimSuffix(remotePath, "/"))
	if base == "" || base == "/" {
		base = "root"
	}

	var excludeArgs strings.Builder
	for _, pattern := range excludes {
		fmt.Fprintf(&excludeArgs, "--exclude=%s ", shellQuote(pattern))
	}

	tarCmd := fmt.Sprintf("tar -cf - -C %s %s%s", shellQuote(parent), excludeArgs.String(), shellQuote(base))
	if server.Sudo {
		if server.SudoPassword != "" {
			tarCmd = fmt.Sprintf(`sudo -S -p '' sh -c "%s"`, strings.ReplaceAll(tarCmd, `"`, `\"`))
			session.SetStdin(strings.NewReader(server.SudoPassword + "\n"))
		} else {
			tarCmd = "sudo -n " + tarCmd
		}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		return models.NewRunError(models.ErrTransfer, remotePath, fmt.Errorf("opening stdout pipe: %w", err))
	}

	localName := fmt.Sprintf("%s_%s.tar.zst", base, timestamp)
	localPath := filepath.Join(destDir, localName)

	s.logger.Info().
		Str("remote", remotePath).
		Str("artifact", localPath).
		Msg("streaming remote archive")

	if err := session.Start(tarCmd); err != nil {
		return models.NewRunError(models.ErrTransfer, remotePath, fmt.Errorf("starting remote tar: %w", err))
	}

	// A canceled context closes the session, which tears down the
	// stream and unblocks the copy below.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-watchDone:
		}
	}()

	file, err := os.Create(localPath)
	if err != nil {
		return models.NewRunError(models.ErrTransfer, localPath, fmt.Errorf("creating artifact: %w", err))
	}

	counter := &measuringWriter{w: file, hash: sha256.New()}
	zw, err := zstd.NewWriter(counter)
	if err != nil {
		_ = file.Close()
		return models.NewRunError(models.ErrTransfer, localPath, fmt.Errorf("creating zstd writer: %w", err))
	}

	transferred, copyErr := io.Copy(zw, stdout)
	closeErr := zw.Close()
	fileErr := file.Close()
	waitErr := session.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.NewRunError(models.ErrTransfer, remotePath, ctxErr)
	}
	for _, e := range []error{copyErr, closeErr, fileErr} {
		if e != nil {
			return models.NewRunError(models.ErrTransfer, remotePath, e)
		}
	}
	if waitErr != nil {
		return models.NewRunError(models.ErrTransfer, remotePath, fmt.Errorf("remote tar failed: %w", waitErr))
	}

	result.BytesTransferred += transferred
	result.FilesCopied++
	result.Artifacts = append(result.Artifacts, models.Artifact{
		Path:   localPath,
		Size:   counter.n,
		SHA256: hex.EncodeToString(counter.hash.Sum(nil)),
	})
	return nil
}

// downloadPath mirrors a remote file or directory over SFTP.
func (s *Impl) downloadPath(
	ctx context.Context,
	client Client,
	server *models.SSHServerConfig,
	excludes []string,
	remotePath, destDir string,
	result *models.TransferResult,
) error {
	ft, err := client.NewFileTransfer()
	if err != nil {
		return models.NewRunError(models.ErrConnection, remotePath, fmt.Errorf("opening sftp: %w", err))
	}
	defer func() { _ = ft.Close() }()

	info, err := ft.Stat(remotePath)
	if err != nil {
		return models.NewRunError(models.ErrTransfer, remotePath, fmt.Errorf("remote path not accessible: %w", err))
	}

	base := path.Base(strings.TrimSuffix(remotePath, "/"))
	if base == "" || base == "/" {
		base = "root"
	}
	localRoot := filepath.Join(destDir, base)

	if info.IsDir() {
		return s.downloadDirectory(ctx, ft, excludes, remotePath, localRoot, result)
	}
	return s.downloadFile(ft, remotePath, localRoot, result)
}

func (s *Impl) downloadDirectory(
	ctx context.Context,
	ft FileTransfer,
	excludes []string,
	remoteDir, localDir string,
	result *models.TransferResult,
) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return models.NewRunError(models.ErrTransfer, localDir, err)
	}

	items, err := ft.ReadDir(remoteDir)
	if err != nil {
		return models.NewRunError(models.ErrTransfer, remoteDir, fmt.Errorf("listing remote directory: %w", err))
	}

	for _, item := range items {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.NewRunError(models.ErrTransfer, remoteDir, ctxErr)
		}

		remoteItem := path.Join(remoteDir, item.Name())
		localItem := filepath.Join(localDir, item.Name())
		if verify.Excluded(item.Name(), excludes) {
			result.FilesSkipped++
			continue
		}
		if item.IsDir() {
			if err := s.downloadDirectory(ctx, ft, excludes, remoteItem, localItem, result); err != nil {
				return err
			}
			continue
		}
		if err := s.downloadFile(ft, remoteItem, localItem, result); err != nil {
			return err
		}
	}
	return nil
}

func (s *Impl) downloadFile(ft FileTransfer, remotePath, localPath string, result *models.TransferResult) error {
	src, err := ft.Open(remotePath)
	if err != nil {
		return models.NewRunError(models.ErrTransfer, remotePath, fmt.Errorf("opening remote file: %w", err))
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return models.NewRunError(models.ErrTransfer, localPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".tmp-*")
	if err != nil {
		return models.NewRunError(models.ErrTransfer, localPath, err)
	}
	tmpName := tmp.Name()

	counter := &measuringWriter{w: tmp, hash: sha256.New()}
	_, copyErr := io.Copy(counter, src)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if copyErr == nil {
			copyErr = closeErr
		}
		return models.NewRunError(models.ErrTransfer, remotePath, copyErr)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		_ = os.Remove(tmpName)
		return models.NewRunError(models.ErrTransfer, localPath, err)
	}

	result.BytesTransferred += counter.n
	result.FilesCopied++
	result.Artifacts = append(result.Artifacts, models.Artifact{
		Path:   localPath,
		Size:   counter.n,
		SHA256: hex.EncodeToString(counter.hash.Sum(nil)),
	})
	return nil
}

// shellQuote single-quotes s for the remote shell, escaping any
// embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// measuringWriter counts and hashes everything written through it.
type measuringWriter struct {
	w    io.Writer
	hash hash.Hash
	n    int64
}

func (m *measuringWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	if n > 0 {
		m.n += int64(n)
		_, _ = m.hash.Write(p[:n])
	}
	return n, err
}
