package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultRetryInterval = 2 * time.Second
	responsiveTimeout    = 10 * time.Second
)

// SSHConfig holds the parameters of an SSH session
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
	// DialTimeout bounds a single dial attempt
	DialTimeout time.Duration
	// Resolve, when set, overrides Host on every dial. Public addresses of
	// cloud instances change across stop and start.
	Resolve func() string
}

// SSHSession implements Session over golang.org/x/crypto/ssh
type SSHSession struct {
	cfg           SSHConfig
	clientCfg     *ssh.ClientConfig
	log           *slog.Logger
	retryInterval time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHSession creates an unconnected session; call Connect before use.
func NewSSHSession(cfg SSHConfig, logger *slog.Logger) (*SSHSession, error) {
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	return &SSHSession{
		cfg: cfg,
		clientCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // instances are fresh on every run
			Timeout:         cfg.DialTimeout,
		},
		log:           logger.With("host", cfg.Host),
		retryInterval: defaultRetryInterval,
	}, nil
}

// NewSSHSessionFromKeyFile reads the private key at keyPath into cfg and creates a session
func NewSSHSessionFromKeyFile(cfg SSHConfig, keyPath string, logger *slog.Logger) (*SSHSession, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	cfg.PrivateKey = key
	return NewSSHSession(cfg, logger)
}

func (s *SSHSession) addr() string {
	host := s.cfg.Host
	if s.cfg.Resolve != nil {
		if h := s.cfg.Resolve(); h != "" {
			host = h
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
}

// Connect polls until SSH is available or timeout expires
func (s *SSHSession) Connect(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		client, err := s.dial(ctx)
		if err == nil {
			s.mu.Lock()
			old := s.client
			s.client = client
			s.mu.Unlock()
			if old != nil {
				_ = old.Close()
			}
			s.log.Debug("ssh connected", "addr", s.addr())
			return nil
		}
		lastErr = err
		s.log.Debug("ssh dial failed", "addr", s.addr(), "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("ssh timeout after %v: %w", timeout, lastErr)
		case <-time.After(s.retryInterval):
		}
	}
}

func (s *SSHSession) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr(), s.clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", s.addr(), err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SSHSession) currentClient() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// CmdStatusOutput executes cmd and returns its exit status and combined output
func (s *SSHSession) CmdStatusOutput(ctx context.Context, cmd string, timeout time.Duration) (int, string, error) {
	client, err := s.currentClient()
	if err != nil {
		return -1, "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, "", fmt.Errorf("new session: %w", err)
	}
	defer func() { _ = session.Close() }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(cmd)
		done <- result{output, err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return -1, "", fmt.Errorf("run %q: %w after %v", cmd, ErrTimeout, timeout)
	case r := <-done:
		return exitStatus(cmd, string(r.output), r.err)
	}
}

// exitStatus separates a command that ran and failed from a broken transport
func exitStatus(cmd, output string, err error) (int, string, error) {
	if err == nil {
		return 0, output, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), output, nil
	}

	return -1, output, fmt.Errorf("run %q: %w", cmd, err)
}

// IsResponsive reports whether the guest still answers commands
func (s *SSHSession) IsResponsive(ctx context.Context) bool {
	status, _, err := s.CmdStatusOutput(ctx, "true", responsiveTimeout)
	return err == nil && status == 0
}

// WriteFile writes data to path on the guest using SFTP
func (s *SSHSession) WriteFile(path string, data []byte, mode os.FileMode) error {
	client, err := s.currentClient()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	defer func() { _ = sftpClient.Close() }()

	f, err := sftpClient.Create(path)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	if err := sftpClient.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}

	return nil
}

// Close drops the underlying SSH client
func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
