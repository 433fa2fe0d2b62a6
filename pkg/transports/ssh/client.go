package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/prflow/prflow/pkg/engine"
)

// killGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const killGrace = 100 * time.Millisecond

// Client is a reconnecting SSH connection to the sandbox host. Sessions are
// multiplexed over one connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	stopAlive   context.CancelFunc
}

// NewClient creates a client. It does not connect until first use.
func NewClient(cfg *Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: cfg,
		logger: logger.With().Str("component", "ssh").Str("host", cfg.Address()).Logger(),
	}, nil
}

// Connect establishes the connection if it is not already up.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.conn(ctx)
	return err
}

func (c *Client) conn(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	var client *ssh.Client
	if c.config.IsProxyEnabled() {
		client, err = c.dialViaProxy(ctx, clientConfig)
	} else {
		client, err = c.dial(ctx, clientConfig)
	}
	if err != nil {
		return nil, err
	}

	c.client = client
	c.connectedAt = time.Now()
	if c.config.KeepAliveInterval > 0 {
		aliveCtx, cancel := context.WithCancel(context.Background())
		c.stopAlive = cancel
		go c.keepAlive(aliveCtx, client)
	}

	c.logger.Info().Bool("proxy", c.config.IsProxyEnabled()).Msg("SSH connection established")
	return client, nil
}

func (c *Client) dial(ctx context.Context, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	return handshake(netConn, address, clientConfig, c.config.ConnectionTimeout)
}

func (c *Client) dialViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) (*ssh.Client, error) {
	proxyConfig, err := c.config.buildProxyClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}

	proxyAddress := c.config.ProxyAddress()
	c.logger.Debug().Str("proxy", proxyAddress).Msg("Connecting to proxy host")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", proxyAddress)
	if err != nil {
		return nil, &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}
	proxy, err := handshake(netConn, proxyAddress, proxyConfig, c.config.ConnectionTimeout)
	if err != nil {
		return nil, err
	}

	targetAddress := c.config.Address()
	targetConn, err := proxy.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		_ = proxy.Close()
		return nil, &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}
	client, err := handshake(targetConn, targetAddress, targetConfig, c.config.ConnectionTimeout)
	if err != nil {
		_ = proxy.Close()
		return nil, err
	}
	c.proxy = proxy
	return client, nil
}

func handshake(netConn net.Conn, address string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	if timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(timeout))
	}
	conn, chans, reqs, err := ssh.NewClientConn(netConn, address, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, connectError("connect", err)
	}
	_ = netConn.SetDeadline(time.Time{})
	return ssh.NewClient(conn, chans, reqs), nil
}

// drop forgets a connection that failed so the next call reconnects.
func (c *Client) drop(client *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != client {
		return
	}
	c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.stopAlive != nil {
		c.stopAlive()
		c.stopAlive = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	return err
}

// Close closes the connection. The client reconnects on next use.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.closeLocked(); err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the client holds a connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// HealthCheck runs `true` on the remote host.
func (c *Client) HealthCheck(ctx context.Context) error {
	res, err := c.Run(ctx, "true")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("exit code %d", res.ExitCode), IsTemporary: true}
	}
	return nil
}

func (c *Client) keepAlive(ctx context.Context, client *ssh.Client) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			c.logger.Warn().Err(err).Int("failures", failures).Msg("Keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, dropping connection")
				c.drop(client)
				return
			}
			continue
		}
		failures = 0
	}
}

// Run executes cmd and waits for it. A non-zero exit status is reported in
// the result, not as an error. When ctx ends the command is terminated.
func (c *Client) Run(ctx context.Context, cmd string) (engine.ExecResult, error) {
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	client, err := c.conn(ctx)
	if err != nil {
		return engine.ExecResult{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		c.drop(client)
		return engine.ExecResult{}, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(killGrace)
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		runErr = ctx.Err()
	case runErr = <-done:
	}

	res := engine.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(runErr).
		Msg("Command completed")

	if runErr == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if ctx.Err() != nil {
		return res, &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	}
	if errors.Is(runErr, io.EOF) {
		c.drop(client)
	}
	return res, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
}

func (c *Client) withSFTP(ctx context.Context, op string, fn func(*sftp.Client) error) error {
	client, err := c.conn(ctx)
	if err != nil {
		return err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		c.drop(client)
		return &TransportError{Op: op, Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	defer sc.Close()

	if err := fn(sc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// MkdirAll creates dir and its parents on the remote host.
func (c *Client) MkdirAll(ctx context.Context, dir string) error {
	return c.withSFTP(ctx, "mkdir", func(sc *sftp.Client) error {
		return sc.MkdirAll(dir)
	})
}

// WriteFile writes data to path on the remote host, replacing any existing file.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return c.withSFTP(ctx, "upload", func(sc *sftp.Client) error {
		f, err := sc.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Chmod(mode); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
}

// ReadFile reads a remote file.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := c.withSFTP(ctx, "download", func(sc *sftp.Client) error {
		f, err := sc.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		return err
	})
	return data, err
}

// RemoveAll removes dir and everything below it. A missing dir is not an error.
func (c *Client) RemoveAll(ctx context.Context, dir string) error {
	err := c.withSFTP(ctx, "remove", func(sc *sftp.Client) error {
		if _, err := sc.Lstat(dir); err != nil {
			return err
		}
		var (
			paths []string
			dirs  = map[string]bool{}
		)
		walker := sc.Walk(dir)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return err
			}
			paths = append(paths, walker.Path())
			if walker.Stat().IsDir() {
				dirs[walker.Path()] = true
			}
		}
		for i := len(paths) - 1; i >= 0; i-- {
			var err error
			if dirs[paths[i]] {
				err = sc.RemoveDirectory(paths[i])
			} else {
				err = sc.Remove(paths[i])
			}
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
