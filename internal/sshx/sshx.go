package sshx

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/spotnest/spotnest/internal/models"
)

// Runner executes commands and uploads files on remote hosts. The concrete
// implementation dials SSH; tests substitute fakes.
type Runner interface {
	// Run executes a command, returning combined stdout. A non-zero exit
	// status is an error carrying stderr.
	Run(ctx context.Context, ep models.Endpoint, cmd string) (string, error)
	// RunWithTimeout executes like Run but under an explicit budget
	// instead of the client's per-command default. Bulk transfers pass
	// their operation's own deadline here; a zero timeout defers entirely
	// to ctx.
	RunWithTimeout(ctx context.Context, ep models.Endpoint, cmd string, timeout time.Duration) (string, error)
	// Upload writes content to path on the remote host with the given mode.
	Upload(ctx context.Context, ep models.Endpoint, path string, content []byte, mode string) error
	// ProbeTCP reports whether the SSH port accepts a TCP connection.
	ProbeTCP(ep models.Endpoint, timeout time.Duration) bool
}

// Client is the production Runner backed by golang.org/x/crypto/ssh.
type Client struct {
	signer         ssh.Signer
	dialTimeout    time.Duration
	commandTimeout time.Duration
}

func NewClient(signer ssh.Signer, dialTimeout, commandTimeout time.Duration) *Client {
	return &Client{
		signer:         signer,
		dialTimeout:    dialTimeout,
		commandTimeout: commandTimeout,
	}
}

func (c *Client) dial(ctx context.Context, ep models.Endpoint) (*ssh.Client, error) {
	user := ep.User
	if user == "" {
		user = "root"
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // hosts are ephemeral rentals; no stable host keys
		Timeout:         c.dialTimeout,
	}

	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (c *Client) Run(ctx context.Context, ep models.Endpoint, cmd string) (string, error) {
	return c.RunWithTimeout(ctx, ep, cmd, c.commandTimeout)
}

func (c *Client) RunWithTimeout(ctx context.Context, ep models.Endpoint, cmd string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := c.dial(ctx, ep)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Closing the client unblocks session.Run.
		client.Close()
		return "", fmt.Errorf("remote command timed out: %w", ctx.Err())
	}

	if err != nil {
		return stdout.String(), fmt.Errorf("remote command failed: %w (stderr: %s)", err, stderr.String())
	}
	return stdout.String(), nil
}

func (c *Client) Upload(ctx context.Context, ep models.Endpoint, path string, content []byte, mode string) error {
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	client, err := c.dial(ctx, ep)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(content)

	if mode == "" {
		mode = "0644"
	}
	cmd := fmt.Sprintf("mkdir -p $(dirname %q) && cat > %q && chmod %s %q", path, path, mode, path)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		client.Close()
		return fmt.Errorf("upload timed out: %w", ctx.Err())
	}

	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func (c *Client) ProbeTCP(ep models.Endpoint, timeout time.Duration) bool {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
