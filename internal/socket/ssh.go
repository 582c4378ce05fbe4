package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHTunnel forwards TCP connections through an SSH server. One tunnel is
// shared by the control connection and every data connection of a session.
type SSHTunnel struct {
	cfg    *ProxyConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHTunnel returns a tunnel that connects lazily on first Dial.
func NewSSHTunnel(cfg *ProxyConfig, logger *slog.Logger) *SSHTunnel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SSHTunnel{cfg: cfg, logger: logger}
}

func (t *SSHTunnel) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if t.cfg.KeyPath != "" {
		key, err := os.ReadFile(t.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.cfg.Pass != "" {
		auth = append(auth, ssh.Password(t.cfg.Pass))
	}

	hk := ssh.InsecureIgnoreHostKey()
	if t.cfg.KnownHosts != "" {
		cb, err := knownhosts.New(t.cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		hk = cb
	}

	return &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         30 * time.Second,
	}, nil
}

func (t *SSHTunnel) connect(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	cc, err := t.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := t.cfg.Addr()
	var d net.Dialer
	tcp, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, chans, reqs, err := ssh.NewClientConn(tcp, addr, cc)
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	t.client = ssh.NewClient(conn, chans, reqs)
	t.logger.Debug("ssh tunnel established", "proxy", addr)

	go func(c *ssh.Client) {
		err := c.Wait()
		t.mu.Lock()
		if t.client == c {
			t.client = nil
		}
		t.mu.Unlock()
		t.logger.Debug("ssh tunnel closed", "error", err)
	}(t.client)
	return t.client, nil
}

// Dial opens a forwarded connection to address.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	c, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	return c.DialContext(ctx, network, address)
}

// Close shuts the SSH connection down.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
