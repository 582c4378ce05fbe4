package ftpengine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/gonzalop/ftpengine/internal/capabilities"
	"github.com/gonzalop/ftpengine/internal/dircache"
	"github.com/gonzalop/ftpengine/internal/extip"
	"github.com/gonzalop/ftpengine/internal/metrics"
	"github.com/gonzalop/ftpengine/internal/options"
	"github.com/gonzalop/ftpengine/internal/socket"
	"github.com/gonzalop/ftpengine/internal/transfer"
)

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// tlsMode represents the TLS mode for the connection.
type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)

func (m tlsMode) String() string {
	switch m {
	case tlsModeExplicit:
		return "explicit"
	case tlsModeImplicit:
		return "implicit"
	}
	return "none"
}

// WithCredentials sets the login. The default is anonymous.
func WithCredentials(user, password string) Option {
	return func(c *Client) error {
		if user == "" {
			return errors.New("user must not be empty")
		}
		c.user = user
		c.password = password
		return nil
	}
}

// WithExplicitTLS enables explicit TLS mode (AUTH TLS).
// The client connects on the standard FTP port (21) and upgrades to TLS
// using the AUTH TLS command. This is the recommended mode for FTPS.
//
// A ClientSessionCache is added if config has none; data connections
// must resume the control connection's session.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeImplicit {
			return fmt.Errorf("explicit TLS cannot be combined with implicit TLS")
		}
		c.tlsConfig = config
		c.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit TLS mode.
// The client connects directly with TLS, typically on port 990.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeExplicit {
			return fmt.Errorf("implicit TLS cannot be combined with explicit TLS")
		}
		c.tlsConfig = config
		c.tlsMode = tlsModeImplicit
		return nil
	}
}

// WithLogger enables logging using the provided logger. Records are
// handed to l's handler on a background goroutine so logging never
// stalls a connection; records are dropped if the handler falls behind.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	c, _ := ftpengine.Dial(ctx, "ftp.example.com:21", ftpengine.WithLogger(logger))
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		c.slog = l
		return nil
	}
}

// WithSyncLogger is WithLogger without the background goroutine.
func WithSyncLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		c.slog = l
		c.syncLog = true
		return nil
	}
}

// WithOptions sets the option store. Defaults to options.Defaults().
func WithOptions(s *options.Store) Option {
	return func(c *Client) error {
		c.opts = s
		return nil
	}
}

// WithCapabilities sets the store remembering per-server quirks.
func WithCapabilities(s capabilities.Store) Option {
	return func(c *Client) error {
		c.caps = s
		return nil
	}
}

// WithDirCache sets the directory cache. Clients share one by default.
func WithDirCache(d *dircache.Cache) Option {
	return func(c *Client) error {
		c.cache = d
		return nil
	}
}

// WithNotifier registers n for listing change notifications.
func WithNotifier(n ListingNotifier) Option {
	return func(c *Client) error {
		c.notifier = n
		return nil
	}
}

// WithAsyncRequestHandler sets the handler asked when the engine needs a
// decision, such as continuing without TLS session resumption.
func WithAsyncRequestHandler(h AsyncRequestHandler) Option {
	return func(c *Client) error {
		c.asks = h
		return nil
	}
}

// WithResolver sets the external address resolver used in active mode.
func WithResolver(r *extip.Resolver) Option {
	return func(c *Client) error {
		c.resolver = r
		return nil
	}
}

// WithProxy tunnels the control and data connections through a proxy.
func WithProxy(p *socket.ProxyConfig) Option {
	return func(c *Client) error {
		if p.Enabled() && p.Port <= 0 {
			return fmt.Errorf("invalid proxy port %d", p.Port)
		}
		c.proxy = p
		return nil
	}
}

// WithLockManager sets the manager serializing directory creation and
// listing. Clients share one by default.
func WithLockManager(m *LockManager) Option {
	return func(c *Client) error {
		c.locks = m
		return nil
	}
}

// WithTransferResources sets the buffer pool and speed limiters used by
// data connections. Clients share one set by default.
func WithTransferResources(r *TransferResources) Option {
	return func(c *Client) error {
		c.resources = r
		return nil
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.EngineMetrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithLocalAddr binds the local end of the control connection.
func WithLocalAddr(addr net.Addr) Option {
	return func(c *Client) error {
		c.localAddr = addr
		return nil
	}
}

// WithActiveMode enables active mode (PORT/EPRT) instead of passive mode.
// In active mode, the client opens a port and tells the server to connect to it.
func WithActiveMode() Option {
	return func(c *Client) error {
		c.activeMode = true
		return nil
	}
}

// WithDisableEPSV disables the use of the EPSV command on IPv4 connections.
func WithDisableEPSV() Option {
	return func(c *Client) error {
		c.disableEPSV = true
		return nil
	}
}

// WithCustomListParser adds a directory listing parser. Custom parsers
// are tried before the built-in ones. MLSD listings are not affected.
func WithCustomListParser(parser ListingParser) Option {
	return func(c *Client) error {
		c.parsers = append([]ListingParser{parser}, c.parsers...)
		return nil
	}
}

// withDataConns replaces how data connections are dialed and listened.
func withDataConns(dial transfer.DialFunc, listen transfer.ListenFunc) Option {
	return func(c *Client) error {
		c.dataDial = dial
		c.dataListen = listen
		return nil
	}
}
