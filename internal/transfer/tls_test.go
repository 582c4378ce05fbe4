package transfer

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpengine/internal/bufpool"
	"github.com/gonzalop/ftpengine/internal/capabilities"
)

var tlsPayload = bytes.Repeat([]byte("protected "), 300)

func selfSigned(t *testing.T, serial int64) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "ftp.example.com"},
		DNSNames:     []string{"ftp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

// serverTLS is capped at TLS 1.2 so the session ticket is stored by the
// time the client handshake returns.
func serverTLS(cert tls.Certificate, alpn ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MaxVersion:   tls.VersionTLS12,
		NextProtos:   alpn,
	}
}

// serveTLSOnce accepts one TLS data connection, completes the handshake
// and sends payload.
func serveTLSOnce(t *testing.T, cfg *tls.Config, payload []byte) (string, int) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if err := c.(*tls.Conn).Handshake(); err != nil {
			return
		}
		_, _ = c.Write(payload)
	}()
	a := ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// controlTLS mimics the control connection: a client config with a
// session cache and the state of its handshake.
func controlTLS(cert tls.Certificate, alpn string) (*tls.Config, *tls.ConnectionState) {
	cfg := &tls.Config{
		ServerName:         "ftp.example.com",
		InsecureSkipVerify: true,
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
	}
	state := &tls.ConnectionState{
		PeerCertificates:   []*x509.Certificate{cert.Leaf},
		NegotiatedProtocol: alpn,
	}
	return cfg, state
}

// prime performs the control connection handshake that later data
// connections resume.
func prime(t *testing.T, server, client *tls.Config) {
	t.Helper()
	host, port := serveTLSOnce(t, server, nil)
	c, err := tls.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)), client)
	require.NoError(t, err)
	_ = c.Close()
}

type tlsCase struct {
	server  *tls.Config
	client  *tls.Config
	state   *tls.ConnectionState
	known   capabilities.Tri
	payload []byte
}

func startTLSDownload(t *testing.T, tc tlsCase) (*testHost, *Socket, *bytes.Buffer, capabilities.Store) {
	t.Helper()
	caps := capabilities.NewMemory()
	ctl := testControl()
	if tc.known != capabilities.Unknown {
		caps.Set(ctl.Server, capabilities.TLSResumption, tc.known)
	}
	ctl.TLS = tc.client
	ctl.TLSState = tc.state

	host, port := serveTLSOnce(t, tc.server, tc.payload)
	var out bytes.Buffer
	h := newTestHost(t)
	s := New(&Config{Pool: bufpool.NewPool(3, 1000), Caps: caps}, ctl, h, ModeDownload)
	s.SetWriter(bufpool.NewWriter(&out, 2), false)
	t.Cleanup(func() { s.Close() })

	s.SetupPassive(host, port)
	s.Activate()
	return h, s, &out, caps
}

func TestTLSResumedSession(t *testing.T) {
	t.Parallel()
	cert := selfSigned(t, 1)
	server := serverTLS(cert)
	client, state := controlTLS(cert, "")
	prime(t, server, client)

	h, _, out, caps := startTLSDownload(t, tlsCase{server: server, client: client, state: state, payload: tlsPayload})

	ev := h.waitEnd(t)
	require.Equal(t, EndSuccessful, ev.reason, "err: %v", ev.err)
	assert.Equal(t, tlsPayload, out.Bytes())
	assert.Equal(t, capabilities.Yes, caps.Get("ftp.example.com:21", capabilities.TLSResumption))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"ftp.example.com:21"}, h.confirmed)
}

func TestTLSUnresumedSessionAsksUser(t *testing.T) {
	t.Parallel()

	for _, accept := range []bool{true, false} {
		name := "refused"
		if accept {
			name = "accepted"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cert := selfSigned(t, 2)
			client, state := controlTLS(cert, "")

			h, s, out, caps := startTLSDownload(t, tlsCase{server: serverTLS(cert), client: client, state: state, payload: tlsPayload})

			var answer func(bool)
			select {
			case answer = <-h.asked:
			case ev := <-h.ended:
				t.Fatalf("transfer ended before asking: %v %v", ev.reason, ev.err)
			case <-time.After(5 * time.Second):
				t.Fatal("user was not asked")
			}
			// Nothing flows while the question is open.
			assert.Equal(t, EndNone, s.Reason())

			h.Post(func() { answer(accept) })
			ev := h.waitEnd(t)
			if !accept {
				assert.Equal(t, EndFailedTLSResumption, ev.reason)
				return
			}
			require.Equal(t, EndSuccessful, ev.reason, "err: %v", ev.err)
			assert.Equal(t, tlsPayload, out.Bytes())
			// Consent is per transfer, nothing is learned about the server.
			assert.Equal(t, capabilities.Unknown, caps.Get("ftp.example.com:21", capabilities.TLSResumption))
		})
	}
}

func TestTLSUnresumedSessionFatalWhenKnown(t *testing.T) {
	t.Parallel()
	cert := selfSigned(t, 3)
	client, state := controlTLS(cert, "")

	h, _, _, _ := startTLSDownload(t, tlsCase{
		server: serverTLS(cert), client: client, state: state,
		known: capabilities.Yes, payload: tlsPayload,
	})

	ev := h.waitEnd(t)
	assert.Equal(t, EndFailedTLSResumption, ev.reason)
	select {
	case <-h.asked:
		t.Error("user asked about a server known to resume")
	default:
	}
}

func TestTLSCooperativeServerALPN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		alpn []string
		want EndReason
	}{
		{"data protocol selected", []string{ALPNData}, EndSuccessful},
		{"no protocol selected", nil, EndWrongTLSALPN},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cert := selfSigned(t, int64(10+i))
			server := serverTLS(cert, tt.alpn...)
			client, state := controlTLS(cert, ALPNControl)
			prime(t, server, client)

			h, _, out, _ := startTLSDownload(t, tlsCase{server: server, client: client, state: state, payload: tlsPayload})

			ev := h.waitEnd(t)
			require.Equal(t, tt.want, ev.reason, "err: %v", ev.err)
			if tt.want == EndSuccessful {
				assert.Equal(t, tlsPayload, out.Bytes())
			}
		})
	}
}

func TestTLSCooperativeServerMustResume(t *testing.T) {
	t.Parallel()
	cert := selfSigned(t, 4)
	client, state := controlTLS(cert, ALPNControl)

	h, _, _, _ := startTLSDownload(t, tlsCase{server: serverTLS(cert, ALPNData), client: client, state: state, payload: tlsPayload})

	ev := h.waitEnd(t)
	assert.Equal(t, EndFailedTLSResumption, ev.reason)
}

func TestTLSCertificateMismatch(t *testing.T) {
	t.Parallel()
	control := selfSigned(t, 5)
	other := selfSigned(t, 6)
	client, state := controlTLS(control, "")

	h, _, out, _ := startTLSDownload(t, tlsCase{server: serverTLS(other), client: client, state: state, payload: tlsPayload})

	ev := h.waitEnd(t)
	assert.Equal(t, EndFailure, ev.reason)
	assert.ErrorIs(t, ev.err, ErrCertificateMismatch)
	assert.Zero(t, out.Len())
	select {
	case <-h.asked:
		t.Error("user asked about a connection that failed verification")
	default:
	}
}
