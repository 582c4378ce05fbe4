// Package ftpengine is an FTP and FTPS client engine built around an
// operation stack.
//
// # Overview
//
// Every Client owns one control connection and one event loop goroutine.
// A call such as MakeDir pushes an operation on the connection's stack;
// operations send commands, consume replies and push sub-operations
// (change directory, create directory, open a data connection) until the
// stack is empty again. Only one call runs at a time per Client.
//
// Supported:
//   - Plain FTP, explicit TLS (AUTH TLS) and implicit TLS
//   - TLS session resumption on data connections, with an ALPN check
//   - Passive (EPSV/PASV) and active (PORT/EPRT) data connections, with
//     fallback between them
//   - Active mode behind NAT: configured or HTTP-resolved external address
//   - HTTP CONNECT, SOCKS5 and SSH tunnel proxies
//   - Recursive directory creation that copes with servers refusing
//     nested MKD
//   - Bandwidth limits shared by all transfers of a client
//
// # Basic Usage
//
//	ctx := context.Background()
//	c, err := ftpengine.Dial(ctx, "ftp.example.com:21",
//	    ftpengine.WithCredentials("user", "secret"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Quit(ctx)
//
//	if err := c.MakeDir(ctx, "/upload/2024/03"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.StoreFile(ctx, "report.pdf", "/upload/2024/03/report.pdf"); err != nil {
//	    log.Fatal(err)
//	}
//
// # TLS
//
// Explicit TLS connects on port 21 and upgrades with AUTH TLS:
//
//	c, err := ftpengine.Dial(ctx, "ftp.example.com:21",
//	    ftpengine.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// Data connections resume the control connection's TLS session. When a
// server does not resume, the AsyncRequestHandler decides whether to go
// on; without one the transfer fails with ErrTLSResumptionRefused.
//
// # Options
//
// Tunables such as port ranges, speed limits and the external address
// mode live in an options store loaded from YAML and FTPENGINE_*
// environment variables:
//
//	store, err := options.Load("ftpengine.yaml")
//	c, err := ftpengine.Dial(ctx, addr, ftpengine.WithOptions(store))
//
// # Error Handling
//
// Negative replies are returned as *ProtocolError and failed data
// connections as *TransferError. A lost connection wraps ErrDisconnected;
// after it the Client is unusable.
//
//	var pe *ftpengine.ProtocolError
//	if errors.As(err, &pe) && pe.IsPermanent() {
//	    fmt.Printf("%s refused: %d %s\n", pe.Command, pe.Code, pe.Response)
//	}
package ftpengine
