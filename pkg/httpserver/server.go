// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httpserver runs the HTTP(S) listeners of the rate limiting proxy.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"storj.io/common/http/requestid"
	"storj.io/ratekeeper/pkg/httplog"
)

var mon = monkit.Package()

const (
	// DefaultShutdownTimeout is the default ShutdownTimeout (see Config).
	DefaultShutdownTimeout = time.Second * 10

	// proxyHeaderTimeout bounds how long a PROXY protocol header may take.
	proxyHeaderTimeout = 5 * time.Second
)

// Config holds the HTTP server configuration.
type Config struct {
	// Name is the name of the server. It is only used for logging. It can
	// be empty.
	Name string

	// Address is the address to bind the server to. It must be set.
	Address string

	// AddressTLS is the address to bind the https server to. It must be set,
	// but is not used if TLS is not configured.
	AddressTLS string

	// ProxyAddressTLS is an optional address of an https listener that
	// expects a PROXY protocol header in front of every connection.
	ProxyAddressTLS string

	// Whether requests and responses are logged or not. Sometimes you might
	// provide your own logging middleware instead.
	TrafficLogging bool

	// TLSConfig is the TLS configuration for the server. It is optional.
	TLSConfig *TLSConfig

	// DisableHTTP2 turns off HTTP/2 negotiation on the TLS listeners.
	DisableHTTP2 bool

	// ShutdownTimeout controls how long to wait for requests to finish before
	// returning from Run() after the context is canceled. It defaults to
	// 10 seconds if unset. If set to a negative value, the server will be
	// closed immediately.
	ShutdownTimeout time.Duration
}

// TLSConfig is a struct to handle the preferred/configured TLS options.
type TLSConfig struct {
	// LetsEncrypt controls whether certs from Let's Encrypt are obtained or not.
	// Setting this to true will mean the server only obtains a Let's Encrypt
	// certificate, and no other config such as CertDir, or CertFile will be considered.
	LetsEncrypt bool

	// PublicURLs is a list of URLs to issue on a Let's Encrypt cert if enabled.
	PublicURLs []string

	// ConfigDir is a path for storing certificate cache data for Let's Encrypt.
	ConfigDir string

	// CertDir provides a path containing one or more certificates that should
	// be loaded. Certs and key files must have the same filename so they can be
	// paired, e.g. mycert.key, and mycert.crt. This config setting is mutually
	// exclusive from CertFile and KeyFile.
	CertDir string

	// CertFile is a path to a file containing a corresponding cert for KeyFile.
	CertFile string

	// KeyFile is a path to a file containing a corresponding key for CertFile.
	KeyFile string
}

// Server is the HTTP server.
//
// architecture: Endpoint
type Server struct {
	log     *zap.Logger
	handler http.Handler
	name    string

	listener         net.Listener
	listenerTLS      net.Listener
	proxyListenerTLS net.Listener
	server           *http.Server
	serverTLS        *http.Server
	shutdownTimeout  time.Duration
}

// New creates a new Server. redactor hides credentials from the traffic logs
// and may be nil to use the defaults.
func New(log *zap.Logger, handler http.Handler, redactor *httplog.Redactor, config Config) (_ *Server, err error) {
	switch {
	case config.Address == "":
		return nil, errs.New("server address is required")
	case handler == nil:
		return nil, errs.New("server handler is required")
	}

	if redactor == nil {
		redactor = httplog.NewRedactor()
	}

	tlsConfig, httpHandler, err := config.configureTLS(handler)
	if err != nil {
		return nil, err
	}

	var listeners []net.Listener
	listen := func(address string) (net.Listener, error) {
		l, err := net.Listen("tcp", address)
		if err != nil {
			return nil, errs.New("unable to listen on %s: %v", address, err)
		}
		listeners = append(listeners, l)
		return l, nil
	}
	defer func() {
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
		}
	}()

	listener, err := listen(config.Address)
	if err != nil {
		return nil, err
	}

	var listenerTLS, proxyListenerTLS net.Listener
	if tlsConfig != nil {
		listenerTLS, err = listen(config.AddressTLS)
		if err != nil {
			return nil, err
		}
		if config.ProxyAddressTLS != "" {
			l, err := listen(config.ProxyAddressTLS)
			if err != nil {
				return nil, err
			}
			proxyListenerTLS = &proxyproto.Listener{
				Listener:          l,
				ReadHeaderTimeout: proxyHeaderTimeout,
			}
		}
	}

	if config.Name != "" {
		log = log.With(zap.String("server", config.Name))
	}

	// logging
	if config.TrafficLogging {
		httpHandler = logResponses(log, logRequests(log, redactor, httpHandler))
		handler = logResponses(log, logRequests(log, redactor, handler))
	}
	httpHandler = requestid.AddToContext(httpHandler)
	handler = requestid.AddToContext(handler)

	server := &http.Server{
		Handler:  httpHandler,
		ErrorLog: zap.NewStdLog(log),
	}

	serverTLS := &http.Server{
		Handler:   handler,
		TLSConfig: tlsConfig,
		ErrorLog:  zap.NewStdLog(log),
	}
	if tlsConfig != nil && !config.DisableHTTP2 {
		if err := http2.ConfigureServer(serverTLS, &http2.Server{}); err != nil {
			return nil, errs.New("unable to configure HTTP/2: %v", err)
		}
	}

	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &Server{
		log:              log,
		name:             config.Name,
		listener:         listener,
		listenerTLS:      listenerTLS,
		proxyListenerTLS: proxyListenerTLS,
		server:           server,
		serverTLS:        serverTLS,
		shutdownTimeout:  config.ShutdownTimeout,
		handler:          handler,
	}, nil
}

// Run runs the server.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errgroup.Group

	serve := func(name string, s *http.Server, listener net.Listener, tls bool) {
		group.Go(func() (err error) {
			server.log.Info(name+" server started", zap.String("addr", listener.Addr().String()))
			if tls {
				err = s.ServeTLS(listener, "", "")
			} else {
				err = s.Serve(listener)
			}

			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			server.log.Error("Server closed unexpectedly", zap.String("server", name), zap.Error(err))
			return err
		})
	}

	serve("HTTP", server.server, server.listener, false)
	if server.serverTLS.TLSConfig != nil {
		serve("HTTPS", server.serverTLS, server.listenerTLS, true)
		if server.proxyListenerTLS != nil {
			serve("HTTPS (PROXY protocol)", server.serverTLS, server.proxyListenerTLS, true)
		}
	}

	return group.Wait()
}

// Shutdown gracefully shuts the server down, with a given timeout.
// If timeout is less than 0, all connections are closed immediately instead
// of waiting.
func (server *Server) Shutdown() (err error) {
	var group errgroup.Group

	group.Go(func() error {
		server.log.Info("HTTP server shutting down")
		return shutdownWithTimeout(server.server, server.shutdownTimeout)
	})

	group.Go(func() error {
		if server.serverTLS.TLSConfig != nil {
			server.log.Info("HTTPS server shutting down")
			return shutdownWithTimeout(server.serverTLS, server.shutdownTimeout)
		}
		return nil
	})

	return group.Wait()
}

// Addr returns the public address.
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}

// AddrTLS returns the public TLS address.
func (server *Server) AddrTLS() string {
	if server.listenerTLS == nil {
		return ""
	}
	return server.listenerTLS.Addr().String()
}

// ProxyAddrTLS returns the address of the PROXY protocol TLS listener.
func (server *Server) ProxyAddrTLS() string {
	if server.proxyListenerTLS == nil {
		return ""
	}
	return server.proxyListenerTLS.Addr().String()
}

// BaseTLSConfig returns a tls.Config with some good default settings for security.
func (config Config) BaseTLSConfig() *tls.Config {
	protos := []string{http2.NextProtoTLS, "http/1.1"}
	if config.DisableHTTP2 {
		protos = []string{"http/1.1"}
	}
	// these settings give us a score of A on https://www.ssllabs.com/ssltest/index.html
	return &tls.Config{
		NextProtos:             protos,
		MinVersion:             tls.VersionTLS12,
		SessionTicketsDisabled: true, // thanks, jeff hodges! https://groups.google.com/g/golang-nuts/c/m3l0AesTdog/m/8CeLeVVyWw4J
	}
}

func (config Config) configureTLS(handler http.Handler) (*tls.Config, http.Handler, error) {
	tc := config.TLSConfig
	if tc == nil {
		return nil, handler, nil
	}

	if tc.LetsEncrypt {
		return config.configureLetsEncrypt(handler)
	}

	tlsConfig := config.BaseTLSConfig()

	if tc.CertDir != "" {
		certs, err := loadCertsFromDir(tc.CertDir)
		if err != nil {
			return nil, nil, err
		}
		tlsConfig.Certificates = certs
		return tlsConfig, handler, nil
	}

	switch {
	case tc.CertFile != "" && tc.KeyFile != "":
	case tc.CertFile == "" && tc.KeyFile == "":
		return nil, handler, nil
	case tc.CertFile != "" && tc.KeyFile == "":
		return nil, nil, errs.New("key file must be provided with cert file")
	case tc.CertFile == "" && tc.KeyFile != "":
		return nil, nil, errs.New("cert file must be provided with key file")
	}

	cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
	if err != nil {
		return nil, nil, errs.New("unable to load server keypair: %v", err)
	}

	tlsConfig.Certificates = []tls.Certificate{cert}
	return tlsConfig, handler, nil
}

func loadCertsFromDir(configDir string) ([]tls.Certificate, error) {
	certFiles, err := filepath.Glob(filepath.Join(configDir, "*.crt"))
	if err != nil {
		return nil, errs.New("error reading certificate directory %q: %v", configDir, err)
	}
	var certificates []tls.Certificate
	for _, crt := range certFiles {
		key := crt[0:len(crt)-4] + ".key"
		_, err := os.Stat(key)
		if err != nil {
			return nil, errs.New("unable to locate key for cert %s (expecting %s): %v", crt, key, err)
		}

		cert, err := tls.LoadX509KeyPair(crt, key)
		if err != nil {
			return nil, errs.New("unable to load server keypair: %v", err)
		}
		certificates = append(certificates, cert)
	}

	return certificates, nil
}

func (config Config) configureLetsEncrypt(handler http.Handler) (*tls.Config, http.Handler, error) {
	tc := config.TLSConfig
	if len(tc.PublicURLs) != 1 {
		return nil, nil, errs.New("cannot do self lets encrypt configuration for multiple hostnames")
	}
	parsedURL, err := url.Parse(tc.PublicURLs[0])
	if err != nil {
		return nil, nil, err
	}
	certManager := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(parsedURL.Host),
		Cache:      autocert.DirCache(filepath.Join(tc.ConfigDir, ".certs")),
	}

	tlsConfig := config.BaseTLSConfig()
	tlsConfig.GetCertificate = certManager.GetCertificate
	return tlsConfig, certManager.HTTPHandler(handler), nil
}

func shutdownWithTimeout(server *http.Server, timeout time.Duration) error {
	if timeout < 0 {
		return server.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return server.Shutdown(ctx)
}
