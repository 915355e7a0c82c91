package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// ServerOptions configures Listen.
type ServerOptions struct {
	Address string
	// TLSCertFile and TLSKeyFile enable TLS on the TCP listener. Both are
	// required for HTTP/3.
	TLSCertFile string
	TLSKeyFile  string
	EnableHTTP3 bool

	ReadHeaderTimeout time.Duration
	// Hubs are closed on shutdown so WebSocket handlers return.
	Hubs []*Hub
	// Limiters are swept every CleanupInterval.
	Limiters        []*RateLimiter
	CleanupInterval time.Duration
	Logger          *zap.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Address == "" {
		o.Address = ":0"
	}
	if o.ReadHeaderTimeout <= 0 {
		o.ReadHeaderTimeout = 10 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Server serves the coordinator handler over HTTP and, optionally, HTTP/3.
type Server struct {
	options  ServerOptions
	listener net.Listener
	http     *http.Server
	h3       *http3.Server

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the TCP listener and starts serving handler.
func Listen(handler http.Handler, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	tlsEnabled := opts.TLSCertFile != "" && opts.TLSKeyFile != ""
	if opts.EnableHTTP3 && !tlsEnabled {
		return nil, errors.New("http3 requires a TLS certificate and key")
	}

	listener, err := net.Listen("tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.Address, err)
	}

	s := &Server{
		options:  opts,
		listener: listener,
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	if opts.EnableHTTP3 {
		s.h3 = &http3.Server{
			Addr:    listener.Addr().String(),
			Handler: handler,
		}
		handler = s.advertiseHTTP3(handler)
	}

	s.http = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(opts.Logger.Named("http")),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if tlsEnabled {
			err = s.http.ServeTLS(listener, opts.TLSCertFile, opts.TLSKeyFile)
		} else {
			err = s.http.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.reportError(fmt.Errorf("serve http: %w", err))
		}
	}()

	if s.h3 != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.h3.ListenAndServeTLS(opts.TLSCertFile, opts.TLSKeyFile)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.reportError(fmt.Errorf("serve http3: %w", err))
			}
		}()
	}

	if len(opts.Limiters) > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	opts.Logger.Info("listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", tlsEnabled),
		zap.Bool("http3", s.h3 != nil),
	)
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting requests, closes live WebSockets and waits for the
// serve loops to exit.
func (s *Server) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, h := range s.options.Hubs {
			h.CloseAll()
		}
		closeErr = s.http.Shutdown(ctx)
		if errors.Is(closeErr, context.DeadlineExceeded) || errors.Is(closeErr, context.Canceled) {
			closeErr = s.http.Close()
		}
		if s.h3 != nil {
			if err := s.h3.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) advertiseHTTP3(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			s.options.Logger.Debug("set alt-svc", zap.Error(err))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.options.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, l := range s.options.Limiters {
				l.Cleanup()
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Server) reportError(err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.options.Logger.Error("server error", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}
