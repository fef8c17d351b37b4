package admin

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go/http3"
)

type Config struct {
	Addr        string
	EnablePprof bool

	// H3Addr serves the same mux over HTTP/3 with H3TLS when set.
	H3Addr string
	H3TLS  *tls.Config

	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg Config
	mux *http.ServeMux
	srv *http.Server
}

func New(cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return &Server{
		cfg: cfg,
		mux: mux,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until ctx is done, then shuts down and returns nil.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.srv.Serve(ln) }()
	log.Printf("wampmeter: metrics listening on %s", ln.Addr())

	var h3 *http3.Server
	if s.cfg.H3Addr != "" {
		if s.cfg.H3TLS == nil {
			_ = s.srv.Close()
			return errors.New("admin: TLS config is required for HTTP/3")
		}
		h3 = &http3.Server{Addr: s.cfg.H3Addr, Handler: s.mux, TLSConfig: s.cfg.H3TLS}
		go func() { errCh <- h3.ListenAndServe() }()
		log.Printf("wampmeter: metrics http3 listening on %s", s.cfg.H3Addr)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(shutdownCtx)
	if h3 != nil {
		_ = h3.Close()
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}
