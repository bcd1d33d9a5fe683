package chat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server drives the HTTP listener, the eviction loop, and the optional queue
// worker as one lifecycle.
type Server struct {
	router  *Router
	cm      *ConvManager
	svc     *ChatService
	httpSrv *http.Server

	// workerPoll enables the embedded queue worker when > 0.
	workerPoll time.Duration

	// closers run during shutdown, in order (bus, stores).
	closers []func() error
}

type ServerConfig struct {
	Addr       string
	Router     *Router
	ConvMgr    *ConvManager
	Service    *ChatService
	WorkerPoll time.Duration
	Closers    []func() error
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Router == nil || cfg.ConvMgr == nil || cfg.Service == nil {
		return nil, errors.New("chat: server needs router, conv manager and service")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	mux := http.NewServeMux()
	cfg.Router.Mount(mux, "/")
	return &Server{
		router: cfg.Router,
		cm:     cfg.ConvMgr,
		svc:    cfg.Service,
		httpSrv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		workerPoll: cfg.WorkerPoll,
		closers:    cfg.Closers,
	}, nil
}

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.cm.StartEvictionLoop(srvCtx)

	if s.workerPoll > 0 {
		eg.Go(func() error { return s.svc.RunWorker(srvCtx, s.workerPoll) })
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		for _, closeFn := range s.closers {
			if closeFn == nil {
				continue
			}
			if err := closeFn(); err != nil {
				log.Error().Err(err).Msg("shutdown close error")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting chat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
