package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultAddr is used when Start is given an empty address.
const DefaultAddr = ":8080"

// GracefulServer serves HTTP with health probes and ordered shutdown hooks.
type GracefulServer struct {
	Health   *HealthServer
	Shutdown *ShutdownHandler

	server *http.Server
	addr   net.Addr
	errCh  chan error
}

// NewGracefulServer creates a server. Either config may be nil.
func NewGracefulServer(healthConfig *HealthConfig, shutdownConfig *ShutdownConfig) *GracefulServer {
	g := &GracefulServer{
		Health:   NewHealthServer(healthConfig),
		Shutdown: NewShutdownHandler(shutdownConfig),
		errCh:    make(chan error, 1),
	}

	// Readiness drops as soon as shutdown begins so load balancers drain.
	go func() {
		<-g.Shutdown.Stopping()
		g.Health.SetReady(false)
	}()
	return g
}

// Start binds addr and serves handler until ctx is cancelled. Bind errors are
// returned directly; a later serve error triggers shutdown and is reported
// by Wait.
func (g *GracefulServer) Start(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g.addr = ln.Addr()

	g.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.Shutdown.Add(Hook("http", PhaseStopServing, g.server.Shutdown))
	g.Shutdown.Start(ctx)

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.errCh <- err
			g.Shutdown.Shutdown()
		}
	}()

	slog.Info("serving", "addr", g.addr.String())
	g.Health.SetReady(true)
	return nil
}

// Addr is the bound address, useful when Start was given port 0.
func (g *GracefulServer) Addr() net.Addr { return g.addr }

// Wait blocks until shutdown has finished. A serve error takes precedence
// over hook errors.
func (g *GracefulServer) Wait() error {
	hookErr := g.Shutdown.Wait()
	select {
	case err := <-g.errCh:
		return err
	default:
		return hookErr
	}
}
