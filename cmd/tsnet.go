//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/goclaw/internal/config"
)

// initTailscale serves the gateway mux on a Tailscale tsnet listener in
// addition to the main listener. Returns a cleanup func, or nil when
// Tailscale is not configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	stateDir := cfg.Tailscale.StateDir
	if stateDir == "" {
		confDir, err := os.UserConfigDir()
		if err != nil {
			confDir = os.TempDir()
		}
		stateDir = filepath.Join(confDir, "tsnet-goclaw")
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       stateDir,
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}

	var ln net.Listener
	var err error
	if cfg.Tailscale.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Warn("tsnet listen failed", "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if serveErr := httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Warn("tsnet serve exited", "error", serveErr)
		}
	}()

	slog.Info("tsnet listener active", "hostname", cfg.Tailscale.Hostname, "tls", cfg.Tailscale.EnableTLS)
	go func() {
		<-ctx.Done()
		httpSrv.Close()
		srv.Close()
	}()

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
