package app

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/agentbridge/internal/config"
)

// Run serves the HTTP surface, keeps the readiness tracker fed and, when the
// configuration carries a page mode other than idle, connects the session.
// It returns after ctx is done and everything has shut down.
func Run(ctx context.Context, res *BuildResult) error {
	ln, err := net.Listen("tcp", res.Config.BindAddr)
	if err != nil {
		return err
	}
	return Serve(ctx, res, ln)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, res *BuildResult, ln net.Listener) error {
	cfg := res.Config
	logger := res.Logger

	httpServer := &http.Server{
		Handler: res.API.Router(),
	}

	detach := res.Readiness.Attach(res.Store)
	defer detach()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("page_mode", string(cfg.PageMode())),
			zap.String("transport", res.TransportName),
		)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		if err := res.Session.Disconnect(); err != nil {
			logger.Warn("session teardown failed", zap.Error(err))
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})

	if cfg.AutoConnect && cfg.PageMode() != config.PageIdle {
		g.Go(func() error {
			connectCtx, cancel := context.WithTimeout(gctx, cfg.ConnectTimeout)
			defer cancel()
			if err := res.Session.Connect(connectCtx, cfg.ServerURL, cfg.Token); err != nil {
				// The HTTP surface stays up so a later connect can be requested.
				logger.Error("auto connect failed", zap.Error(err))
			}
			return nil
		})
	} else if cfg.PageMode() == config.PageIdle {
		logger.Info("idle: " + config.IdleInstructions)
	}

	err := g.Wait()
	logger.Info("shutdown complete")
	return err
}
