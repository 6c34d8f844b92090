// Package transport exposes the station's local status endpoints: the session
// view for dashboards, a health probe, and prometheus metrics.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/sgmi/padaria-floor/internal/domain"
	"github.com/sgmi/padaria-floor/internal/observability"
	"github.com/sgmi/padaria-floor/internal/realtime"
	"github.com/sgmi/padaria-floor/internal/session"
)

const shutdownTimeout = 5 * time.Second

// SessionDriver is the slice of the controller the server reads and drives.
// The action endpoints stand in for the floor UI's lifecycle buttons.
type SessionDriver interface {
	View() session.View
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Complete(ctx context.Context) error
	NewBatch(ctx context.Context) error
}

// ChannelStatus reports the realtime link state.
type ChannelStatus interface {
	State() realtime.State
}

// Server is the station's local HTTP surface.
type Server struct {
	app        *fiber.App
	port       int
	controller SessionDriver
	channel    ChannelStatus
	logger     *zap.Logger
}

func NewServer(port int, controller SessionDriver, channel ChannelStatus, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "padaria-floor",
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler(logger),
	})
	if metrics != nil {
		app.Use(metrics.HTTPMiddleware())
	}

	s := &Server{
		app:        app,
		port:       port,
		controller: controller,
		channel:    channel,
		logger:     logger,
	}

	app.Get("/status", s.handleStatus)
	app.Get("/healthz", s.handleHealthz)
	app.Post("/actions/:action", s.handleAction)
	app.Post("/batches", s.handleNewBatch)
	if metrics != nil {
		promHandler := fasthttpadaptor.NewFastHTTPHandler(metrics.Handler())
		app.Get("/metrics", func(c *fiber.Ctx) error {
			promHandler(c.Context())
			return nil
		})
	}

	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(fmt.Sprintf(":%d", s.port))
	}()

	s.logger.Info("status server listening", zap.Int("port", s.port))

	select {
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			s.logger.Warn("status server shutdown failed", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": s.controller.View(),
	})
}

// handleHealthz reports the process as live and the realtime link state. Only
// a dead link, one that has given up reconnecting, degrades the probe.
func (s *Server) handleHealthz(c *fiber.Ctx) error {
	state := realtime.StateDisconnected
	if s.channel != nil {
		state = s.channel.State()
	}

	status := "ok"
	statusCode := fiber.StatusOK
	if state == realtime.StateError {
		status = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status": status,
		"checks": fiber.Map{
			"realtime": string(state),
		},
	})
}

// handleAction drives one lifecycle action. Actions that are not legal in the
// current session state are rejected before touching the controller.
func (s *Server) handleAction(c *fiber.Ctx) error {
	action, err := domain.ParseActionFromString(c.Params("action"))
	if err != nil {
		return err
	}

	view := s.controller.View()
	ctx := c.UserContext()

	switch action {
	case domain.ActionStart:
		if !view.CanStart {
			return fmt.Errorf("%w: cannot start while %s", domain.ErrInvalidTransition, view.Status)
		}
		err = s.controller.Start(ctx)
	case domain.ActionPause:
		if !view.CanPause {
			return fmt.Errorf("%w: cannot pause while %s", domain.ErrInvalidTransition, view.Status)
		}
		err = s.controller.Pause(ctx)
	case domain.ActionResume:
		if !view.CanResume {
			return fmt.Errorf("%w: cannot resume while %s", domain.ErrInvalidTransition, view.Status)
		}
		err = s.controller.Resume(ctx)
	case domain.ActionComplete:
		if !view.IsRunning && !view.IsPaused {
			return fmt.Errorf("%w: cannot complete while %s", domain.ErrInvalidTransition, view.Status)
		}
		err = s.controller.Complete(ctx)
	case domain.ActionStop:
		if !view.IsRunning && !view.IsPaused {
			return fmt.Errorf("%w: cannot stop while %s", domain.ErrInvalidTransition, view.Status)
		}
		err = s.controller.Stop(ctx)
	}
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": s.controller.View(),
	})
}

// handleNewBatch advances the session to its next batch.
func (s *Server) handleNewBatch(c *fiber.Ctx) error {
	view := s.controller.View()
	if !view.IsRunning && !view.IsPaused {
		return fmt.Errorf("%w: no batch in progress", domain.ErrInvalidTransition)
	}

	if err := s.controller.NewBatch(c.UserContext()); err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"data": s.controller.View(),
	})
}
