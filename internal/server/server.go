// Package server exposes the dashboard API over HTTP and terminal sessions
// over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/antonkrylov/cudash/internal/containeruse"
	"github.com/antonkrylov/cudash/internal/events"
	"github.com/antonkrylov/cudash/internal/executor"
	"github.com/antonkrylov/cudash/internal/files"
	"github.com/antonkrylov/cudash/internal/gitinfo"
	"github.com/antonkrylov/cudash/internal/history"
	"github.com/antonkrylov/cudash/internal/terminal"
)

type Config struct {
	ListenAddr      string
	ContainerUseBin string
	WorkDir         string

	Shell      string
	ShellArgs  []string
	Cols       int
	Rows       int
	Delays     terminal.Delays
	WSWriteTTL time.Duration

	MaxConcurrent  int
	CommandTimeout time.Duration
	AllowedOrigins []string
	TranscriptDir  string

	Events events.Publisher
	// History receives the same events as Events; an in-memory store is
	// created when nil.
	History *history.Store
	Version string
	Logger  *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	app      *fiber.App
	exec     *executor.Executor
	cu       *containeruse.Client
	repo     *gitinfo.Repository
	tree     files.Tree
	sessions *terminal.Manager
	events   events.Publisher
	history  *history.Store

	listener net.Listener
	serveErr chan error
}

func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8000"
	}
	if cfg.ContainerUseBin == "" {
		cfg.ContainerUseBin = containeruse.DefaultBinary
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("work dir: %w", err)
	}
	cfg.WorkDir = workDir
	if cfg.Cols < 0 || cfg.Cols > 65535 || cfg.Rows < 0 || cfg.Rows > 65535 {
		return nil, fmt.Errorf("invalid terminal size %dx%d", cfg.Cols, cfg.Rows)
	}
	if cfg.WSWriteTTL == 0 {
		cfg.WSWriteTTL = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if cfg.History == nil {
		st, err := history.New(context.Background(), &history.Options{Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.History = st
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		events:   events.Multi{cfg.History, cfg.Events},
		history:  cfg.History,
		serveErr: make(chan error, 1),
	}
	s.exec = executor.New(executor.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		Timeout:       cfg.CommandTimeout,
		Logger:        cfg.Logger,
	})
	s.cu = containeruse.New(cfg.ContainerUseBin, cfg.WorkDir, s.exec)
	s.repo = gitinfo.NewRepository(cfg.WorkDir, s.exec)
	s.tree = files.Tree{Root: cfg.WorkDir}
	s.sessions = terminal.NewManager(terminal.Options{
		Shell:         cfg.Shell,
		ShellArgs:     cfg.ShellArgs,
		Cols:          uint16(cfg.Cols),
		Rows:          uint16(cfg.Rows),
		Delays:        cfg.Delays,
		TranscriptDir: cfg.TranscriptDir,
		Events:        s.events,
		Logger:        cfg.Logger,
	})
	s.app = s.newApp()
	return s, nil
}

func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "cudash",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(fiberrecover.New())
	app.Use(requestLogger(s.logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins(s.cfg.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
	}))
	s.routes(app)
	return app
}

func allowOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ",")
}

// App exposes the HTTP handler, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Sessions exposes the terminal session registry.
func (s *Server) Sessions() *terminal.Manager { return s.sessions }

// Start listens and serves in the background until ctx ends or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = lis
	s.logger.Info("listening", "addr", lis.Addr().String(), "workDir", s.cfg.WorkDir, "containerUse", s.cfg.ContainerUseBin)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	}()
	go func() {
		s.serveErr <- s.app.Listener(lis)
	}()
	return nil
}

// Wait blocks until the server stops serving.
func (s *Server) Wait() error {
	err := <-s.serveErr
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop kills every live session and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if err := s.sessions.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	return errors.Join(errs...)
}
