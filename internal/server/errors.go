package server

import (
	"context"
	"errors"
	"os"

	"github.com/gofiber/fiber/v2"

	"github.com/antonkrylov/cudash/internal/containeruse"
	"github.com/antonkrylov/cudash/internal/executor"
	"github.com/antonkrylov/cudash/internal/files"
	"github.com/antonkrylov/cudash/internal/terminal"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error    string `json:"error"`
	Detail   string `json:"detail,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Command  string `json:"command,omitempty"`
	WorkDir  string `json:"workDir,omitempty"`
}

// failure maps err to a status and body. summary is the message shown when
// the error is not more specific; notFound is used for unknown environments.
func failure(err error, summary, notFound string) (int, ErrorResponse) {
	body := ErrorResponse{Error: summary, Detail: err.Error()}

	var spawnErr *executor.SpawnError
	var cmdErr *containeruse.CommandError
	switch {
	case errors.As(err, &spawnErr):
		body.Command = spawnErr.Binary
		body.WorkDir = spawnErr.Dir
		return fiber.StatusBadGateway, body
	case errors.Is(err, containeruse.ErrInvalidAction),
		errors.Is(err, containeruse.ErrEnvironmentIDRequired),
		errors.Is(err, files.ErrIsDirectory),
		errors.Is(err, files.ErrNotDir),
		errors.Is(err, terminal.ErrInvalidSize):
		return fiber.StatusBadRequest, body
	case errors.Is(err, files.ErrOutsideRoot):
		return fiber.StatusForbidden, body
	case errors.Is(err, files.ErrTooLarge):
		return fiber.StatusRequestEntityTooLarge, body
	case errors.Is(err, os.ErrNotExist), errors.Is(err, terminal.ErrSessionNotFound):
		return fiber.StatusNotFound, body
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, body
	}

	if errors.As(err, &cmdErr) {
		code := cmdErr.ExitCode
		body.ExitCode = &code
		body.Stderr = cmdErr.Stderr
		body.Command = cmdErr.Command
		body.WorkDir = cmdErr.Dir
		body.Detail = cmdErr.Output()
	}
	if containeruse.IsNotFound(err) && notFound != "" {
		body.Error = notFound
		return fiber.StatusNotFound, body
	}
	return fiber.StatusInternalServerError, body
}

func (s *Server) fail(c *fiber.Ctx, err error, summary, notFound string) error {
	status, body := failure(err, summary, notFound)
	if status >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "path", c.Path(), "status", status, "err", err)
	}
	return c.Status(status).JSON(body)
}

// handleError renders errors returned by handlers and middleware.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}
