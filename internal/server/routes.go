package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/antonkrylov/cudash/internal/containeruse"
	"github.com/antonkrylov/cudash/internal/events"
	"github.com/antonkrylov/cudash/internal/terminal"
)

func (s *Server) routes(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/health", s.health)
	api.Get("/environments", s.listEnvironments)
	api.Post("/environments/actions", s.environmentAction)
	api.Get("/environments/:id", s.getEnvironment)
	api.Get("/environments/:id/log", s.environmentLog)
	api.Get("/environments/:id/logs", s.environmentLog)
	api.Get("/environments/:id/diff", s.environmentDiff)
	api.Get("/git/branches", s.gitBranches)
	api.Get("/files", s.listFiles)
	api.Get("/files/content", s.fileContent)
	api.Get("/sessions", s.listSessions)
	api.Delete("/sessions/:id", s.closeSession)
	api.Get("/history/sessions", s.sessionHistory)
	api.Get("/activity", s.activity)

	ws := app.Group("/ws", upgradeOnly)
	ws.Get("/terminal", websocket.New(s.plainTerminal))
	ws.Get("/activity", websocket.New(s.streamActivity))
	ws.Get("/environments/watch", websocket.New(s.watchEnvironments))
	ws.Get("/environments/:id/:verb", websocket.New(s.environmentSession))
}

// param copies a route parameter out of fiber's reusable buffers.
func param(c *fiber.Ctx, name string) string {
	return strings.Clone(c.Params(name))
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(healthResponse{Status: "ok", Version: s.cfg.Version, Sessions: s.sessions.Len()})
}

func (s *Server) listEnvironments(c *fiber.Ctx) error {
	envs, err := s.cu.List(c.UserContext())
	if errors.Is(err, containeruse.ErrNotRepository) {
		s.logger.Debug("work dir is not a git repository", "dir", s.cfg.WorkDir)
		return c.JSON(envs)
	}
	if err != nil {
		return s.fail(c, err, "Failed to run 'container-use list'", "")
	}
	return c.JSON(envs)
}

func (s *Server) getEnvironment(c *fiber.Ctx) error {
	id := param(c, "id")
	env, err := s.cu.Get(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err, "Failed to look up environment", fmt.Sprintf("Environment '%s' not found", id))
	}
	return c.JSON(env)
}

type outputResponse struct {
	EnvironmentID string `json:"environmentId"`
	Output        string `json:"output"`
}

func (s *Server) environmentLog(c *fiber.Ctx) error {
	id := param(c, "id")
	out, err := s.cu.Log(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err, fmt.Sprintf("Failed to get logs for environment '%s'", id), fmt.Sprintf("Environment '%s' not found", id))
	}
	return c.JSON(outputResponse{EnvironmentID: id, Output: out})
}

func (s *Server) environmentDiff(c *fiber.Ctx) error {
	id := param(c, "id")
	out, err := s.cu.Diff(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err, fmt.Sprintf("Failed to get diff for environment '%s'", id), fmt.Sprintf("Environment '%s' not found", id))
	}
	return c.JSON(outputResponse{EnvironmentID: id, Output: out})
}

type actionRequest struct {
	Action        string `json:"action"`
	EnvironmentID string `json:"environment_id"`
}

func (s *Server) environmentAction(c *fiber.Ctx) error {
	var req actionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "Invalid request body", Detail: err.Error()})
	}
	if strings.TrimSpace(req.Action) == "" || strings.TrimSpace(req.EnvironmentID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "Action and environment_id are required"})
	}
	action, err := containeruse.ParseAction(req.Action)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "Invalid action", Detail: err.Error()})
	}

	res, err := s.cu.Do(c.UserContext(), action, req.EnvironmentID)
	ev := events.Event{
		Type:          events.EnvironmentAction,
		Time:          time.Now().UTC(),
		Action:        string(action),
		EnvironmentID: req.EnvironmentID,
	}
	if err != nil {
		ev.Error = err.Error()
		s.events.Publish(ev)
		return s.fail(c, err,
			fmt.Sprintf("Failed to execute '%s' on environment '%s'", action, req.EnvironmentID),
			fmt.Sprintf("Environment '%s' not found", req.EnvironmentID))
	}
	s.events.Publish(ev)
	s.logger.Info("environment action", "action", action, "environment", req.EnvironmentID)
	return c.JSON(res)
}

func (s *Server) gitBranches(c *fiber.Ctx) error {
	branches, err := s.repo.Branches(c.UserContext())
	if err != nil {
		return s.fail(c, err, "Failed to list git branches", "")
	}
	return c.JSON(branches)
}

func (s *Server) listFiles(c *fiber.Ctx) error {
	entries, err := s.tree.List(c.Query("path"))
	if err != nil {
		return s.fail(c, err, "Failed to list directory", "")
	}
	return c.JSON(entries)
}

func (s *Server) fileContent(c *fiber.Ctx) error {
	path := c.Query("path")
	if strings.TrimSpace(path) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "path is required"})
	}
	content, err := s.tree.Read(path, int64(c.QueryInt("limit", 0)))
	if err != nil {
		return s.fail(c, err, "Failed to read file", "")
	}
	return c.JSON(content)
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	return c.JSON(s.sessions.List())
}

func (s *Server) closeSession(c *fiber.Ctx) error {
	if err := s.sessions.Close(param(c, "id")); err != nil {
		return s.fail(c, err, "Failed to close session", "")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) sessionHistory(c *fiber.Ctx) error {
	return c.JSON(s.history.Sessions())
}

func (s *Server) activity(c *fiber.Ctx) error {
	return c.JSON(s.history.Activity(c.QueryInt("limit", 100)))
}

var sessionVerbs = map[string]bool{"log": true, "diff": true}

func init() {
	for _, a := range containeruse.Actions {
		sessionVerbs[string(a)] = true
	}
}

// intentFor maps the verb segment of /ws/environments/:id/:verb.
func intentFor(id, verb string) (terminal.Intent, error) {
	if strings.TrimSpace(id) == "" {
		return nil, containeruse.ErrEnvironmentIDRequired
	}
	if verb == "terminal" {
		return terminal.Terminal{EnvironmentID: id}, nil
	}
	if sessionVerbs[verb] {
		return terminal.Verb{Name: verb, EnvironmentID: id}, nil
	}
	return nil, fmt.Errorf("unknown session command %q", verb)
}
