// Package mcpserver exposes the bisect engine over the Model Context
// Protocol. It serves on stdio so agent hosts can spawn the binary directly
// and call bisection as tools; every call passes through the same
// validation pipeline as the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/repoprobe/repoprobe/internal/jobs"
	"github.com/repoprobe/repoprobe/internal/repocache"
	"github.com/repoprobe/repoprobe/internal/validate"
)

// BisectService is the slice of the job engine exposed as tools.
type BisectService interface {
	Submit(ctx context.Context, req jobs.Request) (*jobs.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	List(ctx context.Context) ([]jobs.Job, error)
}

// RepoService is the slice of the clone cache exposed as tools.
type RepoService interface {
	Obtain(ctx context.Context, url string) (*repocache.Repo, error)
	List() ([]repocache.Repo, error)
}

// URLChecker screens repository URLs before they reach the clone cache.
type URLChecker interface {
	ValidateURL(raw string) (*validate.SafeURL, error)
}

// Server wraps an MCP server with the bisection tool set.
type Server struct {
	mcp       *server.MCPServer
	engine    BisectService
	repos     RepoService
	validator URLChecker
	logger    *slog.Logger
}

// New creates an MCP server exposing bisect_submit, bisect_status,
// bisect_list, and repo_refresh. repos may be nil to disable the cache tool.
func New(engine BisectService, repos RepoService, validator URLChecker, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp:       server.NewMCPServer("repoprobe", version, server.WithToolCapabilities(false)),
		engine:    engine,
		repos:     repos,
		validator: validator,
		logger:    logger,
	}

	s.mcp.AddTool(mcp.NewTool("bisect_submit",
		mcp.WithDescription("Start an asynchronous git bisect job. Returns the job ID immediately; poll bisect_status for the result."),
		mcp.WithString("repo_url", mcp.Required(), mcp.Description("HTTPS URL of the repository to bisect")),
		mcp.WithString("test_command", mcp.Required(), mcp.Description("Shell command that exits 0 on a good commit and non-zero on a bad one")),
		mcp.WithString("bad_commit", mcp.Required(), mcp.Description("Known-bad commit hash, tag, or ref")),
		mcp.WithString("good_commit", mcp.Required(), mcp.Description("Known-good commit hash, tag, or ref")),
	), s.handleSubmit)

	s.mcp.AddTool(mcp.NewTool("bisect_status",
		mcp.WithDescription("Get the current status, progress, and result of a bisect job."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID returned by bisect_submit")),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool("bisect_list",
		mcp.WithDescription("List all bisect jobs and their statuses."),
	), s.handleList)

	if repos != nil {
		s.mcp.AddTool(mcp.NewTool("repo_refresh",
			mcp.WithDescription("Clone a repository into the cache, or fetch the latest commits if it is already cached."),
			mcp.WithString("repo_url", mcp.Required(), mcp.Description("HTTPS URL of the repository")),
		), s.handleRepoRefresh)
	}

	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repoURL, err := request.RequireString("repo_url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	testCommand, err := request.RequireString("test_command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	badCommit, err := request.RequireString("bad_commit")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	goodCommit, err := request.RequireString("good_commit")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, err := s.engine.Submit(ctx, jobs.Request{
		RepoURL:     repoURL,
		TestCommand: testCommand,
		BadCommit:   badCommit,
		GoodCommit:  goodCommit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission rejected: %v", err)), nil
	}

	s.logger.Info("mcp bisect job accepted", slog.String("job_id", job.ID.String()))
	return jsonResult(map[string]string{
		"job_id": job.ID.String(),
		"status": string(job.Status),
	})
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return mcp.NewToolResultError("invalid job ID"), nil
	}

	job, err := s.engine.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError("job not found"), nil
	}
	return jsonResult(job)
}

func (s *Server) handleList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.engine.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing jobs: %v", err)), nil
	}

	// Strip logs; tool output should stay small.
	for i := range list {
		list[i].Logs = ""
	}
	return jsonResult(list)
}

func (s *Server) handleRepoRefresh(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repoURL, err := request.RequireString("repo_url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.validator != nil {
		if _, err := s.validator.ValidateURL(repoURL); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	repo, err := s.repos.Obtain(ctx, repoURL)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("refresh failed: %v", err)), nil
	}
	return jsonResult(map[string]string{
		"repo_url":   repo.URL,
		"key":        repo.Key,
		"updated_at": repo.UpdatedAt.String(),
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
