// Package codegen is the HTTP client of the code-generation service.
//
// The service plans and writes changes, opens the pull request for a coding
// run and merges it on request:
//
//	POST /v1/runs            start a plan or code run
//	GET  /v1/runs/{id}       poll a run
//	POST /v1/merges          merge a pull request
package codegen

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/prflow/prflow/pkg/clients"
	"github.com/prflow/prflow/pkg/engine"
	"github.com/prflow/prflow/pkg/schema"
)

// Client implements engine.CodeGenerator and engine.Merger.
type Client struct {
	http *clients.Client
}

// New creates a code-generation client.
func New(cfg clients.Config, opts ...clients.Option) (*Client, error) {
	hc, err := clients.New("codegen", cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{http: hc}, nil
}

// CreateRun starts a planning or coding run.
func (c *Client) CreateRun(ctx context.Context, req engine.RunRequest) (engine.RunHandle, error) {
	var handle engine.RunHandle
	if err := c.http.Do(ctx, http.MethodPost, "/v1/runs", req, schema.RunHandle, &handle); err != nil {
		return engine.RunHandle{}, err
	}
	return handle, nil
}

// GetRunStatus returns the current status of a run.
func (c *Client) GetRunStatus(ctx context.Context, runID string) (engine.RunStatus, error) {
	if runID == "" {
		return engine.RunStatus{}, engine.NewFatalError(engine.ErrorKindContextCorrupted, "run id is required", nil)
	}
	var status engine.RunStatus
	path := "/v1/runs/" + url.PathEscape(runID)
	if err := c.http.Do(ctx, http.MethodGet, path, nil, schema.RunStatus, &status); err != nil {
		return engine.RunStatus{}, err
	}
	if status.RunID != runID {
		return engine.RunStatus{}, engine.NewPermanentError(engine.ErrorKindSchemaMismatch,
			fmt.Sprintf("asked for run %s, got %s", runID, status.RunID), nil)
	}
	return status, nil
}

type mergeRequest struct {
	Repository string `json:"repository"`
	PRNumber   int    `json:"pr_number"`
}

// Merge merges the pull request.
func (c *Client) Merge(ctx context.Context, repository string, prNumber int) error {
	if prNumber <= 0 {
		return engine.NewFatalError(engine.ErrorKindContextCorrupted, "pull request number is required", nil)
	}
	return c.http.Do(ctx, http.MethodPost, "/v1/merges", mergeRequest{
		Repository: repository,
		PRNumber:   prNumber,
	}, "", nil)
}

var (
	_ engine.CodeGenerator = (*Client)(nil)
	_ engine.Merger        = (*Client)(nil)
)
