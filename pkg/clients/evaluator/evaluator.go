// Package evaluator is the HTTP client of the AI-evaluation service.
package evaluator

import (
	"context"
	"net/http"

	"github.com/prflow/prflow/pkg/clients"
	"github.com/prflow/prflow/pkg/engine"
	"github.com/prflow/prflow/pkg/schema"
)

// Client implements engine.Evaluator over POST /v1/evaluations.
type Client struct {
	http *clients.Client
}

// New creates an evaluation client.
func New(cfg clients.Config, opts ...clients.Option) (*Client, error) {
	hc, err := clients.New("evaluator", cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{http: hc}, nil
}

type evaluationRequest struct {
	SnapshotID string `json:"snapshot_id"`
	Criteria   string `json:"criteria"`
}

// Evaluate asks the service to judge the snapshot against criteria.
func (c *Client) Evaluate(ctx context.Context, snapshotID, criteria string) (engine.Evaluation, error) {
	var eval engine.Evaluation
	err := c.http.Do(ctx, http.MethodPost, "/v1/evaluations", evaluationRequest{
		SnapshotID: snapshotID,
		Criteria:   criteria,
	}, schema.Evaluation, &eval)
	if err != nil {
		return engine.Evaluation{}, err
	}
	return eval, nil
}

var _ engine.Evaluator = (*Client)(nil)
