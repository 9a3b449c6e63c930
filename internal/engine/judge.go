package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arbitergames/arbiter-server-go/internal/ops"
	"github.com/arbitergames/arbiter-server-go/internal/ruleset"
	"github.com/arbitergames/arbiter-server-go/internal/state"
	"go.uber.org/zap"
)

// JudgeRequest is the payload handed to the external judge for one step. The
// state and player list are presented in aliased form only; the judge never
// sees canonical identifiers.
type JudgeRequest struct {
	SessionID    string                `json:"sessionId"`
	Instructions *ruleset.Instructions `json:"instructions"`
	AliasedState state.Tree            `json:"state"`
	Aliases      []string              `json:"players"`
}

// JudgeResult is the judge's answer: operations to fold into the step (alias
// addressed), an optional public message, and optional per-alias private
// messages.
type JudgeResult struct {
	StateDelta      []ops.Operation   `json:"stateDelta"`
	PublicMessage   string            `json:"publicMessage,omitempty"`
	PrivateMessages map[string]string `json:"privateMessages,omitempty"`
}

// Judge resolves the non-deterministic portion of a step. The engine treats
// it as a synchronous request/response collaborator: one call per step,
// retries and prompting are the collaborator's responsibility.
type Judge interface {
	Resolve(ctx context.Context, req JudgeRequest) (*JudgeResult, error)
}

// NullJudge is a stub judge that logs the directive and resolves nothing.
// Used for tests and for rule sets whose steps are fully deterministic.
type NullJudge struct {
	logger *zap.Logger
}

// NewNullJudge creates a new null judge.
func NewNullJudge(logger *zap.Logger) *NullJudge {
	return &NullJudge{logger: logger}
}

// Resolve returns an empty delta.
func (n *NullJudge) Resolve(_ context.Context, req JudgeRequest) (*JudgeResult, error) {
	if n.logger != nil {
		n.logger.Info("null judge resolved step",
			zap.String("session_id", req.SessionID),
			zap.String("directive", req.Instructions.JudgeDirective),
			zap.Int("players", len(req.Aliases)),
		)
	}
	return &JudgeResult{}, nil
}

// HTTPJudge calls an external resolution endpoint with the JudgeRequest as
// JSON and decodes a JudgeResult. The endpoint wraps the actual LLM call;
// model selection, prompting and retry policy live there.
type HTTPJudge struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPJudge creates a judge client for the given endpoint.
func NewHTTPJudge(url string, timeout time.Duration, logger *zap.Logger) *HTTPJudge {
	return &HTTPJudge{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Resolve posts the request and decodes the judge's answer.
func (j *HTTPJudge) Resolve(ctx context.Context, req JudgeRequest) (*JudgeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode judge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build judge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := j.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call judge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("judge returned status %d: %s", resp.StatusCode, string(payload))
	}

	var result JudgeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode judge result: %w", err)
	}

	if j.logger != nil {
		j.logger.Debug("judge resolved step",
			zap.String("session_id", req.SessionID),
			zap.Duration("latency", time.Since(start)),
			zap.Int("delta_ops", len(result.StateDelta)),
		)
	}
	return &result, nil
}
