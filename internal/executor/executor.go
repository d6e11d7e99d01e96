// ABOUTME: Executor is the single entry point for running user tool calls.
// ABOUTME: It checks quota, dispatches through the registry, and records every attempt.

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolhost/internal/registry"
	"github.com/2389/toolhost/internal/store"
)

// CallRequest identifies one tool invocation on behalf of a user.
type CallRequest struct {
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments"`
	ServerID  string         `json:"mcpServerId"`
}

// Result is the envelope every execution produces, success or not.
// ExecutionTimeMS is absent on calls denied before execution started.
type Result struct {
	Success         bool            `json:"success"`
	ToolName        string          `json:"toolName"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"executionTimeMs,omitempty"`
}

// ToolRunner is the slice of the registry the executor depends on.
type ToolRunner interface {
	UserTools(ctx context.Context, userID string) ([]registry.UserTool, error)
	ExecuteTool(ctx context.Context, userID, configID, toolName string, args map[string]any) (json.RawMessage, error)
}

// QuotaLimiter is the slice of the rate limiter the executor depends on.
type QuotaLimiter interface {
	Limit() int
	Check(ctx context.Context, userID, configID string) (allowed bool, remaining int)
	Record(ctx context.Context, rec *store.ToolCallRecord)
}

// Executor runs tool calls with quota enforcement and durable accounting.
type Executor struct {
	registry ToolRunner
	limiter  QuotaLimiter
	logger   *slog.Logger
}

// New creates an executor over the given registry and limiter.
func New(reg ToolRunner, limiter QuotaLimiter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: reg,
		limiter:  limiter,
		logger:   logger.With("component", "executor"),
	}
}

// Execute runs one tool call end to end. It never returns an error: quota
// denials, lookup failures, timeouts, and remote tool errors all come back
// as a Result with Success false and the failure text in Error. Every
// executed attempt is recorded for quota accounting whether it succeeded
// or not; denied calls are not recorded since no execution happened.
func (e *Executor) Execute(ctx context.Context, userID string, req *CallRequest) *Result {
	allowed, remaining := e.limiter.Check(ctx, userID, req.ServerID)
	if !allowed {
		e.logger.Warn("rate limit exceeded",
			"user_id", userID,
			"config_id", req.ServerID,
			"tool", req.ToolName,
			"remaining", remaining)
		return &Result{
			Success:  false,
			ToolName: req.ToolName,
			Error:    fmt.Sprintf("Rate limit exceeded (%d calls/hour). Please try again later.", e.limiter.Limit()),
		}
	}

	start := time.Now()
	raw, err := e.registry.ExecuteTool(ctx, userID, req.ServerID, req.ToolName, req.Arguments)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		e.limiter.Record(ctx, &store.ToolCallRecord{
			UserID:          userID,
			ConfigID:        req.ServerID,
			ToolName:        req.ToolName,
			Success:         false,
			ErrorMessage:    err.Error(),
			ExecutionTimeMS: elapsed,
		})
		e.logger.Error("tool call failed",
			"user_id", userID,
			"config_id", req.ServerID,
			"tool", req.ToolName,
			"duration_ms", elapsed,
			"error", err)
		return &Result{
			Success:         false,
			ToolName:        req.ToolName,
			Error:           err.Error(),
			ExecutionTimeMS: elapsed,
		}
	}

	e.limiter.Record(ctx, &store.ToolCallRecord{
		UserID:          userID,
		ConfigID:        req.ServerID,
		ToolName:        req.ToolName,
		Success:         true,
		ExecutionTimeMS: elapsed,
	})
	e.logger.Info("tool call succeeded",
		"user_id", userID,
		"config_id", req.ServerID,
		"tool", req.ToolName,
		"duration_ms", elapsed)
	return &Result{
		Success:         true,
		ToolName:        req.ToolName,
		Result:          raw,
		ExecutionTimeMS: elapsed,
	}
}

// ListTools returns every tool available to the user, starting the user's
// servers on first use.
func (e *Executor) ListTools(ctx context.Context, userID string) ([]registry.UserTool, error) {
	return e.registry.UserTools(ctx, userID)
}
