package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dshills/receiptscout/internal/retrieval"
	"github.com/dshills/receiptscout/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams  = -32602 // Invalid method parameters
	ErrorCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrorCodeDeliveryFailed = -32001 // Matched receipts could not be sent
)

// handleRetrieveReceipts handles the retrieve_receipts tool invocation
func (s *Server) handleRetrieveReceipts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	payer, ok := args["payer"].(string)
	if !ok || strings.TrimSpace(payer) == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "payer parameter is required", map[string]interface{}{
			"param":  "payer",
			"reason": "missing or empty",
		})
	}
	if err := validateName(payer); err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid payer", map[string]interface{}{
			"param":  "payer",
			"reason": err.Error(),
		})
	}

	payee := getStringDefault(args, "payee", "")
	if strings.TrimSpace(payee) != "" {
		if err := validateName(payee); err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid payee", map[string]interface{}{
				"param":  "payee",
				"reason": err.Error(),
			})
		}
	}

	maxCount := s.retriever.MaxCount()
	count, ok := getIntDefault(args, "count", 1)
	if !ok || count < 1 || count > maxCount {
		return nil, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("count must be an integer between 1 and %d", maxCount), map[string]interface{}{
			"param": "count",
			"value": args["count"],
		})
	}

	backend, err := types.ParseBackend(getStringDefault(args, "backend", ""))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid backend", map[string]interface{}{
			"param":   "backend",
			"value":   args["backend"],
			"allowed": types.AllBackends,
		})
	}

	res, err := s.retriever.Retrieve(ctx, types.Query{
		Backend: backend,
		Payer:   payer,
		Payee:   payee,
		Count:   count,
	})
	switch {
	case err == nil:
	case errors.Is(err, types.ErrInvalidCount), errors.Is(err, types.ErrEmptyPayer), errors.Is(err, types.ErrInvalidBackend):
		return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), nil)
	case errors.Is(err, retrieval.ErrDeliveryFailed):
		return nil, newMCPError(ErrorCodeDeliveryFailed, "delivery failed", map[string]interface{}{
			"request_id": res.RequestID,
			"error":      err.Error(),
		})
	default:
		s.logger.Error("retrieve_receipts failed", zap.String("request_id", res.RequestID), zap.Error(err))
		return nil, newMCPError(ErrorCodeInternalError, "retrieval failed", map[string]interface{}{
			"request_id": res.RequestID,
			"error":      err.Error(),
		})
	}

	return mcp.NewToolResultText(formatJSON(res)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.status.Status(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return mcp.NewToolResultText(formatJSON(st)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// validateName rejects names an operator typed as a number, usually an
// account number or amount pasted into the wrong field
func validateName(name string) error {
	if types.IsNumeric(name) {
		return ErrNumericName
	}
	return nil
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value. ok is
// false when the value is present but not a whole number.
func getIntDefault(args map[string]interface{}, key string, defaultValue int) (int, bool) {
	raw, present := args[key]
	if !present || raw == nil {
		return defaultValue, true
	}
	switch val := raw.(type) {
	case float64:
		if val != math.Trunc(val) {
			return 0, false
		}
		return int(val), true
	case int:
		return val, true
	default:
		return 0, false
	}
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// Validation errors
var (
	ErrNumericName = errors.New("name must not be a number")
)
