package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
	"github.com/cloaklabs/confide-mcp/internal/oracle"
)

// contextSubmitResponse is the context.submit tool payload.
type contextSubmitResponse struct {
	ContextID uint64 `json:"context_id"`
	Tokens    int    `json:"tokens"`
}

// contextGetResponse is the context.get tool payload.
type contextGetResponse struct {
	ContextID       uint64    `json:"context_id"`
	EncryptedTokens []string  `json:"encrypted_tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

func (ms *MCPServer) handleContextSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tokens, errResult := ciphertextHandles(request, "tokens")
	if errResult != nil {
		return errResult, nil
	}

	id, err := ms.protocol.SubmitContext(ctx, user, tokens)
	if err != nil {
		ms.audit.LogCommand(AuditEntry{
			User: user, Command: toolContextSubmit, Outcome: "error", Error: err.Error(),
			Arguments: map[string]any{"tokens": len(tokens)},
		})
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.audit.LogCommand(AuditEntry{
		User: user, Command: toolContextSubmit, Outcome: "ok",
		ContextID: uint64(id),
		Arguments: map[string]any{"tokens": len(tokens)},
	})

	payload, err := json.Marshal(contextSubmitResponse{ContextID: uint64(id), Tokens: len(tokens)})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (ms *MCPServer) handleContextGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireInt("context_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := ms.entities.GetContext(ctx, storage.ContextID(id))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp := contextGetResponse{
		ContextID:       uint64(rec.ID),
		EncryptedTokens: handleStrings(rec.EncryptedTokens),
		CreatedAt:       rec.CreatedAt,
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// ciphertextHandles extracts a required string-array argument as opaque
// ciphertext handles. An empty array is a valid sequence.
func ciphertextHandles(request mcp.CallToolRequest, key string) ([]oracle.CiphertextHandle, *mcp.CallToolResult) {
	args := request.GetArguments()
	raw, ok := args[key]
	if !ok {
		return nil, mcp.NewToolResultError(key + " is required")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, mcp.NewToolResultError(key + " must be an array of strings")
	}

	tokens := make([]oracle.CiphertextHandle, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, mcp.NewToolResultError(key + " must contain only strings")
		}
		tokens = append(tokens, oracle.CiphertextHandle(s))
	}
	return tokens, nil
}

func handleStrings(handles []oracle.CiphertextHandle) []string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = string(h)
	}
	return out
}
