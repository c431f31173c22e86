package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
)

// asyncRequestResponse is returned by the two asynchronous commands. The
// result arrives later through the oracle callback and is announced via
// notifications; the handle lets operators match it in pending.list.
type asyncRequestResponse struct {
	Status        string `json:"status"`
	RequestHandle string `json:"request_handle"`
	Message       string `json:"message"`
}

// completionGetResponse is the completion.get tool payload.
type completionGetResponse struct {
	CompletionID     uint64    `json:"completion_id"`
	ContextID        uint64    `json:"context_id"`
	CompletionTokens []string  `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

func (ms *MCPServer) handleCompletionRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	handle, err := ms.protocol.RequestCompletion(ctx, user)
	if err != nil {
		ms.audit.LogCommand(AuditEntry{
			User: user, Command: toolCompletionRequest, Outcome: "error", Error: err.Error(),
		})
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.audit.LogCommand(AuditEntry{
		User: user, Command: toolCompletionRequest, Outcome: "ok", Handle: string(handle),
	})

	payload, err := json.Marshal(asyncRequestResponse{
		Status:        "pending",
		RequestHandle: string(handle),
		Message:       "completion generation requested; result will arrive via callback",
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (ms *MCPServer) handleCompletionAssign(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := request.RequireInt("completion_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := ms.protocol.AssignCompletion(ctx, user, storage.CompletionID(id)); err != nil {
		ms.audit.LogCommand(AuditEntry{
			User: user, Command: toolCompletionAssign, Outcome: "error", Error: err.Error(),
			CompletionID: uint64(id),
		})
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.audit.LogCommand(AuditEntry{
		User: user, Command: toolCompletionAssign, Outcome: "ok", CompletionID: uint64(id),
	})
	return mcp.NewToolResultText(fmt.Sprintf("completion %d assigned to session of %s", id, user)), nil
}

func (ms *MCPServer) handleCompletionReveal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	handle, err := ms.protocol.RequestCompletionDecryption(ctx, user)
	if err != nil {
		ms.audit.LogCommand(AuditEntry{
			User: user, Command: toolCompletionReveal, Outcome: "error", Error: err.Error(),
		})
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.audit.LogCommand(AuditEntry{
		User: user, Command: toolCompletionReveal, Outcome: "ok", Handle: string(handle),
	})

	payload, err := json.Marshal(asyncRequestResponse{
		Status:        "pending",
		RequestHandle: string(handle),
		Message:       "completion reveal requested; tokens will arrive via callback",
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (ms *MCPServer) handleCompletionGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireInt("completion_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := ms.entities.GetCompletion(ctx, storage.CompletionID(id))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp := completionGetResponse{
		CompletionID:     uint64(rec.ID),
		ContextID:        uint64(rec.ContextID),
		CompletionTokens: handleStrings(rec.CompletionTokens),
		CreatedAt:        rec.CreatedAt,
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}
