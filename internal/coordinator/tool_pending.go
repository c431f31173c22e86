package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// pendingEntry is one outstanding oracle request in the pending.list payload.
type pendingEntry struct {
	Handle       string    `json:"handle"`
	Kind         string    `json:"kind"`
	TargetID     uint64    `json:"target_id"`
	Recipient    string    `json:"recipient"`
	RegisteredAt time.Time `json:"registered_at"`
}

// pendingListResponse is the pending.list tool payload. DroppedNotifications
// counts client notifications discarded under backpressure, so operators can
// tell when an "awaited" result was in fact announced and lost.
type pendingListResponse struct {
	Pending              []pendingEntry `json:"pending"`
	DroppedNotifications int            `json:"dropped_notifications"`
}

func (ms *MCPServer) handlePendingList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending := ms.correlator.Pending()

	entries := make([]pendingEntry, 0, len(pending))
	for _, pr := range pending {
		entries = append(entries, pendingEntry{
			Handle:       string(pr.Handle),
			Kind:         string(pr.Kind),
			TargetID:     pr.TargetID,
			Recipient:    pr.Recipient,
			RegisteredAt: pr.RegisteredAt,
		})
	}

	payload, err := json.Marshal(pendingListResponse{
		Pending:              entries,
		DroppedNotifications: ms.notifier.Dropped(),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}
