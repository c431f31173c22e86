package coordinator

import (
	"go.uber.org/zap"

	"github.com/mark3labs/mcp-go/server"
)

// eventNotificationMethod is the MCP notification method protocol events are
// delivered under.
const eventNotificationMethod = "notifications/completions/event"

// EventNotifier forwards protocol events to connected MCP clients. It is the
// client-facing counterpart of the audit subscriber: the asynchronous
// completion-generated and completion-revealed results reach the caller
// through it, since the originating tool call only returned a request handle.
//
// Delivery is decoupled from the publisher through a drop-when-full channel,
// so a slow transport cannot stall a protocol operation; the drop count is
// surfaced via pending.list.
type EventNotifier struct {
	sub    *ChannelSubscriber
	server *server.MCPServer
	logger *zap.Logger

	quit chan struct{}
	done chan struct{}
}

// NewEventNotifier creates a notifier bound to the MCP server and starts its
// delivery loop.
func NewEventNotifier(srv *server.MCPServer, logger *zap.Logger) *EventNotifier {
	n := &EventNotifier{
		sub:    NewChannelSubscriber(64, logger),
		server: srv,
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify implements EventSubscriber.
func (n *EventNotifier) Notify(ev Event) {
	n.sub.Notify(ev)
}

// Dropped returns how many events were discarded because the delivery channel
// was full.
func (n *EventNotifier) Dropped() int {
	return n.sub.Dropped()
}

// Close stops the delivery loop. Events still queued are discarded.
func (n *EventNotifier) Close() {
	close(n.quit)
	<-n.done
}

func (n *EventNotifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.quit:
			return
		case ev := <-n.sub.C:
			n.send(ev)
		}
	}
}

func (n *EventNotifier) send(ev Event) {
	params := map[string]any{
		"type": string(ev.Type),
		"at":   ev.At,
	}
	if ev.User != "" {
		params["user"] = ev.User
	}
	if ev.Recipient != "" {
		params["recipient"] = ev.Recipient
	}
	if ev.ContextID != 0 {
		params["context_id"] = ev.ContextID
	}
	if ev.CompletionID != 0 {
		params["completion_id"] = ev.CompletionID
	}
	if ev.Tokens != nil {
		params["tokens"] = ev.Tokens
	}
	if ev.Handle != "" {
		params["handle"] = ev.Handle
	}
	if ev.Reason != "" {
		params["reason"] = ev.Reason
	}

	n.server.SendNotificationToAllClients(eventNotificationMethod, params)
	n.logger.Debug("event notification sent",
		zap.String("type", string(ev.Type)),
	)
}
