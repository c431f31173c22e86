package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/cloaklabs/confide-mcp/internal/oracle"
)

// CallbackEndpoint is the inbound surface handed to the oracle capability.
// It absorbs protocol-level failures: a rejected callback is logged and
// recorded as an event, never surfaced back to the oracle, since a failed
// callback cannot be retried under the same handle anyway.
type CallbackEndpoint struct {
	protocol *CompletionProtocol
	logger   *zap.Logger
}

// NewCallbackEndpoint creates the callback surface for a protocol instance.
func NewCallbackEndpoint(protocol *CompletionProtocol, logger *zap.Logger) *CallbackEndpoint {
	return &CallbackEndpoint{
		protocol: protocol,
		logger:   logger,
	}
}

// OnCompletionReady implements oracle.CallbackSink.
func (ce *CallbackEndpoint) OnCompletionReady(
	ctx context.Context,
	handle oracle.RequestHandle,
	cleartext, proof []byte,
) error {
	if _, err := ce.protocol.OnCompletionReady(ctx, handle, cleartext, proof); err != nil {
		ce.logger.Warn("completion-ready callback discarded",
			zap.String("handle", string(handle)),
			zap.Error(err),
		)
	}
	return nil
}

// OnCompletionDecrypted implements oracle.CallbackSink.
func (ce *CallbackEndpoint) OnCompletionDecrypted(
	ctx context.Context,
	handle oracle.RequestHandle,
	cleartext, proof []byte,
) error {
	if _, err := ce.protocol.OnCompletionDecrypted(ctx, handle, cleartext, proof); err != nil {
		ce.logger.Warn("completion-decrypted callback discarded",
			zap.String("handle", string(handle)),
			zap.Error(err),
		)
	}
	return nil
}
