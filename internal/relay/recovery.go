package relay

import (
	"context"

	"github.com/danmuck/tlvrelay/internal/consumer"
	"github.com/rs/zerolog/log"
)

// RecoveryHandler receives every recovery request the relay detects. A
// replay adapter answers it out of band and then calls
// Relay.MarkRecoveryCompleted. HandleRecovery runs on the consumer's
// delivery goroutine and must not block for long.
type RecoveryHandler interface {
	HandleRecovery(ctx context.Context, req consumer.RecoveryRequest)
}

type RecoveryHandlerFunc func(ctx context.Context, req consumer.RecoveryRequest)

func (f RecoveryHandlerFunc) HandleRecovery(ctx context.Context, req consumer.RecoveryRequest) {
	f(ctx, req)
}

// LogRecoveryHandler only records the request. The relay keeps no history,
// so without an adapter the consumer is left to resync from the notice.
type LogRecoveryHandler struct{}

func (LogRecoveryHandler) HandleRecovery(_ context.Context, req consumer.RecoveryRequest) {
	log.Info().
		Str("domain", req.Domain.String()).
		Str("consumer", req.ConsumerID).
		Uint64("start_sequence", req.Start).
		Uint64("end_sequence", req.End).
		Uint64("missing", req.Missing()).
		Str("request_type", req.Kind.String()).
		Msg("relay.recovery requested")
}
