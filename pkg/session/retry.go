package session

import (
	"context"
	"errors"
	"net"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-driver/pkg/graph"
	"github.com/orneryd/nornicdb-driver/pkg/protocol"
	"github.com/orneryd/nornicdb-driver/pkg/throttle"
	"github.com/orneryd/nornicdb-driver/pkg/transport"
)

// ExecuteWithRetry is ExecuteContinuous under the configured retry policy.
//
// Only a request that delivered nothing is retried, and each attempt uses a
// fresh handler. Once the first page is returned the caller owns the
// request; later failures surface from FetchNextPage unchanged.
func (s *Session) ExecuteWithRetry(ctx context.Context, stmt graph.Statement) (*graph.AsyncResultSet, error) {
	policy := s.cfg.Retry
	if policy.MaxRetries <= 0 {
		return s.ExecuteContinuous(ctx, stmt)
	}

	backoff := retry.NewExponential(policy.BaseDelay)
	if policy.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(policy.MaxDelay, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(policy.MaxRetries), backoff)

	attempt := 0
	var rs *graph.AsyncResultSet
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var err error
		rs, err = s.ExecuteContinuous(ctx, stmt)
		if err == nil {
			return nil
		}
		if ShouldRetry(err) {
			s.log.Debug("retrying request", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		s.log.Warn("request failed", zap.Int("attempts", attempt), zap.Error(err))
		return nil, err
	}
	return rs, nil
}

// ShouldRetry reports whether a request that failed with err before
// delivering anything may be sent again: the node was unreachable or
// overloaded, or the throttler turned the request away.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, throttle.ErrAdmissionRejected) || errors.Is(err, transport.ErrClosed) {
		return true
	}
	var nodeErr *protocol.NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr.Code == protocol.CodeUnavailable || nodeErr.Code == protocol.CodeOverloaded
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
