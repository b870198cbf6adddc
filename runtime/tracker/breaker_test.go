package tracker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ashep/runtime/tracker"
)

type stubGateway struct {
	tracker.Gateway
	listReadyErr error
	calls        int
}

func (s *stubGateway) ListReady(context.Context) ([]*tracker.Issue, error) {
	s.calls++
	return nil, s.listReadyErr
}

func TestBreakerGateway_TripsOnConsecutiveTransientFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stub := &stubGateway{listReadyErr: &tracker.ErrUnavailable{Err: errors.New("dial tcp: refused")}}
	bg := tracker.NewBreakerGateway(stub, tracker.BreakerOptions{MaxFailures: 2})

	_, err := bg.ListReady(ctx)
	require.Error(t, err)
	_, err = bg.ListReady(ctx)
	require.Error(t, err)

	// Breaker should now be open; the call must fail fast without reaching
	// the wrapped gateway.
	callsBefore := stub.calls
	_, err = bg.ListReady(ctx)
	require.Error(t, err)
	require.Equal(t, callsBefore, stub.calls, "open breaker must short-circuit the wrapped gateway")

	var unavail *tracker.ErrUnavailable
	require.ErrorAs(t, err, &unavail)
}

func TestBreakerGateway_ProtocolErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stub := &stubGateway{listReadyErr: &tracker.ErrProtocol{Err: errors.New("malformed response")}}
	bg := tracker.NewBreakerGateway(stub, tracker.BreakerOptions{MaxFailures: 2})

	for i := 0; i < 5; i++ {
		_, err := bg.ListReady(ctx)
		require.Error(t, err)
		var protoErr *tracker.ErrProtocol
		require.ErrorAs(t, err, &protoErr, "permanent errors must pass through unchanged, never as ErrUnavailable")
	}
	require.Equal(t, 5, stub.calls, "protocol errors must not trip the breaker open")
}
