package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/gwlink/internal/metrics"
	"github.com/chronologos/gwlink/internal/pending"
	"github.com/chronologos/gwlink/internal/protocol"
)

type callResult struct {
	value json.RawMessage
	err   error
}

// Call invokes method on the gateway and waits for its response.
//
// params is marshaled to JSON; nil sends no params. It fails with
// ErrNotConnected, without touching the socket, unless the transport is
// connected and handshaken. An error response is returned as the
// *protocol.RPCError the gateway sent. Calls in flight when the connection
// drops fail with ErrConnectionClosed. Cancelling ctx abandons the call;
// a late response is then dropped.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := t.tracer.Start(ctx, "gateway.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
	defer span.End()

	start := time.Now()
	result, outcome, err := t.call(ctx, method, params)
	t.metrics.RPCCall(method, outcome, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("rpc.outcome", outcome))
	}
	return result, err
}

func (t *Transport) call(ctx context.Context, method string, params any) (json.RawMessage, string, error) {
	req := &protocol.Request{ID: t.cfg.NewRequestID(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, metrics.OutcomeSendFailed, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	frame, err := protocol.Encode(req)
	if err != nil {
		return nil, metrics.OutcomeSendFailed, fmt.Errorf("encode request: %w", err)
	}

	// Registration happens under the lock that checks the status, so a
	// concurrent teardown either sees this entry or happened before it.
	t.mu.Lock()
	if t.state.Status != StatusConnected || !t.handshaken || t.sock == nil {
		t.mu.Unlock()
		return nil, metrics.OutcomeNotConnected, ErrNotConnected
	}
	sock := t.sock
	ch := make(chan callResult, 1)
	added := t.pending.Set(req.ID, pending.Request[json.RawMessage]{
		Resolve: func(v json.RawMessage) { ch <- callResult{value: v} },
		Reject:  func(err error) { ch <- callResult{err: err} },
	})
	t.mu.Unlock()
	if !added {
		return nil, metrics.OutcomeSendFailed, fmt.Errorf("%w: %q", ErrDuplicateRequestID, req.ID)
	}

	if err := sock.Send(protocol.MsgText, frame); err != nil {
		t.log.Debug("request send failed", "method", method, "id", req.ID, "err", err)
		t.pending.Reject(req.ID, fmt.Errorf("send request: %w", err))
	}

	select {
	case res := <-ch:
		return res.value, outcomeOf(res.err), res.err
	case <-ctx.Done():
		if t.pending.Delete(req.ID) {
			return nil, metrics.OutcomeCancelled, ctx.Err()
		}
		// Settled concurrently; its continuation is about to deliver.
		res := <-ch
		return res.value, outcomeOf(res.err), res.err
	}
}

func outcomeOf(err error) string {
	var rpcErr *protocol.RPCError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &rpcErr):
		return metrics.OutcomeRPCError
	case errors.Is(err, ErrConnectionClosed):
		return metrics.OutcomeClosed
	default:
		return metrics.OutcomeSendFailed
	}
}

// SendBinary writes one raw binary frame. Frames are dropped, not queued,
// unless the socket is open and handshaken.
func (t *Transport) SendBinary(frame []byte) {
	t.mu.Lock()
	sock := t.sock
	ready := sock != nil && t.sockOpen && t.handshaken
	t.mu.Unlock()

	if !ready {
		t.log.Debug("dropping outbound binary frame", "bytes", len(frame))
		return
	}
	if err := sock.Send(protocol.MsgBinary, frame); err != nil {
		t.log.Debug("binary send failed", "err", err)
		return
	}
	t.metrics.BinaryFrame(metrics.DirectionOut)
}
