// Package pulsehost implements an optional Pulse-backed remote transport for
// the Subprocess Tool Host (spec §4.L): it carries the same Request/Response
// contract toolhost.Engine already serves over stdin/stdout, but over
// Redis-backed Pulse streams, so a caller and its tool host can run on
// different nodes.
//
// The shape mirrors the teacher's registry.ResultStreamManager: a shared
// inbound stream fans requests out to Server instances (via a Pulse consumer
// group), and each request gets its own short-lived result stream that the
// Client tears down once it has read the matching response. Unlike that
// manager, correlation here is a Client-generated RequestID carried in a
// small JSON envelope around toolhost.Request/Response, not a provider
// tool_use_id, and there is no Redis-mapping indirection: the result stream
// name is derived from the RequestID directly, so any Server can address it
// without a lookup.
package pulsehost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/sisegod/machina/toolhost"
)

const (
	// RequestEvent and ResultEvent name the Pulse events carrying the JSON
	// envelopes on the request and result streams respectively.
	RequestEvent = "request"
	ResultEvent  = "result"

	// DefaultTimeout bounds how long Client.Dispatch waits for a result
	// before giving up.
	DefaultTimeout = 30 * time.Second

	// resultStreamMaxLen caps a result stream at a handful of entries: it
	// carries exactly one response before being destroyed.
	resultStreamMaxLen = 4
)

func requestStreamName() string { return "machina:toolhost:requests" }

func resultStreamName(requestID string) string {
	return fmt.Sprintf("machina:toolhost:result:%s", requestID)
}

// requestEnvelope is the JSON payload published to the request stream.
type requestEnvelope struct {
	RequestID string          `json:"request_id"`
	Request   toolhost.Request `json:"request"`
}

// resultEnvelope is the JSON payload published to a per-request result
// stream.
type resultEnvelope struct {
	RequestID string            `json:"request_id"`
	Response  toolhost.Response `json:"response"`
}

// Client submits Requests onto the shared request stream and waits for the
// matching Response on a dedicated result stream it creates per call.
type Client struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewClient wraps rdb as a pulsehost Client. timeout bounds Dispatch calls;
// zero or negative uses DefaultTimeout.
func NewClient(rdb *redis.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{rdb: rdb, timeout: timeout}
}

// Dispatch publishes req and blocks until the matching Response arrives (or
// the client's timeout elapses), mirroring the synchronous contract
// toolhost.Engine.Handle has in-process.
func (c *Client) Dispatch(ctx context.Context, req toolhost.Request) (toolhost.Response, error) {
	requestID := uuid.New().String()

	resultStream, err := streaming.NewStream(resultStreamName(requestID), c.rdb, streamopts.WithStreamMaxLen(resultStreamMaxLen))
	if err != nil {
		return toolhost.Response{}, fmt.Errorf("pulsehost: open result stream: %w", err)
	}
	defer func() { _ = resultStream.Destroy(context.Background()) }()

	sink, err := resultStream.NewSink(ctx, "client")
	if err != nil {
		return toolhost.Response{}, fmt.Errorf("pulsehost: open result sink: %w", err)
	}
	defer func() { _ = sink.Close(ctx) }()

	reqStream, err := streaming.NewStream(requestStreamName(), c.rdb)
	if err != nil {
		return toolhost.Response{}, fmt.Errorf("pulsehost: open request stream: %w", err)
	}

	payload, err := json.Marshal(requestEnvelope{RequestID: requestID, Request: req})
	if err != nil {
		return toolhost.Response{}, fmt.Errorf("pulsehost: marshal request: %w", err)
	}
	if _, err := reqStream.Add(ctx, RequestEvent, payload); err != nil {
		return toolhost.Response{}, fmt.Errorf("pulsehost: publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	events := sink.Subscribe()
	for {
		select {
		case <-timeoutCtx.Done():
			return toolhost.Response{}, fmt.Errorf("pulsehost: wait for result %q: %w", requestID, timeoutCtx.Err())
		case ev, ok := <-events:
			if !ok {
				return toolhost.Response{}, fmt.Errorf("pulsehost: result stream closed for %q", requestID)
			}
			var res resultEnvelope
			if err := json.Unmarshal(ev.Payload, &res); err != nil {
				_ = sink.Ack(ctx, ev)
				continue
			}
			if res.RequestID != requestID {
				_ = sink.Ack(ctx, ev)
				continue
			}
			_ = sink.Ack(ctx, ev)
			return res.Response, nil
		}
	}
}

// Server subscribes to the shared request stream, runs each Request through
// an Engine, and publishes the Response onto the requester's result stream.
type Server struct {
	rdb    *redis.Client
	engine *toolhost.Engine
}

// NewServer wraps engine as a pulsehost Server backed by rdb.
func NewServer(rdb *redis.Client, engine *toolhost.Engine) *Server {
	return &Server{rdb: rdb, engine: engine}
}

// Serve subscribes to the request stream under a Pulse consumer group named
// sinkName (so multiple Server instances can share the load) and processes
// requests until ctx is done.
func (s *Server) Serve(ctx context.Context, sinkName string) error {
	reqStream, err := streaming.NewStream(requestStreamName(), s.rdb)
	if err != nil {
		return fmt.Errorf("pulsehost: open request stream: %w", err)
	}
	sink, err := reqStream.NewSink(ctx, sinkName)
	if err != nil {
		return fmt.Errorf("pulsehost: open request sink: %w", err)
	}
	defer func() { _ = sink.Close(ctx) }()

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("pulsehost: request stream closed")
			}
			s.handle(ctx, sink, ev)
		}
	}
}

func (s *Server) handle(ctx context.Context, sink *streaming.Sink, ev *streaming.Event) {
	defer func() { _ = sink.Ack(ctx, ev) }()

	var env requestEnvelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		// Malformed request: nothing to reply to, so just ack and drop it.
		return
	}

	resp := s.engine.Handle(ctx, env.Request)

	resultStream, err := streaming.NewStream(resultStreamName(env.RequestID), s.rdb, streamopts.WithStreamMaxLen(resultStreamMaxLen))
	if err != nil {
		return
	}
	payload, err := json.Marshal(resultEnvelope{RequestID: env.RequestID, Response: resp})
	if err != nil {
		return
	}
	_, _ = resultStream.Add(ctx, ResultEvent, payload)
}
