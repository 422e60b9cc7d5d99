// Package stream relays task status events from the task manager to clients.
//
// Events are pulled: the next upstream line is read only when the consumer
// asks for the next event, so a slow client slows the upstream read instead
// of growing a buffer.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"ilps-gateway/internal/config"
	"ilps-gateway/internal/logging"
	"ilps-gateway/internal/metrics"
	"ilps-gateway/internal/model"
	"ilps-gateway/internal/upstream"
)

// ErrStreamClosed is returned by Next after the stream has been closed.
var ErrStreamClosed = errors.New("stream closed")

// State is the lifecycle state of a Stream.
type State int

// Stream states.
const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason says why a stream reached StateClosed.
type CloseReason string

// Close reasons.
const (
	ReasonNone      CloseReason = ""
	ReasonNormal    CloseReason = "normal"
	ReasonError     CloseReason = "error"
	ReasonCancelled CloseReason = "cancelled"
)

const dataPrefix = "data:"

// Relay opens task event streams on the task manager.
type Relay struct {
	client   upstream.Streamer
	endpoint config.Endpoint
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRelay creates a Relay for the manager service in services.
// The metrics parameter is optional.
func NewRelay(client upstream.Streamer, services config.Services, logger *slog.Logger, m *metrics.Metrics) (*Relay, error) {
	ep, err := services.Get(config.ServiceManager)
	if err != nil {
		return nil, err
	}
	return &Relay{
		client:   client,
		endpoint: ep,
		logger:   logger.With("component", "stream_relay"),
		metrics:  m,
	}, nil
}

type streamRequest struct {
	UserID string `json:"user_id"`
}

// Open starts streaming the status events of taskID for userID. A non-2xx
// answer from the task manager is returned as a *model.ProxyError before any
// event. Cancelling ctx closes the upstream connection immediately.
func (r *Relay) Open(ctx context.Context, taskID, userID string) (*Stream, error) {
	logger := logging.FromContext(ctx, r.logger).With("task_id", taskID)
	logger.Info("proxying event stream request")

	resp, err := r.client.Stream(ctx, r.endpoint, upstream.Request{
		Method: http.MethodPost,
		Path:   "/" + taskID + "/stream",
		JSON:   streamRequest{UserID: userID},
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.StreamsClosed.WithLabelValues(string(ReasonError)).Inc()
		}
		return nil, err
	}

	s := &Stream{
		ctx:     ctx,
		body:    resp.Body,
		reader:  bufio.NewReader(resp.Body),
		state:   StateStreaming,
		logger:  logger,
		metrics: r.metrics,
	}
	s.stop = context.AfterFunc(ctx, func() { _ = resp.Body.Close() })

	if r.metrics != nil {
		r.metrics.StreamsActive.Inc()
	}
	return s, nil
}

// Stream is one open upstream event stream. It is consumed by a single goroutine;
// Close may be called from any goroutine.
type Stream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	stop   func() bool

	mu     sync.Mutex
	state  State
	reason CloseReason

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Next blocks until the next event is available. It returns io.EOF when the
// upstream ends the stream, the context error when the client went away, and
// a wrapped read error otherwise. After any of these the stream is closed.
func (s *Stream) Next() (model.StreamEvent, error) {
	for {
		if st, _ := s.status(); st == StateClosed {
			return model.StreamEvent{}, ErrStreamClosed
		}
		if err := s.ctx.Err(); err != nil {
			s.finish(ReasonCancelled)
			return model.StreamEvent{}, err
		}

		line, err := s.reader.ReadString('\n')
		if data, ok := parseData(line); ok {
			s.logger.Debug("received event", "data", data)
			return model.StreamEvent{Data: data}, nil
		}

		switch {
		case err == nil:
			continue
		case s.ctx.Err() != nil:
			s.finish(ReasonCancelled)
			return model.StreamEvent{}, s.ctx.Err()
		case errors.Is(err, io.EOF):
			s.finish(ReasonNormal)
			return model.StreamEvent{}, io.EOF
		default:
			s.finish(ReasonError)
			return model.StreamEvent{}, fmt.Errorf("read event stream: %w", err)
		}
	}
}

// parseData returns the trimmed payload of a "data:" line.
func parseData(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(dataPrefix):]), true
}

// All returns the remaining events as a sequence. Iteration ends after the
// upstream's end of stream, or after yielding one non-nil error. It is not
// restartable.
func (s *Stream) All() iter.Seq2[model.StreamEvent, error] {
	return func(yield func(model.StreamEvent, error) bool) {
		for {
			ev, err := s.Next()
			if errors.Is(err, io.EOF) || errors.Is(err, ErrStreamClosed) {
				return
			}
			if err != nil {
				yield(model.StreamEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Close releases the upstream connection. A stream closed by its consumer
// before the end counts as cancelled. Close is idempotent.
func (s *Stream) Close() error {
	s.finish(ReasonCancelled)
	return nil
}

// State returns the current state and, once closed, the reason.
func (s *Stream) State() (State, CloseReason) {
	return s.status()
}

func (s *Stream) status() (State, CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

func (s *Stream) finish(reason CloseReason) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.reason = reason
	s.mu.Unlock()

	s.stop()
	_ = s.body.Close()

	if s.metrics != nil {
		s.metrics.StreamsActive.Dec()
		s.metrics.StreamsClosed.WithLabelValues(string(reason)).Inc()
	}
	s.logger.Info("event stream closed", "reason", string(reason))
}
