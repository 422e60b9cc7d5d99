// Package enrich attaches related entities to a primary entity on client request.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"ilps-gateway/internal/config"
	"ilps-gateway/internal/logging"
	"ilps-gateway/internal/metrics"
	"ilps-gateway/internal/model"
	"ilps-gateway/internal/upstream"
)

// EmbedRequest is an ordered set of entity kinds the client asked to embed.
type EmbedRequest []string

// ParseEmbedRequest splits a comma-separated list of kinds. Items are trimmed,
// empty items dropped and duplicates removed, keeping first-seen order.
func ParseEmbedRequest(raw string) EmbedRequest {
	var out EmbedRequest
	seen := make(map[string]bool)
	for item := range strings.SplitSeq(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

// Has reports whether kind was requested.
func (r EmbedRequest) Has(kind string) bool {
	for _, k := range r {
		if k == kind {
			return true
		}
	}
	return false
}

// Source says where an embeddable kind is fetched from. Path derives the
// secondary resource path from the primary entity; ok is false when the
// primary carries no reference and the kind is skipped.
type Source[T any] struct {
	Service string
	Path    func(primary T) (path string, ok bool)
}

// Registry maps kind names to their sources. It is fixed at startup.
type Registry[T any] map[string]Source[T]

// Enricher fetches requested kinds for a primary entity of type T.
type Enricher[T any] struct {
	client   upstream.Caller
	registry Registry[T]
	services config.Services
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates an Enricher. Every service named in registry must exist in services.
// The metrics parameter is optional.
func New[T any](client upstream.Caller, services config.Services, registry Registry[T], logger *slog.Logger, m *metrics.Metrics) (*Enricher[T], error) {
	for kind, src := range registry {
		if _, err := services.Get(src.Service); err != nil {
			return nil, fmt.Errorf("embed kind %q: %w", kind, err)
		}
		if src.Path == nil {
			return nil, fmt.Errorf("embed kind %q: no path function", kind)
		}
	}
	return &Enricher[T]{
		client:   client,
		registry: registry,
		services: services,
		logger:   logger.With("component", "enricher"),
		metrics:  m,
	}, nil
}

type fetch struct {
	kind string
	ep   config.Endpoint
	path string
}

// Enrich returns primary wrapped with one secondary body per requested,
// registered kind. Unknown kinds are ignored. Fetches run concurrently; the
// first failure cancels the rest and is returned as is, with no partial result.
func (e *Enricher[T]) Enrich(ctx context.Context, primary T, requested EmbedRequest) (model.Embedded[T], error) {
	out := model.Embedded[T]{Item: primary, Embedded: map[string]json.RawMessage{}}

	var fetches []fetch
	queued := make(map[string]bool, len(requested))
	for _, kind := range requested {
		if queued[kind] {
			continue
		}
		queued[kind] = true
		src, ok := e.registry[kind]
		if !ok {
			logging.FromContext(ctx, e.logger).Debug("ignoring unknown embed kind", "kind", kind)
			continue
		}
		path, ok := src.Path(primary)
		if !ok {
			continue
		}
		fetches = append(fetches, fetch{kind: kind, ep: e.services[src.Service], path: path})
	}
	if len(fetches) == 0 {
		return out, nil
	}

	bodies := make([]json.RawMessage, len(fetches))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range fetches {
		g.Go(func() error {
			resp, err := e.client.Call(gctx, f.ep, upstream.Request{Method: http.MethodGet, Path: f.path})
			if err == nil {
				bodies[i], err = resp.JSON()
			}
			e.record(f.kind, err)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return model.Embedded[T]{}, err
	}

	for i, f := range fetches {
		out.Embedded[f.kind] = bodies[i]
	}
	return out, nil
}

func (e *Enricher[T]) record(kind string, err error) {
	if e.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.EmbedFetches.WithLabelValues(kind, result).Inc()
}

// FieldPath returns a Path function for raw JSON primaries that reads a string
// or number field and addresses "/<value>". Missing, null, empty and
// non-scalar fields yield ok=false.
func FieldPath(field string) func(json.RawMessage) (string, bool) {
	return func(primary json.RawMessage) (string, bool) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(primary, &obj); err != nil {
			return "", false
		}
		v, ok := scalar(obj[field])
		if !ok {
			return "", false
		}
		return "/" + url.PathEscape(v), true
	}
}

// scalar renders a JSON string or number as text.
func scalar(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}
