// Package pagination forwards page selections to upstream list endpoints and
// normalizes their answers into one envelope.
package pagination

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"ilps-gateway/internal/config"
	"ilps-gateway/internal/model"
	"ilps-gateway/internal/upstream"
)

// Adapter lists collections from upstream services.
type Adapter struct {
	client upstream.Caller
}

// New creates an Adapter.
func New(client upstream.Caller) *Adapter {
	return &Adapter{client: client}
}

// List fetches one page of path from ep. Page and size are forwarded verbatim
// together with extra (search, sort and other filters). The upstream may answer
// with a bare JSON array or an object holding items and an optional total.
func (a *Adapter) List(ctx context.Context, ep config.Endpoint, path string, req model.PageRequest, extra url.Values) (model.Page[json.RawMessage], error) {
	query := make(url.Values, len(extra)+2)
	for k, v := range extra {
		query[k] = v
	}
	query.Set("page", strconv.Itoa(req.Page))
	query.Set("size", strconv.Itoa(req.Size))

	resp, err := a.client.Call(ctx, ep, upstream.Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return model.Page[json.RawMessage]{}, err
	}

	items, total, err := decode(resp.Body)
	if err != nil {
		return model.Page[json.RawMessage]{}, err
	}

	return model.Page[json.RawMessage]{
		Items: items,
		Page:  req.Page,
		Size:  req.Size,
		Total: total,
	}, nil
}

func decode(body []byte) ([]json.RawMessage, *int, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, nil, model.BadGateway("upstream returned a malformed list", err)
		}
		return nonNil(items), nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, nil, model.BadGateway("upstream returned a malformed list", err)
	}
	rawItems, ok := obj["items"]
	if !ok {
		return nil, nil, model.BadGateway("upstream list has no items", nil)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawItems, &items); err != nil {
		return nil, nil, model.BadGateway("upstream returned a malformed list", err)
	}

	var total *int
	if rawTotal, ok := obj["total"]; ok {
		if err := json.Unmarshal(rawTotal, &total); err != nil {
			return nil, nil, model.BadGateway("upstream returned a malformed total", err)
		}
	}
	return nonNil(items), total, nil
}

func nonNil(items []json.RawMessage) []json.RawMessage {
	if items == nil {
		return []json.RawMessage{}
	}
	return items
}
