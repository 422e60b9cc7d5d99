package model

import (
	"encoding/json"
	"fmt"
)

// OpaqueID is an identifier the gateway passes along without interpreting.
// It decodes from a JSON string or number.
type OpaqueID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *OpaqueID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = OpaqueID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("opaque id must be a string or a number, got %s", data)
	}
	*id = OpaqueID(n.String())
	return nil
}

// String returns the identifier as text.
func (id OpaqueID) String() string { return string(id) }

// Identity is the caller as reported by the identity service.
type Identity struct {
	ID           OpaqueID `json:"id"`
	Name         string   `json:"name"`
	IsPrivileged bool     `json:"is_admin"`
}

// Embedded wraps a primary entity with the related entities requested by the client.
type Embedded[T any] struct {
	Item     T                          `json:"item"`
	Embedded map[string]json.RawMessage `json:"embedded"`
}

// PageRequest is the client's page selection, forwarded verbatim upstream.
type PageRequest struct {
	Page int
	Size int
}

// Page is the paginated list envelope returned to clients.
type Page[T any] struct {
	Items []T  `json:"items"`
	Page  int  `json:"page"`
	Size  int  `json:"size"`
	Total *int `json:"total,omitempty"`
}

// StreamEvent is one opaque payload taken from a "data:" line of an upstream event stream.
type StreamEvent struct {
	Data string
}
