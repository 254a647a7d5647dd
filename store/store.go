// Package store is the sole boundary between the proxy data plane and
// the external review control plane. Any backing store with
// string-keyed records, atomic updates and a polling channel can
// satisfy the Store interface; the shipped implementation is Redis,
// with an in-memory variant for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/warden-proxy/warden/httpmsg"
	"github.com/warden-proxy/warden/policy"
)

var (
	// ErrTimedOut is returned by AwaitVerdict when no verdict arrived
	// within the timeout.
	ErrTimedOut = errors.New("store: verdict wait timed out")
	// ErrCancelled is returned by AwaitVerdict when the wait was
	// aborted by its context or the item was cancelled.
	ErrCancelled = errors.New("store: verdict wait cancelled")
	// ErrUnavailable wraps transport failures to the backing store.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrNotFound is returned for an unknown record id.
	ErrNotFound = errors.New("store: record not found")
)

// Item states as recorded in the store.
const (
	StatePending   = "pending"
	StateAllowed   = "allowed"
	StateBlocked   = "blocked"
	StateEdited    = "edited"
	StateCancelled = "cancelled"
)

// Action is the reviewer's decision for a pending request.
type Action int

const (
	ActionAllow Action = iota
	ActionBlock
	ActionAllowEdited
)

// EditedRequest carries the reviewer's overrides for an allow-edited
// verdict. Zero-value fields fall back to the original request.
type EditedRequest struct {
	Method  string      `json:"method,omitempty"`
	Target  string      `json:"target,omitempty"`
	Headers [][2]string `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// Verdict is the resolved decision for a published request.
type Verdict struct {
	Action Action
	Edited *EditedRequest
}

// EditedResponse carries the reviewer's overrides for a reviewed
// response. Zero-value fields fall back to the original.
type EditedResponse struct {
	Status  int         `json:"status,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Headers [][2]string `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// ResponseVerdict is the resolved decision for a published response.
type ResponseVerdict struct {
	Action Action
	Edited *EditedResponse
}

// Store is the facade consumed by connection handlers. Implementations
// own their synchronization; the facade is safe for concurrent use.
type Store interface {
	// PublishPending records req (req.ID must be set) in pending state
	// and appends its id to the pending list.
	PublishPending(ctx context.Context, req *httpmsg.Request) error

	// AwaitVerdict blocks until the reviewer decides, the timeout
	// lapses (ErrTimedOut; a zero timeout returns it immediately), or
	// ctx is cancelled (ErrCancelled). Writes made after
	// PublishPending returned are always observed.
	AwaitVerdict(ctx context.Context, id string, timeout time.Duration) (Verdict, error)

	// Cancel transitions a pending item to its terminal cancelled
	// state so the review UI can drop it.
	Cancel(ctx context.Context, id string) error

	// PublishResponse attaches the origin response to the record.
	PublishResponse(ctx context.Context, id string, resp *httpmsg.Response) error

	// AwaitResponseVerdict blocks like AwaitVerdict, but for the
	// response attached to id. Used only when response review is
	// enabled.
	AwaitResponseVerdict(ctx context.Context, id string, timeout time.Duration) (ResponseVerdict, error)

	// PolicyMode reads the process-wide mode, consulted per decision.
	PolicyMode(ctx context.Context) (policy.Mode, error)

	// Blocklists returns a snapshot consistent within this call.
	Blocklists(ctx context.Context) (policy.Blocklists, error)

	// Ping probes the backing transport.
	Ping(ctx context.Context) error

	Close() error
}

func headersToPairs(h *httpmsg.Header) [][2]string {
	pairs := make([][2]string, 0, h.Len())
	for _, f := range h.Fields() {
		pairs = append(pairs, [2]string{f.Name, f.Value})
	}
	return pairs
}
