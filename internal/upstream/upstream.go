// Package upstream defines the single adapter contract every provider
// is driven through, the transport error taxonomy, and the registry the
// pipeline resolves adapters from.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Request is one generation call to an upstream model.
type Request struct {
	ModelID     string
	Content     string
	MaxTokens   int
	Temperature float64
	Metadata    map[string]string
}

// Result is a completed generation.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	LatencyMs    int64
	Raw          any
}

// Kind classifies an upstream failure. Every adapter error carries
// exactly one kind.
type Kind string

const (
	KindInvalidArgument   Kind = "invalid-argument"
	KindPermissionDenied  Kind = "permission-denied"
	KindResourceExhausted Kind = "resource-exhausted"
	KindUnavailable       Kind = "unavailable"
	KindDeadlineExceeded  Kind = "deadline-exceeded"
	KindInternal          Kind = "internal"
)

// Error is the classified failure an adapter returns.
type Error struct {
	Kind     Kind
	Status   int
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the next candidate (or a transport retry)
// is worth attempting for this failure.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindResourceExhausted, KindUnavailable, KindInternal:
		return true
	}
	return false
}

// KindOf extracts the kind from any error. Context expiry classifies as
// deadline-exceeded; anything unclassified is internal.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// Retriable reports whether any error is worth a further attempt.
func Retriable(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Retriable()
	}
	return false
}

// kindFromStatus maps an HTTP status to a failure kind.
func kindFromStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity:
		return KindInvalidArgument
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindPermissionDenied
	case status == http.StatusTooManyRequests:
		return KindResourceExhausted
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindDeadlineExceeded
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return KindUnavailable
	case status >= 500:
		return KindInternal
	default:
		return KindInternal
	}
}

// wrapTransport classifies a raw transport error from the HTTP client.
func wrapTransport(provider string, err error) *Error {
	kind := KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = KindDeadlineExceeded
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// Upstream is the provider-agnostic generation contract.
type Upstream interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
	Ping(ctx context.Context) error
}

// Registry resolves upstream names to adapters.
type Registry struct {
	mu        sync.RWMutex
	upstreams map[string]Upstream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{upstreams: make(map[string]Upstream)}
}

// Register adds an adapter under its name.
func (r *Registry) Register(u Upstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreams[u.Name()] = u
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Upstream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.upstreams[name]
	return u, ok
}

// Names lists the registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.upstreams))
	for name := range r.upstreams {
		names = append(names, name)
	}
	return names
}

// Len returns the adapter count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.upstreams)
}

// AnyReachable pings every adapter with a shared short deadline and
// reports whether at least one answered. Used by the readiness probe.
func (r *Registry) AnyReachable(ctx context.Context) bool {
	r.mu.RLock()
	upstreams := make([]Upstream, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		upstreams = append(upstreams, u)
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	for _, u := range upstreams {
		if err := u.Ping(ctx); err == nil {
			return true
		}
	}
	return false
}

// buildHTTPClient creates the HTTP client the REST adapters share.
func buildHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}
