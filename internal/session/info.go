// Package session implements the session contract: correlation of
// multi-message exchanges by session ID, server-side sessions with
// keep-alives, inactivity timeouts and an idempotence cache, client-side
// query waiters, and the request context a server uses to complete a
// transaction exactly once.
package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionTimeout       = errors.New("session: timed out")
	ErrCancelled            = errors.New("session: cancelled")
	ErrTransactionCompleted = errors.New("session: transaction already completed")
	ErrInvalidHandlerInfo   = errors.New("session: invalid handler session info")
)

// Defaults supplies session parameters for handlers that do not specify
// their own. Populated from configuration.
type Defaults struct {
	KeepAlive         time.Duration
	Timeout           time.Duration
	MaxAsyncKeepAlive time.Duration
}

// HandlerInfo describes the session behavior a handler opted into.
type HandlerInfo struct {
	// Idempotent enables the duplicate-reply cache: a re-sent open with a
	// msg ID already answered gets the cached reply instead of a second
	// handler invocation.
	Idempotent bool

	// KeepAlive is the server-to-client keep-alive interval. Must be > 0
	// after defaulting.
	KeepAlive time.Duration

	// Timeout terminates the session after that much inactivity. Defaults
	// to twice KeepAlive and must be >= KeepAlive.
	Timeout time.Duration

	// Async suspends the handler result until the request context
	// completes instead of treating handler return as abandonment.
	Async bool

	// MaxAsyncKeepAlive caps the total lifetime of an async session.
	// Zero means unbounded.
	MaxAsyncKeepAlive time.Duration

	// Type names the session implementation; opaque to the manager.
	Type string

	// Params carries implementation-specific options.
	Params map[string]string
}

// Normalized fills unset durations from d and validates the result.
func (i *HandlerInfo) Normalized(d Defaults) (*HandlerInfo, error) {
	out := *i
	if out.KeepAlive == 0 {
		out.KeepAlive = d.KeepAlive
	}
	if out.KeepAlive <= 0 {
		return nil, fmt.Errorf("%w: keep-alive must be positive", ErrInvalidHandlerInfo)
	}
	if out.Timeout == 0 {
		if d.Timeout > 0 && d.Timeout >= out.KeepAlive {
			out.Timeout = d.Timeout
		} else {
			out.Timeout = 2 * out.KeepAlive
		}
	}
	if out.Timeout < out.KeepAlive {
		return nil, fmt.Errorf("%w: timeout %s below keep-alive %s", ErrInvalidHandlerInfo, out.Timeout, out.KeepAlive)
	}
	if out.MaxAsyncKeepAlive == 0 {
		out.MaxAsyncKeepAlive = d.MaxAsyncKeepAlive
	}
	return &out, nil
}
