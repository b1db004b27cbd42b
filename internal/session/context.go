package session

import (
	"runtime"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
	"github.com/nforgeio/LillTek-sub012/internal/message"
)

// Sender is the router surface the session layer needs: hand a message to
// the routing pipeline. The router implements it; the session layer keeps a
// non-owning reference.
type Sender interface {
	Send(m message.Msg) error
}

// Completion tags how a transaction ended.
type Completion uint8

const (
	CompletionReply Completion = iota + 1
	CompletionCancel
	CompletionAbort
	CompletionTimeout
)

// RequestContext captures what a server handler needs to answer a request
// asynchronously. Exactly one of Reply, Cancel, or Abort completes the
// transaction; Cancel and Abort are idempotent afterwards, Reply fails with
// ErrTransactionCompleted. Dropping a context without completing it cancels
// the transaction: call Close (usually deferred), and a finalizer backs the
// contract up for contexts that escape collection paths.
type RequestContext struct {
	From      *endpoint.EP
	SessionID uuid.UUID
	Ext       []message.ExtHeader

	mu         sync.Mutex
	done       bool
	sender     Sender
	onComplete func(kind Completion, reply message.Msg)
}

// NewRequestContext builds a context for the request message m.
func NewRequestContext(sender Sender, m message.Msg, onComplete func(Completion, message.Msg)) *RequestContext {
	h := m.Header()
	rc := &RequestContext{
		From:       h.From,
		SessionID:  h.SessionID,
		Ext:        slices.Clone(h.Ext),
		sender:     sender,
		onComplete: onComplete,
	}
	// Safety net only: correctness relies on Close/complete, not on GC.
	runtime.SetFinalizer(rc, func(rc *RequestContext) { rc.Cancel() })
	return rc
}

// Completed reports whether the transaction has ended.
func (rc *RequestContext) Completed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.done
}

// Reply sends m back to the requester and completes the transaction.
func (rc *RequestContext) Reply(m message.Msg) error {
	if !rc.begin() {
		return ErrTransactionCompleted
	}
	h := m.Header()
	h.To = rc.From
	h.SessionID = rc.SessionID
	h.Flags |= message.FlagServerSession
	err := rc.send(m)
	rc.finish(CompletionReply, m)
	return err
}

// Cancel completes the transaction by delivering a synthetic cancellation
// to the requester. Idempotent after any completion.
func (rc *RequestContext) Cancel() error {
	if !rc.begin() {
		return nil
	}
	cancel := &message.SessionCancelMsg{Reason: "cancelled by server"}
	cancel.H.To = rc.From
	cancel.H.SessionID = rc.SessionID
	cancel.H.Flags |= message.FlagServerSession
	err := rc.send(cancel)
	rc.finish(CompletionCancel, nil)
	return err
}

// Abort completes the transaction silently. Idempotent after any
// completion.
func (rc *RequestContext) Abort() error {
	if !rc.begin() {
		return nil
	}
	rc.finish(CompletionAbort, nil)
	return nil
}

// Close cancels the transaction when it has not completed. Intended for
// defer.
func (rc *RequestContext) Close() {
	rc.Cancel()
}

// timeout completes the transaction on session expiry, delivering the
// cancellation like Cancel but tagged as a timeout.
func (rc *RequestContext) timeout() {
	if !rc.begin() {
		return
	}
	cancel := &message.SessionCancelMsg{Reason: "session timeout"}
	cancel.H.To = rc.From
	cancel.H.SessionID = rc.SessionID
	cancel.H.Flags |= message.FlagServerSession
	rc.send(cancel)
	rc.finish(CompletionTimeout, nil)
}

func (rc *RequestContext) begin() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.done {
		return false
	}
	rc.done = true
	return true
}

func (rc *RequestContext) finish(kind Completion, reply message.Msg) {
	runtime.SetFinalizer(rc, nil)
	if rc.onComplete != nil {
		rc.onComplete(kind, reply)
	}
}

func (rc *RequestContext) send(m message.Msg) error {
	// A nil To routes by session ID, which is how locally originated
	// requests (no source endpoint) get their replies.
	if rc.sender == nil {
		return nil
	}
	return rc.sender.Send(m)
}
