// Package relay wires inbound channel messages through the keyed task
// queue, the session store, and the invoker. One Handle call is one
// conversation turn; turns for the same key run strictly in order.
package relay

import (
	"context"
	"fmt"

	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/invoker"
	"github.com/harun/courier/pkg/sessionstore"
	"github.com/harun/courier/pkg/taskqueue"
	"github.com/rs/zerolog/log"
)

// Message is one inbound message from a channel adapter.
type Message struct {
	// Key is the conversation key derived by the adapter.
	Key string

	// Text is the message body handed to the tool.
	Text string

	// ExtraCapabilities grants additional capability names for this
	// turn only, typically replaying a previously denied capability
	// the human has approved.
	ExtraCapabilities []string

	// OnProgress, when set, receives periodic progress while the turn
	// is running.
	OnProgress invoker.ProgressFunc

	// OnWait, when set, is notified when the turn has been queued
	// behind earlier turns for the same key for a while.
	OnWait func(waitMs int64, queuePos int)
}

// Engine composes the queue, session store, and invoker.
type Engine struct {
	queue   *taskqueue.Queue
	store   *sessionstore.Store
	invoker *invoker.Invoker

	warnAfterMs int
}

// New creates a relay engine. warnAfterMs controls when queued-behind
// notifications fire; zero disables them.
func New(queue *taskqueue.Queue, store *sessionstore.Store, inv *invoker.Invoker, warnAfterMs int) *Engine {
	return &Engine{
		queue:       queue,
		store:       store,
		invoker:     inv,
		warnAfterMs: warnAfterMs,
	}
}

// Handle runs one conversation turn for msg and blocks until it
// completes. Turns for the same key are serialized by the queue; the
// session is read and updated inside the key's serial section, so no
// additional locking is needed here.
func (e *Engine) Handle(ctx context.Context, msg *Message) (*invoker.Result, error) {
	if msg == nil || msg.Key == "" {
		return nil, fmt.Errorf("message must carry a conversation key")
	}
	if msg.Text == "" {
		return nil, fmt.Errorf("message must carry text")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.WithConversationKey(ctx, msg.Key)

	options := &taskqueue.TaskOptions{
		WarnAfterMs: e.warnAfterMs,
		OnWait:      msg.OnWait,
	}

	value, err := e.queue.EnqueueWithContext(ctx, msg.Key, func(taskCtx context.Context) (interface{}, error) {
		return e.runTurn(taskCtx, msg)
	}, options)
	if err != nil {
		return nil, err
	}

	result, ok := value.(*invoker.Result)
	if !ok {
		return nil, fmt.Errorf("unexpected task result type %T", value)
	}
	return result, nil
}

// runTurn executes inside the key's serial queue section.
func (e *Engine) runTurn(ctx context.Context, msg *Message) (*invoker.Result, error) {
	sess, err := e.store.GetOrCreateWithContext(ctx, msg.Key)
	if err != nil {
		return nil, err
	}

	req := &invoker.Request{
		Key:               msg.Key,
		SessionID:         sess.SessionID,
		FirstInvocation:   sess.MessageCount == 0,
		Message:           msg.Text,
		ExtraCapabilities: msg.ExtraCapabilities,
		OnProgress:        msg.OnProgress,
	}

	result, err := e.invoker.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	// The message counter advances only on error-free turns: timeouts
	// and failures leave the session's create/resume decision as it was.
	if !result.IsError {
		if err := e.store.RecordSuccessWithContext(ctx, msg.Key, result.SessionID); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// Reset replaces the session for key. An in-flight turn for the old
// session is unaffected; only subsequent turns pick up the fresh session.
func (e *Engine) Reset(ctx context.Context, key string) (*sessionstore.Session, error) {
	sess, err := e.store.ResetWithContext(ctx, key)
	if err != nil {
		return nil, err
	}
	log.Info().Str("key", key).Str("session_id", sess.SessionID).Msg("Conversation reset")
	return sess, nil
}

// Sessions lists all known sessions for introspection.
func (e *Engine) Sessions() ([]*sessionstore.Session, error) {
	return e.store.List()
}

// QueueLength reports pending turns for one key.
func (e *Engine) QueueLength(key string) int {
	return e.queue.Length(key)
}

// TotalQueueLength reports pending turns across all keys.
func (e *Engine) TotalQueueLength() int {
	return e.queue.TotalLength()
}
