package reservation

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wdvr/gpu-devpod-controlplane/internal/config"
	"github.com/wdvr/gpu-devpod-controlplane/internal/queue"
)

// TestHandleUnknownActionDeletesMessageWithoutArchiving drives the full
// message lifecycle (handle -> dispatch -> error-taxonomy branch) end to
// end against a fake queue, the way contrib/oadp-recovery's tests drive
// their reconciler against a fake controller-runtime client rather than
// a mock. A user-fatal error must be dequeued, not archived or left for
// redelivery. Every action-specific handler in this package reaches the
// same dispatch/handle path, so this exercises the shared routing logic
// they all depend on.
func TestHandleUnknownActionDeletesMessageWithoutArchiving(t *testing.T) {
	q := queue.NewFakeQueue()
	env := q.Push(queue.Body{Action: queue.Action("bogus")})

	p := &Processor{cfg: &config.Config{MaxDeliveries: 3}}
	p.handle(context.Background(), logr.Discard(), q, env)

	assert.Equal(t, 0, q.Remaining(), "a user-fatal error must remove the message from the queue")
	_, archived := q.WasArchived(env.MessageID)
	assert.False(t, archived, "a user-fatal error must be deleted, not archived")
}

// TestHandleUserFatalTakesPrecedenceOverDeliveryExhaustion verifies that
// a user-fatal error is always dequeued, even once ApproximateDeliveries
// has reached MaxDeliveries. User-fatal is a distinct, higher-priority
// branch in handle() than the "exhausted redeliveries" archive path: a
// mistake in the request itself is never a redelivery-exhaustion case.
func TestHandleUserFatalTakesPrecedenceOverDeliveryExhaustion(t *testing.T) {
	q := queue.NewFakeQueue()
	env := q.Push(queue.Body{Action: queue.Action("bogus")})
	env.ApproximateDeliveries = 10 // already past MaxDeliveries

	p := &Processor{cfg: &config.Config{MaxDeliveries: 3}}
	p.handle(context.Background(), logr.Discard(), q, env)

	require.Equal(t, 0, q.Remaining())
	_, archived := q.WasArchived(env.MessageID)
	assert.False(t, archived, "user-fatal must delete even when redeliveries are exhausted, not archive")
}
