package strategy

import (
	"sort"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/google/uuid"
)

// ExpirationTimer expires pending messages whose deadline passed.
type ExpirationTimer struct {
	ctx  *store.Context
	sink NotificationSink

	tracked map[uuid.UUID]*model.ClientMessage
}

func NewExpirationTimer(ctx *store.Context, sink NotificationSink) *ExpirationTimer {
	return &ExpirationTimer{ctx: ctx, sink: sink, tracked: make(map[uuid.UUID]*model.ClientMessage)}
}

// ObjectsDidChange tracks pending messages that carry a deadline.
func (t *ExpirationTimer) ObjectsDidChange(objs []model.Object) {
	for _, o := range objs {
		m, ok := o.(*model.ClientMessage)
		if !ok {
			continue
		}

		if m.IsPending() && !m.ExpirationDate.IsZero() {
			t.tracked[m.Nonce] = m
		} else {
			delete(t.tracked, m.Nonce)
		}
	}
}

// Stop clears the deadline of m.
func (t *ExpirationTimer) Stop(m *model.ClientMessage) {
	m.ExpirationDate = time.Time{}
	delete(t.tracked, m.Nonce)
}

// Len returns the number of tracked messages.
func (t *ExpirationTimer) Len() int { return len(t.tracked) }

// Fire expires every tracked message whose deadline is not after now
// and returns them in sequence order.
func (t *ExpirationTimer) Fire(now time.Time) []*model.ClientMessage {
	var due []*model.ClientMessage

	for nonce, m := range t.tracked {
		if !m.IsPending() {
			delete(t.tracked, nonce)
			continue
		}

		if !now.Before(m.ExpirationDate) {
			due = append(due, m)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].Sequence < due[j].Sequence })

	for _, m := range due {
		delete(t.tracked, m.Nonce)
		m.Expire()
		t.ctx.MarkChanged(m)
		t.sink.DidFailToSend(m)
	}

	return due
}
