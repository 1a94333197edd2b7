package observer

import (
	"context"

	"github.com/nevindra/parley"
)

// Conversations implements parley.ConversationMetrics over the shared
// instruments, tracking the active gauge and total counter.
type Conversations struct {
	inst *Instruments
}

var _ parley.ConversationMetrics = (*Conversations)(nil)

// NewConversations returns run-level conversation metrics.
func NewConversations(inst *Instruments) *Conversations {
	return &Conversations{inst: inst}
}

func (c *Conversations) ConversationStarted(ctx context.Context) {
	c.inst.ConversationsTotal.Add(ctx, 1)
	c.inst.ConversationsActive.Add(ctx, 1)
}

func (c *Conversations) ConversationFinished(ctx context.Context) {
	c.inst.ConversationsActive.Add(ctx, -1)
}
