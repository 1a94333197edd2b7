package parley

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memTranscript is an in-memory Transcript for engine tests. It honors the
// same validation, guard, and counter semantics as the real backends.
type memTranscript struct {
	mu         sync.Mutex
	msgs       []Message
	meta       map[string]string
	nextID     int64
	appendErrs []error // popped per Append call, nil entries succeed
	unhealthy  bool
}

var _ Transcript = (*memTranscript)(nil)

func newMemTranscript() *memTranscript {
	return &memTranscript{meta: make(map[string]string)}
}

func (m *memTranscript) Append(ctx context.Context, req AppendRequest) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.appendErrs) > 0 {
		err := m.appendErrs[0]
		m.appendErrs = m.appendErrs[1:]
		if err != nil {
			return Message{}, err
		}
	}

	sender, content, err := ValidateAppend(req.Sender, req.Content, DefaultMaxMessageLength)
	if err != nil {
		return Message{}, err
	}
	if req.ExpectLastSender != nil {
		last := m.lastSenderLocked()
		if last != *req.ExpectLastSender {
			return Message{}, &TurnViolationError{Sender: sender, LastSender: last}
		}
	}

	m.nextID++
	msg := Message{
		ID:        m.nextID,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  req.Metadata,
	}
	m.msgs = append(m.msgs, msg)
	m.bumpLocked(KeyTotalTurns, 1)
	m.bumpLocked(SenderTurnsKey(sender), 1)
	switch v := req.Metadata[MetaTokens].(type) {
	case int:
		m.bumpLocked(KeyTotalTokens, v)
	case int64:
		m.bumpLocked(KeyTotalTokens, int(v))
	}
	return msg, nil
}

func (m *memTranscript) Context(ctx context.Context, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < 1 {
		limit = DefaultContextLimit
	}
	start := len(m.msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(m.msgs)-start)
	copy(out, m.msgs[start:])
	return out, nil
}

func (m *memTranscript) LastSender(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSenderLocked(), nil
}

func (m *memTranscript) MarkTerminated(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta[KeyTerminated] == "true" {
		return nil
	}
	m.meta[KeyTerminated] = "true"
	m.meta[KeyTerminationReason] = reason
	m.meta[KeyTerminationTimestamp] = time.Now().UTC().Format(time.RFC3339)
	return nil
}

func (m *memTranscript) Terminated(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[KeyTerminated] == "true", nil
}

func (m *memTranscript) TerminationReason(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[KeyTerminationReason], nil
}

func (m *memTranscript) SetMetadata(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

func (m *memTranscript) Load(ctx context.Context) (Dump, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.msgs))
	copy(msgs, m.msgs)
	meta := make(map[string]string, len(m.meta))
	for k, v := range m.meta {
		meta[k] = v
	}
	return Dump{Messages: msgs, Metadata: meta}, nil
}

func (m *memTranscript) Health(ctx context.Context) Health {
	if m.unhealthy {
		return Health{Healthy: false, Checks: map[string]string{"backend": "down"}}
	}
	return Health{Healthy: true, Checks: map[string]string{"backend": "ok"}}
}

func (m *memTranscript) lastSenderLocked() string {
	if len(m.msgs) == 0 {
		return ""
	}
	return m.msgs[len(m.msgs)-1].Sender
}

func (m *memTranscript) bumpLocked(key string, delta int) {
	n, _ := strconv.Atoi(m.meta[key])
	m.meta[key] = strconv.Itoa(n + delta)
}

// stubResult is one scripted provider outcome.
type stubResult struct {
	content string
	usage   Usage
	err     error
	delay   time.Duration
}

// stubProvider replays a scripted queue of results, falling back to gen when
// the queue runs dry.
type stubProvider struct {
	name string
	gen  func(call int) stubResult

	mu    sync.Mutex
	queue []stubResult
	calls int
}

var _ Provider = (*stubProvider)(nil)

func (p *stubProvider) Name() string {
	if p.name == "" {
		return "stub"
	}
	return p.name
}

func (p *stubProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	var res stubResult
	switch {
	case len(p.queue) > 0:
		res = p.queue[0]
		p.queue = p.queue[1:]
	case p.gen != nil:
		res = p.gen(call)
	}
	p.mu.Unlock()

	if res.delay > 0 {
		select {
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		case <-time.After(res.delay):
		}
	}
	if res.err != nil {
		return ChatResponse{}, res.err
	}
	return ChatResponse{Content: res.content, Usage: res.usage}, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// distinctPhrases yields replies with disjoint vocabularies so the repetition
// detector stays quiet in happy-path tests.
var distinctPhrases = []string{
	"alpine meadows bloom quietly under spring thaw",
	"harbor cranes unload cargo before dawn shifts",
	"desert caravans navigate dunes by star charts",
	"glacier streams carve granite over patient centuries",
	"orchard keepers graft heirloom apples each autumn",
	"lighthouse beams sweep foggy channels toward port",
	"prairie storms roll thunder across wheat horizons",
	"coral gardens shelter reef fish from open currents",
	"volcanic soil feeds terraced vineyards near coastlines",
	"tundra lichen survives winters beneath drifted snow",
}

func phraseFor(call int) string {
	return distinctPhrases[call%len(distinctPhrases)]
}

// fastBackoff keeps retry sleeps negligible in tests.
func fastBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: time.Millisecond, Multiplier: 1.0, Max: 2 * time.Millisecond}
}
