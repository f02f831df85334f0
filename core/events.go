package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"bountychain/core/types"
	"bountychain/native/bounty"
	"bountychain/observability"
)

const eventHistoryLimit = 2048

// Event is a bounty lifecycle notification enriched with stream metadata.
// Sequence numbers are monotonic per node process; Cursor is the decimal
// rendering clients hand back to resume a stream.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Height     uint64            `json:"height"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func cloneEvent(evt Event) Event {
	cloned := evt
	if len(evt.Attributes) > 0 {
		attrs := make(map[string]string, len(evt.Attributes))
		for k, v := range evt.Attributes {
			attrs[k] = v
		}
		cloned.Attributes = attrs
	}
	return cloned
}

func escrowFlowFor(eventType string) string {
	switch eventType {
	case bounty.EventTypeBountyCreated:
		return "funded"
	case bounty.EventTypeBountyVerified:
		return "released"
	case bounty.EventTypeBountyCancelled:
		return "refunded"
	}
	return ""
}

func (n *Node) publishEvent(evt *types.Event) {
	if n == nil || evt == nil || strings.TrimSpace(evt.Type) == "" {
		return
	}

	entry := Event{
		Height:    n.Height(),
		Timestamp: time.Now().Unix(),
		Type:      evt.Type,
	}
	if len(evt.Attributes) > 0 {
		entry.Attributes = make(map[string]string, len(evt.Attributes))
		for k, v := range evt.Attributes {
			entry.Attributes[k] = v
		}
	}

	n.eventMu.Lock()
	if n.eventSubs == nil {
		n.eventSubs = make(map[uint64]chan Event)
	}
	n.eventSeq++
	entry.Sequence = n.eventSeq
	entry.Cursor = strconv.FormatUint(entry.Sequence, 10)
	n.eventHistory = append(n.eventHistory, cloneEvent(entry))
	if len(n.eventHistory) > eventHistoryLimit {
		excess := len(n.eventHistory) - eventHistoryLimit
		trimmed := make([]Event, eventHistoryLimit)
		copy(trimmed, n.eventHistory[excess:])
		n.eventHistory = trimmed
	}
	subscribers := make([]chan Event, 0, len(n.eventSubs))
	for _, ch := range n.eventSubs {
		subscribers = append(subscribers, ch)
	}
	n.eventMu.Unlock()

	observability.Chain().RecordEvent(entry.Type)
	if flow := escrowFlowFor(entry.Type); flow != "" {
		observability.Escrow().RecordFlow(flow, entry.Attributes["amount"])
	}

	broadcast := cloneEvent(entry)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// EventsSince returns up to limit events with sequence numbers strictly
// greater than after, plus the latest sequence assigned so far. Events older
// than the retained window are silently unavailable; callers polling with a
// stale cursor simply resume from the oldest retained entry.
func (n *Node) EventsSince(after uint64, limit int) ([]Event, uint64) {
	if n == nil {
		return nil, 0
	}
	if limit <= 0 || limit > eventHistoryLimit {
		limit = eventHistoryLimit
	}

	n.eventMu.Lock()
	latest := n.eventSeq
	history := make([]Event, len(n.eventHistory))
	copy(history, n.eventHistory)
	n.eventMu.Unlock()

	matched := make([]Event, 0, limit)
	for _, entry := range history {
		if entry.Sequence <= after {
			continue
		}
		matched = append(matched, cloneEvent(entry))
		if len(matched) >= limit {
			break
		}
	}
	return matched, latest
}

// SubscribeEvents registers a live subscriber resuming after the supplied
// cursor. It returns the live channel, a cancel func safe to call multiple
// times, and the backlog of retained events newer than the cursor. The
// channel is closed on cancel or context expiry.
func (n *Node) SubscribeEvents(ctx context.Context, cursor string) (<-chan Event, func(), []Event, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan Event, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		since = parsed
	}

	n.eventMu.Lock()
	if n.eventSubs == nil {
		n.eventSubs = make(map[uint64]chan Event)
	}
	id := n.eventNextID
	n.eventNextID++
	n.eventSubs[id] = updates
	history := make([]Event, len(n.eventHistory))
	copy(history, n.eventHistory)
	n.eventMu.Unlock()

	backlog := make([]Event, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneEvent(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.eventMu.Lock()
			sub, ok := n.eventSubs[id]
			if ok {
				delete(n.eventSubs, id)
				close(sub)
			}
			n.eventMu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
