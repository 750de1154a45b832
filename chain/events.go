package chain

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType enumerates the chain's emitted events.
type EventType string

const (
	EvAgentRegistered           EventType = "AgentRegistered"
	EvAgentDeactivated          EventType = "AgentDeactivated"
	EvAgentActivated            EventType = "AgentActivated"
	EvCapabilitiesUpdated       EventType = "CapabilitiesUpdated"
	EvBiddingStrategyUpdated    EventType = "BiddingStrategyUpdated"
	EvTaskCreated               EventType = "TaskCreated"
	EvTaskAssigned              EventType = "TaskAssigned"
	EvTaskStarted               EventType = "TaskStarted"
	EvTaskCompleted             EventType = "TaskCompleted"
	EvTaskFailed                EventType = "TaskFailed"
	EvTaskCancelled             EventType = "TaskCancelled"
	EvBidPlaced                 EventType = "BidPlaced"
	EvAuctionFinalized          EventType = "AuctionFinalized"
	EvTaskEvaluated             EventType = "TaskEvaluated"
	EvLearningEventRecorded     EventType = "LearningEventRecorded"
	EvAgentCollaborationStarted EventType = "AgentCollaborationStarted"
)

// Event is one emitted chain event. Agent and TaskID are zero-valued when
// the event concerns neither.
type Event struct {
	Type   EventType      `json:"type"`
	Agent  common.Address `json:"agent,omitempty"`
	TaskID common.Hash    `json:"task_id,omitempty"`
	Tx     common.Hash    `json:"tx"`
	At     time.Time      `json:"at"`
}

// Feed fans chain events out to subscribers. Delivery is best-effort: a
// subscriber that stops draining loses events rather than blocking the chain.
type Feed struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

func (f *Feed) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan Event, 256)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

func (f *Feed) send(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// emit publishes an event with a fresh transaction anchor. Callers hold the
// chain lock.
func (c *Chain) emit(typ EventType, agent common.Address, taskID common.Hash) common.Hash {
	tx := c.nextTxHash()
	c.feed.send(Event{Type: typ, Agent: agent, TaskID: taskID, Tx: tx, At: c.now()})
	return tx
}
