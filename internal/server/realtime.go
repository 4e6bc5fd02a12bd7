package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
	"github.com/gin-gonic/gin"
)

const (
	EventSignupStateChanged  = "signup-state"
	EventEmailConfirmed      = "email-confirmed"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "participa-backend"
	defaultHeartbeatInterval = 25 * time.Second
)

// AccountEvent tells a waiting signup page that its account moved on.
type AccountEvent struct {
	AccountID string
	EventType string
	State     users.SignupState
	Timestamp time.Time
}

// EventDispatcher fans account events out to the streams subscribed for that account.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan AccountEvent
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for accountID until ctx ends or cleanup is called.
func (d *EventDispatcher) Subscribe(ctx context.Context, accountID string) (<-chan AccountEvent, func()) {
	if accountID == "" {
		ch := make(chan AccountEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan AccountEvent, d.bufferSize),
	}
	d.registerSubscriber(accountID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(accountID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event without blocking; a full subscriber buffer drops it.
func (d *EventDispatcher) Publish(event AccountEvent) {
	if event.AccountID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.AccountID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) subscriberCount(accountID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[accountID])
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(accountID string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[accountID]; !ok {
		d.subscribers[accountID] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[accountID][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(accountID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[accountID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, accountID)
		}
	}
	d.mu.Unlock()
}

type eventPayload struct {
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp_s"`
	Source    string `json:"source"`
}

// handleSignupStream streams signup progress for the pending account until its email is confirmed.
func (h *httpHandler) handleSignupStream(c *gin.Context) {
	view, err := h.accounts.PendingSignup(c.Request.Context(), h.pendingRef(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	stream, cleanup := h.events.Subscribe(c.Request.Context(), view.AccountID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(EventSignupStateChanged, eventPayload{
		State:     string(view.State),
		Timestamp: h.clock().UTC().Unix(),
		Source:    realtimeSourceBackend,
	})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	lastState := view.State

	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			lastState = event.State
			c.SSEvent(event.EventType, eventPayload{
				State:     string(event.State),
				Timestamp: event.Timestamp.Unix(),
				Source:    realtimeSourceBackend,
			})
			return event.EventType != EventEmailConfirmed
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, eventPayload{
				State:     string(lastState),
				Timestamp: h.clock().UTC().Unix(),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}
