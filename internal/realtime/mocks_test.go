package realtime_test

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tutorhive/backend/internal/models"
	"github.com/tutorhive/backend/internal/realtime"
)

// fakeSessions is an in-memory SessionSource.
type fakeSessions struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*models.LiveSession
	active map[uuid.UUID]bool
}

func newFakeSessions(sessions ...*models.LiveSession) *fakeSessions {
	f := &fakeSessions{
		byID:   make(map[uuid.UUID]*models.LiveSession),
		active: make(map[uuid.UUID]bool),
	}
	for _, s := range sessions {
		f.byID[s.ID] = s
	}
	return f
}

func (f *fakeSessions) GetByID(_ context.Context, id uuid.UUID) (*models.LiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[id] = active
	return nil
}

// fakeStore records appended chat messages.
type fakeStore struct {
	mu   sync.Mutex
	msgs []models.ChatMessage
	err  error
}

func (f *fakeStore) Append(_ context.Context, msg *models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, *msg)
	return nil
}

func (f *fakeStore) appended() []models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ChatMessage, len(f.msgs))
	copy(out, f.msgs)
	return out
}

// blockingStore parks Append until released, simulating a slow chat log
// write that holds the room goroutine.
type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *blockingStore) Append(_ context.Context, _ *models.ChatMessage) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

// fakeBridge captures published events and the per-room subscription handler
// so tests can replay cross-instance delivery.
type fakeBridge struct {
	mu        sync.Mutex
	published []publishedEvent
	handlers  map[uuid.UUID]func(event string, payload []byte)
}

type publishedEvent struct {
	sessionID uuid.UUID
	event     string
	payload   []byte
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{handlers: make(map[uuid.UUID]func(string, []byte))}
}

func (f *fakeBridge) PublishRoomEvent(sessionID uuid.UUID, event string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedEvent{sessionID: sessionID, event: event, payload: payload})
	return nil
}

func (f *fakeBridge) SubscribeRoom(sessionID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[sessionID] = handler
	return func() {}, nil
}

func (f *fakeBridge) publishedEvents() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedEvent, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakeBridge) deliver(sessionID uuid.UUID, event string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[sessionID]
	f.mu.Unlock()
	if handler != nil {
		handler(event, payload)
	}
}

// recorder is an Outbox that records every delivered event.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	event   string
	payload interface{}
}

func (r *recorder) Deliver(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{event: event, payload: payload})
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (r *recorder) byEvent(event string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) signals() []models.SignalEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SignalEnvelope
	for _, e := range r.events {
		if e.event == realtime.EventSignal {
			if env, ok := e.payload.(models.SignalEnvelope); ok {
				out = append(out, env)
			}
		}
	}
	return out
}
