package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/hookchat/internal/logger"
)

// Event types pushed to widget pages.
const (
	TypeState   = "state"
	TypeMessage = "message"
	TypeImage   = "image"
	TypeNotice  = "notice"
	TypeSession = "session"
	TypeCleared = "cleared"
)

const defaultBufferSize = 32

// Event is one widget update.
type Event struct {
	Type      string `json:"type"`
	WidgetID  string `json:"widgetId"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Hub fans events out to the subscribers of each widget.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*subscriber]struct{}
	bufferSize int
	log        zerolog.Logger
}

type subscriber struct {
	ch chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:       make(map[string]map[*subscriber]struct{}),
		bufferSize: defaultBufferSize,
		log:        logger.Component("events"),
	}
}

// Subscribe registers a listener for a widget. The returned cancel func closes the channel.
func (h *Hub) Subscribe(widgetID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.bufferSize)}

	h.mu.Lock()
	if h.subs[widgetID] == nil {
		h.subs[widgetID] = make(map[*subscriber]struct{})
	}
	h.subs[widgetID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[widgetID]; ok {
				if _, ok := set[sub]; ok {
					delete(set, sub)
					close(sub.ch)
				}
				if len(set) == 0 {
					delete(h.subs, widgetID)
				}
			}
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event without blocking; full subscribers miss it.
func (h *Hub) Publish(widgetID, eventType string, data any) {
	evt := Event{
		Type:      eventType,
		WidgetID:  widgetID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[widgetID] {
		select {
		case sub.ch <- evt:
		default:
			h.log.Warn().Str("widget", widgetID).Str("type", eventType).Msg("subscriber buffer full, dropping event")
		}
	}
}

// Close drops every subscriber of a widget.
func (h *Hub) Close(widgetID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[widgetID] {
		close(sub.ch)
	}
	delete(h.subs, widgetID)
}

// Subscribers reports how many listeners a widget has.
func (h *Hub) Subscribers(widgetID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[widgetID])
}
