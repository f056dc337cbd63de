package chat

import "time"

// State is the request gate of a widget.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingReply State = "awaiting_reply"
)

// Notice is the dismissible error toast.
type Notice struct {
	Message string    `json:"message"`
	Visible bool      `json:"visible"`
	ShownAt time.Time `json:"shownAt"`
}

// Image is a placeholder registered by a rendered message and, once loaded, its replacement markup.
type Image struct {
	PlaceholderID string `json:"placeholderId"`
	URL           string `json:"url"`
	Alt           string `json:"alt"`
	Markup        string `json:"markup,omitempty"`
	Resolved      bool   `json:"resolved"`
}

// Snapshot is everything a page needs to repaint a widget.
type Snapshot struct {
	ID       string    `json:"id"`
	Session  Session   `json:"session"`
	State    State     `json:"state"`
	Messages []Message `json:"messages"`
	Images   []Image   `json:"images"`
	Notice   Notice    `json:"notice"`
}

// CounterLevel colours the character counter.
type CounterLevel string

const (
	CounterNormal  CounterLevel = "normal"
	CounterWarning CounterLevel = "warning"
	CounterDanger  CounterLevel = "danger"
)

// InputStatus describes the draft currently typed into a widget.
type InputStatus struct {
	Length  int          `json:"length"`
	Level   CounterLevel `json:"level"`
	CanSend bool         `json:"canSend"`
}
