package chat

import "time"

// Session captures the client-generated identifier sent with every webhook call.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
