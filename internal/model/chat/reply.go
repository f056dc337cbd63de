package chat

// ReplyRequest is what a reply backend receives for one user send.
type ReplyRequest struct {
	SessionID string
	Input     string
	// History holds earlier messages of the same session, oldest first.
	History []Message
}
