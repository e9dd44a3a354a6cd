package history

import "time"

// Entry is one journaled message of a completion exchange.
type Entry struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	Model     string    `json:"model"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
