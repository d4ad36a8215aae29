// Package mail hands outbound notifications to a queue and delivers them
// from a pool of workers. Callers never wait for delivery.
package mail

import (
	"context"
	"time"
)

// Attachment is an optional file carried by a message
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Message is one outbound email
type Message struct {
	From       string        `json:"from"`
	To         []string      `json:"to"`
	Subject    string        `json:"subject"`
	Body       string        `json:"body"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	Delay      time.Duration `json:"delay"`

	// NotBefore is set at dispatch time from Delay
	NotBefore time.Time `json:"not_before"`
}

// Dispatcher accepts messages for eventual delivery. It reports nothing back;
// failures are logged.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message)
}

// Transport delivers a single message
type Transport interface {
	Send(ctx context.Context, msg Message) error
}
