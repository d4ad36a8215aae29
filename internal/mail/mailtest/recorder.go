// Package mailtest provides a Dispatcher that records messages instead of
// sending them.
package mailtest

import (
	"context"
	"sync"

	"github.com/EDRN/biokey/internal/mail"
)

// Recorder is a mail.Dispatcher that keeps every message it is given
type Recorder struct {
	mu       sync.Mutex
	messages []mail.Message
}

// Dispatch records msg
func (r *Recorder) Dispatch(ctx context.Context, msg mail.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// Messages returns the recorded messages in dispatch order
func (r *Recorder) Messages() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.Message(nil), r.messages...)
}

// Reset forgets every recorded message
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
