package fake

import (
	"context"
	"sync"
)

// Message is one recorded delivery.
type Message struct {
	ChatID int64
	Text   string
}

// Messenger records outgoing messages and serves scripted errors per chat.
type Messenger struct {
	mu    sync.Mutex
	sent  []Message
	fails map[int64][]error
}

func NewMessenger() *Messenger {
	return &Messenger{fails: make(map[int64][]error)}
}

// SendText consumes a scripted error for the chat if one is queued, otherwise
// records the message.
func (m *Messenger) SendText(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if errs := m.fails[chatID]; len(errs) > 0 {
		err := errs[0]
		m.fails[chatID] = errs[1:]
		return err
	}
	m.sent = append(m.sent, Message{ChatID: chatID, Text: text})
	return nil
}

// FailNext queues errors to be returned by the next sends to chatID, in order.
func (m *Messenger) FailNext(chatID int64, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[chatID] = append(m.fails[chatID], errs...)
}

// Sent returns a copy of all recorded messages in send order.
func (m *Messenger) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the texts delivered to one chat.
func (m *Messenger) SentTo(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.sent {
		if msg.ChatID == chatID {
			out = append(out, msg.Text)
		}
	}
	return out
}
