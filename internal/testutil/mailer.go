package testutil

import (
	"context"
	"sync"

	"github.com/smallbiznis/billforge/internal/providers/email"
)

// FakeMailer records sent messages instead of delivering them.
type FakeMailer struct {
	mu   sync.Mutex
	Sent []email.Message
	Err  error
}

func (m *FakeMailer) Send(_ context.Context, msg email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

func (m *FakeMailer) Messages() []email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]email.Message(nil), m.Sent...)
}
