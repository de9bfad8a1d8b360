package email

import (
	"context"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPSendBuildsMessage(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
		gotAuth smtp.Auth
	)
	p := NewSMTP(Config{Host: "mail.local", Port: 2525, From: "billing@billforge.local"})
	p.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg, gotAuth = addr, to, string(msg), a
		return nil
	}

	err := p.Send(context.Background(), Message{
		To:       []string{"owner@example.com"},
		Subject:  "Invoice overdue\r\nBcc: x@example.com",
		HTMLBody: "<p>hello</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"owner@example.com"}, gotTo)
	assert.Nil(t, gotAuth)
	assert.Contains(t, gotMsg, "Subject: Invoice overdue  Bcc: x@example.com\r\n")
	assert.Contains(t, gotMsg, "<p>hello</p>")
}

func TestSMTPSendRequiresRecipients(t *testing.T) {
	err := NewSMTP(Config{Host: "mail.local", Port: 25}).Send(context.Background(), Message{})
	assert.Error(t, err)
}
