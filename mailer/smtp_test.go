package mailer

import (
	"bytes"
	"context"
	"testing"

	"github.com/blingmoon/equipment-procurement/workflow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

type fakeSender struct {
	err  error
	sent []*mail.Msg
}

func (f *fakeSender) DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, messages...)
	return nil
}

func testMessage() *workflow.Message {
	return &workflow.Message{
		From:     "compras@lab.example.com",
		To:       []string{"supplier@x.com"},
		Cc:       []string{"ventas@lab.example.com"},
		ReplyTo:  "ventas@lab.example.com",
		Subject:  "Quote request",
		HTMLBody: "<p>hola</p>",
	}
}

func TestSMTPNotifier(t *testing.T) {
	ctx := context.Background()

	t.Run("组装并发送", func(t *testing.T) {
		fake := &fakeSender{}
		notifier := &SMTPNotifier{client: fake}
		require.NoError(t, notifier.Send(ctx, testMessage()))
		require.Len(t, fake.sent, 1)

		var buf bytes.Buffer
		_, err := fake.sent[0].WriteTo(&buf)
		require.NoError(t, err)
		raw := buf.String()
		assert.Contains(t, raw, "supplier@x.com")
		assert.Contains(t, raw, "compras@lab.example.com")
		assert.Contains(t, raw, "Subject: Quote request")
		assert.Contains(t, raw, "Reply-To:")
		assert.Contains(t, raw, "text/html")
		assert.Contains(t, raw, "<p>hola</p>")
	})

	t.Run("发送失败", func(t *testing.T) {
		notifier := &SMTPNotifier{client: &fakeSender{err: errors.New("connection refused")}}
		err := notifier.Send(ctx, testMessage())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("地址不合法", func(t *testing.T) {
		fake := &fakeSender{}
		notifier := &SMTPNotifier{client: fake}
		msg := testMessage()
		msg.To = []string{"not an address"}
		assert.Error(t, notifier.Send(ctx, msg))

		msg = testMessage()
		msg.To = nil
		assert.Error(t, notifier.Send(ctx, msg))
		assert.Empty(t, fake.sent)
	})
}

func TestNewSMTPNotifier(t *testing.T) {
	_, err := NewSMTPNotifier(SMTPConfig{})
	assert.Error(t, err)

	_, err = NewSMTPNotifier(SMTPConfig{Host: "smtp.example.com", TLSPolicy: "sometimes"})
	assert.Error(t, err)

	notifier, err := NewSMTPNotifier(SMTPConfig{Host: "smtp.example.com", Username: "user", Password: "secret", TLSPolicy: "opportunistic"})
	require.NoError(t, err)
	assert.NotNil(t, notifier.client)

	for name, want := range map[string]mail.TLSPolicy{
		"":              mail.TLSMandatory,
		"Mandatory":     mail.TLSMandatory,
		"opportunistic": mail.TLSOpportunistic,
		"none":          mail.NoTLS,
	} {
		got, err := tlsPolicy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
