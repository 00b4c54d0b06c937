package mailer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/blingmoon/equipment-procurement/workflow"
	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
)

const (
	TLSPolicyMandatory     = "mandatory"
	TLSPolicyOpportunistic = "opportunistic"
	TLSPolicyNone          = "none"

	defaultSMTPPort    = 587
	defaultSMTPTimeout = 15 * time.Second
)

// SMTPConfig SMTP服务器参数
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string // 为空不做认证
	Password  string
	TLSPolicy string
	Timeout   time.Duration
}

// sender 发送已经组装好的邮件, 方便测试替换
type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPNotifier 通过SMTP发送供应商通知
type SMTPNotifier struct {
	client sender
}

var _ workflow.Notifier = (*SMTPNotifier)(nil)

func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host required")
	}
	port := cfg.Port
	if port <= 0 {
		port = defaultSMTPPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	policy, err := tlsPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(timeout),
		mail.WithTLSPolicy(policy),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, "create smtp client failed")
	}
	return &SMTPNotifier{client: client}, nil
}

func tlsPolicy(name string) (mail.TLSPolicy, error) {
	switch strings.ToLower(name) {
	case "", TLSPolicyMandatory:
		return mail.TLSMandatory, nil
	case TLSPolicyOpportunistic:
		return mail.TLSOpportunistic, nil
	case TLSPolicyNone:
		return mail.NoTLS, nil
	default:
		return mail.NoTLS, errors.Errorf("unknown smtp tls policy: %s", name)
	}
}

func (n *SMTPNotifier) Send(ctx context.Context, msg *workflow.Message) error {
	m, err := buildMsg(msg)
	if err != nil {
		return err
	}
	if err := n.client.DialAndSendWithContext(ctx, m); err != nil {
		slog.WarnContext(ctx, "smtp send failed", "to", msg.To, "subject", msg.Subject, "error", err)
		return errors.WithMessagef(err, "send email %q failed", msg.Subject)
	}
	slog.InfoContext(ctx, "email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

func buildMsg(msg *workflow.Message) (*mail.Msg, error) {
	if msg == nil || len(msg.To) == 0 {
		return nil, errors.New("email has no recipients")
	}
	m := mail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, errors.WithMessagef(err, "invalid from address %s", msg.From)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, errors.WithMessagef(err, "invalid to address %v", msg.To)
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, errors.WithMessagef(err, "invalid cc address %v", msg.Cc)
		}
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, errors.WithMessagef(err, "invalid reply-to address %s", msg.ReplyTo)
		}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTMLBody)
	return m, nil
}
