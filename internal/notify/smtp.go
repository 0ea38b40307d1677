package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"text/template"
	"time"

	"storefront/internal/config"
	"storefront/internal/model"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

var confirmationTmpl = template.Must(template.New("confirmation").Parse(
	`From: {{.From}}
To: {{.Order.Contact.Email}}
Subject: Xac nhan don hang {{.Order.OrderNo}}
MIME-Version: 1.0
Content-Type: text/plain; charset="UTF-8"

Xin chao {{.Order.Contact.Name}},

Don hang {{.Order.OrderNo}} da duoc ghi nhan ({{.Status}}).
{{range .Order.Lines}}- SP #{{.ProductID}}{{if .VariantLabel}} ({{.VariantLabel}}){{end}} x{{.Quantity}}: {{.Amount.StringFixed 2}}
{{end}}Tong cong: {{.Order.Total.StringFixed 2}}
Thanh toan: {{.Order.PaymentMethod}}
Giao den: {{.Order.Contact.Address}}
`))

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer 通过 SMTP 发送确认邮件，连续失败后熔断。
type SMTPMailer struct {
	cfg  config.SMTPConfig
	log  log.FieldLogger
	send sendFunc
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewSMTPMailer(cfg config.SMTPConfig, logger log.FieldLogger) *SMTPMailer {
	return &SMTPMailer{
		cfg:  cfg,
		log:  logger,
		send: smtp.SendMail,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "smtp",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
			},
		}),
	}
}

// NewMailer 根据配置选择 SMTP 或仅日志。
func NewMailer(cfg config.SMTPConfig, logger log.FieldLogger) Notifier {
	if cfg.Host == "" {
		return LogMailer{Log: logger}
	}
	return NewSMTPMailer(cfg, logger)
}

func (m *SMTPMailer) SendOrderConfirmation(ctx context.Context, o *model.Order) error {
	if o.Contact.Email == "" {
		return fmt.Errorf("order %d has no email", o.ID)
	}
	msg, err := renderConfirmation(m.cfg.From, o)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	_, err = m.cb.Execute(func() (struct{}, error) {
		return struct{}{}, m.send(addr, auth, m.cfg.From, []string{o.Contact.Email}, msg)
	})
	if err != nil {
		return fmt.Errorf("send confirmation for order %d: %w", o.ID, err)
	}
	m.log.WithFields(log.Fields{"order_id": o.ID, "email": o.Contact.Email}).Info("order confirmation sent")
	return nil
}

func renderConfirmation(from string, o *model.Order) ([]byte, error) {
	var buf bytes.Buffer
	err := confirmationTmpl.Execute(&buf, struct {
		From   string
		Order  *model.Order
		Status string
	}{From: from, Order: o, Status: o.Status.String()})
	if err != nil {
		return nil, fmt.Errorf("render confirmation: %w", err)
	}
	return bytes.ReplaceAll(buf.Bytes(), []byte("\n"), []byte("\r\n")), nil
}
