package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
)

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct{ Log *zap.Logger }

// Send logs the message.
func (m LogMailer) Send(_ context.Context, msg Message) error {
	keys := make([]string, 0, len(msg.Fields))
	for k := range msg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := []zap.Field{zap.String("to", msg.To), zap.String("template", msg.Template)}
	for _, k := range keys {
		fields = append(fields, zap.String(k, msg.Fields[k]))
	}
	m.Log.Info("mail", fields...)
	return nil
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Addr     string // host:port
	Username string
	Password string
	From     string
}

// SMTPMailer delivers plain-text messages over SMTP.
type SMTPMailer struct {
	cfg      SMTPConfig
	subjects map[string]string
	body     *template.Template
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var defaultSubjects = map[string]string{
	TemplateInactiveNotice: "Your membership is about to lapse",
	TemplatePastDue:        "Your membership renewal is past due",
	TemplateDueToday:       "Your membership renews today",
	TemplateReminder7:      "Membership renewal reminder",
	TemplateReminder14:     "Membership renewal reminder",
	TemplateReminder30:     "Membership renewal reminder",
}

const bodyText = `Hello {{index .Fields "first_name"}},

This is a note about your {{index .Fields "membership_type"}} membership, renewal date {{index .Fields "renewal_date"}}.
`

// NewSMTPMailer constructs an SMTP mailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		cfg:      cfg,
		subjects: defaultSubjects,
		body:     template.Must(template.New("body").Parse(bodyText)),
		send:     smtp.SendMail,
	}
}

// Send renders and delivers msg.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, ok := m.subjects[msg.Template]
	if !ok {
		subject = "Membership update"
	}
	var body bytes.Buffer
	if err := m.body.Execute(&body, msg); err != nil {
		return fmt.Errorf("render %s: %w", msg.Template, err)
	}

	var raw bytes.Buffer
	fmt.Fprintf(&raw, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&raw, "To: %s\r\n", msg.To)
	fmt.Fprintf(&raw, "Subject: %s\r\n", subject)
	fmt.Fprintf(&raw, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&raw, "X-Template: %s\r\n", msg.Template)
	raw.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	raw.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))

	var auth smtp.Auth
	if m.cfg.Username != "" {
		host := m.cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}
	if err := m.send(m.cfg.Addr, auth, m.cfg.From, []string{msg.To}, raw.Bytes()); err != nil {
		return fmt.Errorf("smtp send %s: %w", msg.Template, err)
	}
	return nil
}
