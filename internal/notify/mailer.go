package notify

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"marketplace-chat/internal/platform/config"
)

// SMTPMailer 透過 SMTP 寄送通知郵件
type SMTPMailer struct {
	addr string
	host string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer 創建 SMTP 寄件器. 未設定帳號時不做認證.
func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	m := &SMTPMailer{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host: cfg.Host,
		from: cfg.From,
		send: smtp.SendMail,
	}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m
}

// Send 寄出郵件工作
func (m *SMTPMailer) Send(ctx context.Context, job EmailJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(job.To, "\r\n") {
		return fmt.Errorf("invalid recipient address")
	}
	return m.send(m.addr, m.auth, m.from, []string{job.To}, buildMessage(m.from, job))
}

func buildMessage(from string, job EmailJob) []byte {
	to := job.To
	if job.Name != "" {
		to = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", job.Name), job.To)
	}

	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", job.Subject) + "\r\n")
	b.WriteString("Date: " + job.CreatedAt.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(job.Body, "\n", "\r\n"))
	return []byte(b.String())
}
