package email

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	xerrors "RelayAgent/internal/errors"
)

// SMTPConfig 描述发信服务器。
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

// Sender 发送一封纯文本邮件。告警模块复用同一接口。
type Sender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// SMTPSender 通过 net/smtp 发送邮件。
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

// NewSMTPSender 创建发信器。
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

// Send 实现 Sender。net/smtp 不支持 context，这里只在发送前检查取消。
func (s *SMTPSender) Send(ctx context.Context, subject, content string, to []string) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "send mail cancelled")
	}
	if s.cfg.Host == "" || s.cfg.From == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "smtp host and sender address are required")
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	if err := s.send(addr, auth, s.cfg.From, to, s.message(subject, content, to)); err != nil {
		return xerrors.Wrap(xerrors.CodeToolFailure, err, "smtp delivery failed")
	}
	return nil
}

func (s *SMTPSender) message(subject, content string, to []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(content, "\n", "\r\n"))
	return []byte(b.String())
}
