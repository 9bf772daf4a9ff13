package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"fleetalert/internal/models"

	"gorm.io/datatypes"
)

// EmailConfig is the config blob of an email channel.
type EmailConfig struct {
	SMTPHost      string   `json:"smtp_host"`
	SMTPPort      int      `json:"smtp_port"` // 25 when zero
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	UseTLS        bool     `json:"use_tls"` // STARTTLS
	SubjectPrefix string   `json:"subject_prefix"`
}

func parseEmailConfig(raw datatypes.JSON) (*EmailConfig, error) {
	var cfg EmailConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.SMTPHost == "" {
		return nil, Permanent(errors.New("smtp_host is required"))
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, Permanent(fmt.Errorf("invalid from address: %w", err))
	}
	if len(cfg.To) == 0 {
		return nil, Permanent(errors.New("at least one recipient is required"))
	}
	for _, to := range cfg.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return nil, Permanent(fmt.Errorf("invalid recipient %q: %w", to, err))
		}
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 25
	}
	return &cfg, nil
}

// EmailSender sends a plain text mail over SMTP.
type EmailSender struct {
	dialer net.Dialer
}

func NewEmailSender() *EmailSender {
	return &EmailSender{dialer: net.Dialer{Timeout: 10 * time.Second}}
}

func (e *EmailSender) Send(ctx context.Context, ch *models.NotificationChannel, msg *Message) (Result, error) {
	cfg, err := parseEmailConfig(ch.Config)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort))
	conn, err := e.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	client, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return Result{}, fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if err := e.deliver(client, cfg, msg); err != nil {
		return Result{Latency: time.Since(start), StatusCode: smtpCode(err)}, classifySMTP(err)
	}
	_ = client.Quit()
	return Result{Latency: time.Since(start), StatusCode: 250}, nil
}

func (e *EmailSender) deliver(client *smtp.Client, cfg *EmailConfig, msg *Message) error {
	if cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.SMTPHost, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, to := range cfg.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(buildMail(cfg, msg)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}

func buildMail(cfg *EmailConfig, msg *Message) []byte {
	subject := msg.Title()
	if cfg.SubjectPrefix != "" {
		subject = cfg.SubjectPrefix + " " + subject
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", msg.SentAt.UTC().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(msg.Text(), "\n", "\r\n"))
	return []byte(sb.String())
}

func smtpCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	return 0
}

// 5xx replies (bad credentials, rejected recipient) will not change on retry.
func classifySMTP(err error) error {
	if code := smtpCode(err); code >= 500 && code < 600 {
		return Permanent(err)
	}
	return err
}
