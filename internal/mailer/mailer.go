// Package mailer sends agent emails through the customer's own SMTP
// account, so replies land in their mailbox and deliverability rides on
// their domain reputation.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxwire/voxwire/internal/secrets"
)

// ErrNotConfigured indicates the user has no SMTP settings saved.
var ErrNotConfigured = errors.New("mailer: smtp not configured for user")

// Settings is a user's outbound SMTP account. The password is sealed at
// rest and only opened for the duration of a send.
type Settings struct {
	UserID    uuid.UUID
	Host      string
	Port      int
	Secure    bool
	Username  string
	Password  secrets.SealedString
	FromEmail string
	FromName  string
	UpdatedAt time.Time
}

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists per-user SMTP settings.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("mailer: pgx pool required")
	}
	return &Repository{pool: pool}
}

// Get loads a user's SMTP settings.
func (r *Repository) Get(ctx context.Context, userID uuid.UUID) (*Settings, error) {
	var s Settings
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, host, port, secure, username,
			password_ciphertext, password_iv, password_tag,
			from_email, from_name, updated_at
		FROM user_smtp_settings
		WHERE user_id = $1
	`, userID).Scan(&s.UserID, &s.Host, &s.Port, &s.Secure, &s.Username,
		&s.Password.Ciphertext, &s.Password.IV, &s.Password.Tag,
		&s.FromEmail, &s.FromName, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("mailer: get settings: %w", err)
	}
	return &s, nil
}

// Upsert saves a user's SMTP settings with the password already sealed.
func (r *Repository) Upsert(ctx context.Context, s *Settings) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_smtp_settings (user_id, host, port, secure, username,
			password_ciphertext, password_iv, password_tag, from_email, from_name, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
		ON CONFLICT (user_id) DO UPDATE
		SET host = EXCLUDED.host, port = EXCLUDED.port, secure = EXCLUDED.secure,
			username = EXCLUDED.username,
			password_ciphertext = EXCLUDED.password_ciphertext,
			password_iv = EXCLUDED.password_iv,
			password_tag = EXCLUDED.password_tag,
			from_email = EXCLUDED.from_email, from_name = EXCLUDED.from_name,
			updated_at = now()
	`, s.UserID, s.Host, s.Port, s.Secure, s.Username,
		s.Password.Ciphertext, s.Password.IV, s.Password.Tag, s.FromEmail, s.FromName)
	if err != nil {
		return fmt.Errorf("mailer: upsert settings: %w", err)
	}
	return nil
}

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer opens the sealed password and relays through the user's SMTP host.
type Mailer struct {
	repo   *Repository
	cipher *secrets.Cipher
}

func NewMailer(repo *Repository, cipher *secrets.Cipher) *Mailer {
	return &Mailer{repo: repo, cipher: cipher}
}

// Send delivers one message through the user's configured account.
func (m *Mailer) Send(ctx context.Context, userID uuid.UUID, msg Message) error {
	settings, err := m.repo.Get(ctx, userID)
	if err != nil {
		return err
	}
	password, err := m.cipher.Open(settings.Password)
	if err != nil {
		return fmt.Errorf("mailer: open password: %w", err)
	}
	return sendSMTP(ctx, settings, password, msg)
}

// sendSMTP speaks the protocol directly so the dial honors the context
// deadline; smtp.SendMail has no context support.
func sendSMTP(ctx context.Context, s *Settings, password string, msg Message) error {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mailer: dial %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mailer: smtp handshake: %w", err)
	}
	defer client.Close()

	if s.Secure {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.Host}); err != nil {
				return fmt.Errorf("mailer: starttls: %w", err)
			}
		}
	}
	auth := smtp.PlainAuth("", s.Username, password, s.Host)
	if ok, _ := client.Extension("AUTH"); ok {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("mailer: auth: %w", err)
		}
	}
	if err := client.Mail(s.FromEmail); err != nil {
		return fmt.Errorf("mailer: mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("mailer: rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("mailer: data: %w", err)
	}
	if _, err := w.Write(buildMessage(s, msg)); err != nil {
		return fmt.Errorf("mailer: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mailer: finish body: %w", err)
	}
	return client.Quit()
}

func buildMessage(s *Settings, msg Message) []byte {
	from := s.FromEmail
	if s.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.FromName), s.FromEmail)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
