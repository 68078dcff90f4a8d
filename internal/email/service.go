// Package email sends agent account emails over SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"

	"github.com/wneessen/go-mail"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration. Security is "tls", "starttls" or empty
// for plain SMTP.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	Security string
	AppName  string
}

// Dialer delivers a built message. Tests replace it.
type Dialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type Service struct {
	config Config
	dial   func(Config) (Dialer, error)
	logger *slog.Logger
}

func NewService(config Config, logger *slog.Logger) *Service {
	if config.AppName == "" {
		config.AppName = "Switchboard"
	}
	if config.Port == 0 {
		config.Port = 587
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config: config,
		dial:   newClient,
		logger: logger.With(slog.String("service", "email")),
	}
}

func newClient(cfg Config) (Dialer, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	switch cfg.Security {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false), mail.WithTLSPolicy(mail.TLSMandatory))
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return client, nil
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.From != ""
}

func (s *Service) buildMessage(to, subject, htmlBody, textBody string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if s.config.FromName != "" {
		if err := m.FromFormat(s.config.FromName, s.config.From); err != nil {
			return nil, fmt.Errorf("set from: %w", err)
		}
	} else if err := m.From(s.config.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, textBody)
	m.AddAlternativeString(mail.TypeTextHTML, htmlBody)
	m.SetMessageID()
	return m, nil
}

func (s *Service) send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	m, err := s.buildMessage(to, subject, htmlBody, textBody)
	if err != nil {
		return err
	}
	client, err := s.dial(s.config)
	if err != nil {
		return err
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	s.logger.Info("email sent", slog.String("subject", subject))
	return nil
}

type accountData struct {
	AppName string
	Name    string
	URL     string
}

// SendPasswordResetEmail sends the reset link to an agent.
func (s *Service) SendPasswordResetEmail(ctx context.Context, to, name, resetURL string) error {
	data := accountData{AppName: s.config.AppName, Name: name, URL: resetURL}
	html, err := render(passwordResetTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	text := fmt.Sprintf("Olá %s,\n\nPara definir uma nova senha acesse:\n%s\n\nO link expira em 1 hora.\n", name, resetURL)
	return s.send(ctx, to, "Redefinição de senha - "+s.config.AppName, html, text)
}

// SendInviteEmail tells a newly created agent where to set a password.
func (s *Service) SendInviteEmail(ctx context.Context, to, name, setPasswordURL string) error {
	data := accountData{AppName: s.config.AppName, Name: name, URL: setPasswordURL}
	html, err := render(inviteTemplate, data)
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}
	text := fmt.Sprintf("Olá %s,\n\nSua conta de atendimento foi criada. Defina sua senha em:\n%s\n", name, setPasswordURL)
	return s.send(ctx, to, "Bem-vindo ao "+s.config.AppName, html, text)
}

var (
	passwordResetTemplate = template.Must(template.New("reset").Parse(passwordResetHTML))
	inviteTemplate        = template.Must(template.New("invite").Parse(inviteHTML))
)

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutCSS = `body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #128c7e; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .link { word-break: break-all; color: #128c7e; }
        .footer { margin-top: 30px; font-size: 12px; color: #666; }`

const passwordResetHTML = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.AppName}}</title><style>` + layoutCSS + `</style></head>
<body>
    <h2>Redefinição de senha</h2>
    <p>Olá {{.Name}},</p>
    <p>Recebemos um pedido para redefinir sua senha.</p>
    <p><a href="{{.URL}}" class="button">Definir nova senha</a></p>
    <p class="link">{{.URL}}</p>
    <p>O link expira em 1 hora.</p>
    <div class="footer">Se você não pediu a redefinição, ignore este email.</div>
</body>
</html>`

const inviteHTML = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.AppName}}</title><style>` + layoutCSS + `</style></head>
<body>
    <h2>Bem-vindo, {{.Name}}!</h2>
    <p>Sua conta de atendimento no {{.AppName}} foi criada.</p>
    <p><a href="{{.URL}}" class="button">Definir senha</a></p>
    <p class="link">{{.URL}}</p>
</body>
</html>`
