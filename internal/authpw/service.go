// Package authpw signs agents in with email and password and manages their
// accounts and password resets.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"switchboard/internal/rbac"
	"switchboard/internal/store"
	"switchboard/internal/util"
)

const (
	MinPasswordLength = 8
	resetTTL          = time.Hour
	inviteTTL         = 72 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrDeactivated        = errors.New("agent deactivated")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrInvalidInput       = errors.New("invalid agent input")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
)

// dummyHash keeps unknown-email sign-ins as slow as wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("switchboard"), bcrypt.DefaultCost)

type AgentStore interface {
	GetAgentByEmail(ctx context.Context, email string) (store.Agent, error)
	GetAgentByID(ctx context.Context, id string) (store.Agent, error)
	CountAgents(ctx context.Context) (int, error)
	CreateAgent(ctx context.Context, agent store.Agent) error
	UpdateAgentPassword(ctx context.Context, agentID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, agentID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
}

// Mailer sends account emails. A nil Mailer disables email delivery.
type Mailer interface {
	IsConfigured() bool
	SendPasswordResetEmail(ctx context.Context, to, name, resetURL string) error
	SendInviteEmail(ctx context.Context, to, name, setPasswordURL string) error
}

type Service struct {
	store   AgentStore
	mailer  Mailer
	baseURL string
	logger  *slog.Logger
	cost    int
}

// NewService builds the service. baseURL is the public web address used in
// emailed links.
func NewService(st AgentStore, mailer Mailer, baseURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		mailer:  mailer,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With(slog.String("service", "authpw")),
		cost:    bcrypt.DefaultCost,
	}
}

func (s *Service) SignIn(ctx context.Context, email, password string) (store.Agent, error) {
	email = util.NormalizeEmail(email)
	if email == "" || password == "" {
		return store.Agent{}, ErrInvalidCredentials
	}
	agent, err := s.store.GetAgentByEmail(ctx, email)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return store.Agent{}, ErrInvalidCredentials
	}
	if agent.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(password)) != nil {
		return store.Agent{}, ErrInvalidCredentials
	}
	if agent.DeactivatedAt != nil {
		return store.Agent{}, ErrDeactivated
	}
	return agent, nil
}

type CreateAgentRequest struct {
	Email       string
	DisplayName string
	Role        string
	// Password may be empty; the agent then receives an invite link.
	Password string
}

func (s *Service) CreateAgent(ctx context.Context, req CreateAgentRequest) (store.Agent, error) {
	email := util.NormalizeEmail(req.Email)
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || !strings.Contains(email, "@") || name == "" {
		return store.Agent{}, ErrInvalidInput
	}
	role := req.Role
	if role == "" {
		role = string(rbac.RoleAgent)
	}
	if !rbac.Valid(role) {
		return store.Agent{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}

	agent := store.Agent{ID: util.NewID("agt"), DisplayName: name, Email: email, Role: role}
	if req.Password != "" {
		hash, err := s.hash(req.Password)
		if err != nil {
			return store.Agent{}, err
		}
		agent.PasswordHash = hash
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return store.Agent{}, err
	}
	s.logger.Info("agent created", slog.String("agent_id", agent.ID), slog.String("role", role))

	if req.Password == "" {
		token, err := s.issueLink(ctx, agent, inviteTTL)
		if err == nil {
			err = s.sendInvite(ctx, agent, token)
		}
		if err != nil {
			s.logger.Warn("invite email failed", slog.String("agent_id", agent.ID), slog.Any("error", err))
		}
	}
	return agent, nil
}

// Bootstrap creates the first admin when the agents table is empty. It is a
// no-op afterwards.
func (s *Service) Bootstrap(ctx context.Context, email, password string) (bool, error) {
	if email == "" || password == "" {
		return false, nil
	}
	count, err := s.store.CountAgents(ctx)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	_, err = s.CreateAgent(ctx, CreateAgentRequest{
		Email:       email,
		DisplayName: "Administrador",
		Role:        string(rbac.RoleAdmin),
		Password:    password,
	})
	if err != nil {
		return false, fmt.Errorf("bootstrap admin: %w", err)
	}
	return true, nil
}

// RequestPasswordReset never reveals whether the address exists. The token
// is returned so callers without email can still hand it over.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	agent, err := s.store.GetAgentByEmail(ctx, util.NormalizeEmail(email))
	if err != nil || agent.DeactivatedAt != nil {
		return "", nil
	}
	token, err := s.issueLink(ctx, agent, resetTTL)
	if err != nil {
		return "", err
	}
	if err := s.sendReset(ctx, agent, token); err != nil {
		s.logger.Warn("password reset email failed", slog.String("agent_id", agent.ID), slog.Any("error", err))
	}
	return token, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return ErrInvalidResetToken
	}
	hash, err := s.hash(newPassword)
	if err != nil {
		return err
	}
	agentID, err := s.store.GetPasswordReset(ctx, token)
	if err != nil {
		return ErrInvalidResetToken
	}
	if err := s.store.UpdateAgentPassword(ctx, agentID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.store.MarkPasswordResetUsed(ctx, token); err != nil {
		s.logger.Warn("mark reset used failed", slog.Any("error", err))
	}
	return nil
}

// ChangePassword requires the current password.
func (s *Service) ChangePassword(ctx context.Context, agentID, current, next string) error {
	agent, err := s.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(current)) != nil {
		return ErrInvalidCredentials
	}
	hash, err := s.hash(next)
	if err != nil {
		return err
	}
	return s.store.UpdateAgentPassword(ctx, agentID, hash)
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) issueLink(ctx context.Context, agent store.Agent, ttl time.Duration) (string, error) {
	token, err := util.NewToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	if err := s.store.CreatePasswordReset(ctx, agent.ID, token, time.Now().Add(ttl)); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) resetURL(token string) string {
	return s.baseURL + "/reset-password?token=" + token
}

func (s *Service) sendReset(ctx context.Context, agent store.Agent, token string) error {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return nil
	}
	return s.mailer.SendPasswordResetEmail(ctx, agent.Email, agent.DisplayName, s.resetURL(token))
}

func (s *Service) sendInvite(ctx context.Context, agent store.Agent, token string) error {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return nil
	}
	return s.mailer.SendInviteEmail(ctx, agent.Email, agent.DisplayName, s.resetURL(token))
}
