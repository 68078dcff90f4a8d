package app

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"switchboard/internal/auth"
	"switchboard/internal/authpw"
	"switchboard/internal/channel"
	"switchboard/internal/config"
	"switchboard/internal/contacts"
	"switchboard/internal/exams"
	"switchboard/internal/export"
	"switchboard/internal/ingest"
	"switchboard/internal/media"
	"switchboard/internal/rbac"
	"switchboard/internal/realtime"
	"switchboard/internal/search"
	"switchboard/internal/status"
	"switchboard/internal/store"
	"switchboard/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	AgentID      string
	AgentName    string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// SessionStore keeps refresh tokens and revoked access tokens. Both the
// Postgres store and session.RedisStore implement it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, agentID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Agent, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type DataStore interface {
	SessionStore
	GetAgentByID(ctx context.Context, id string) (store.Agent, error)
	ListAgents(ctx context.Context) ([]store.Agent, error)
	UpdateAgentAccess(ctx context.Context, agentID, role string, active bool) error
	ListMessages(ctx context.Context, table string, filter store.MessageFilter) ([]store.Message, error)
	InsertAudit(ctx context.Context, entry store.AuditEntry) error
	ListAudit(ctx context.Context, entity string, limit int) ([]store.AuditEntry, error)
	ListMediaRuns(ctx context.Context, limit int) ([]store.MediaMigrationRun, error)
	Ping(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators the HTTP service is assembled from.
// Optional ones may be left nil.
type Dependencies struct {
	Store    DataStore
	Sessions SessionStore // defaults to Store
	Redis    Pinger
	Channels *channel.Registry
	Statuses status.Store
	Contacts *contacts.Resolver
	Exams    *exams.Service
	Search   *search.Service
	Media    *media.Migrator
	Ingest   *ingest.Service
	Accounts *authpw.Service
	Realtime *realtime.Hub
	Printer  export.Printer
	Logger   *slog.Logger
}

type Service struct {
	cfg      config.Config
	store    DataStore
	sessions SessionStore
	redis    Pinger
	channels *channel.Registry
	statuses status.Store
	contacts *contacts.Resolver
	exams    *exams.Service
	reports  *export.Service
	search   *search.Service
	media    *media.Migrator
	ingest   *ingest.Service
	accounts *authpw.Service
	hub      *realtime.Hub
	location *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg config.Config, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = deps.Store
	}
	statuses := deps.Statuses
	if statuses == nil {
		statuses = status.NewMemoryStore()
	}
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: sessions,
		redis:    deps.Redis,
		channels: deps.Channels,
		statuses: statuses,
		contacts: deps.Contacts,
		exams:    deps.Exams,
		search:   deps.Search,
		media:    deps.Media,
		ingest:   deps.Ingest,
		accounts: deps.Accounts,
		hub:      deps.Realtime,
		location: cfg.Location(),
		logger:   logger.With(slog.String("service", "app")),
		now:      time.Now,
	}
	s.reports = export.NewService(reportSource{svc: s}, deps.Printer, logger)
	return s
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready checks every backend the service depends on. A nil error means the
// backend answered.
func (s *Service) Ready(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.redis != nil {
		checks["redis"] = s.redis.Ping(ctx)
	}
	return checks
}

func (s *Service) MailConfigured() bool {
	return s.cfg.SMTPHost != "" && s.cfg.SMTPFrom != ""
}

// Sessions

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	if s.accounts == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	agent, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, agent)
}

// Refresh rotates a refresh token. The agent is reloaded so role changes and
// deactivation take effect on the next refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	agent, err := s.store.GetAgentByID(ctx, ref.ID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	if agent.DeactivatedAt != nil {
		return Session{}, authpw.ErrDeactivated
	}
	return s.issueSession(ctx, agent)
}

func (s *Service) issueSession(ctx context.Context, agent store.Agent) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  agent.ID,
		Name: agent.DisplayName,
		Role: agent.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh, err := util.NewToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), agent.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		AgentID:      agent.ID,
		AgentName:    agent.DisplayName,
		Email:        agent.Email,
		Role:         string(rbac.Normalize(agent.Role)),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	agent, err := s.store.GetAgentByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if agent.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		AgentID:   agent.ID,
		AgentName: agent.DisplayName,
		Email:     agent.Email,
		Role:      string(rbac.Normalize(agent.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", slog.Any("error", err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh token failed", slog.Any("error", err))
		}
	}
	return nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if s.accounts == nil {
		return "", domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	return s.accounts.RequestPasswordReset(ctx, email)
}

func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	if s.accounts == nil {
		return domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	return s.accounts.ResetPassword(ctx, token, password)
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	if s.accounts == nil {
		return domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	return s.accounts.ChangePassword(ctx, session.AgentID, current, next)
}

// Webhooks

// AuthorizeWebhook checks the shared webhook token. Webhooks are refused
// while no token is configured.
func (s *Service) AuthorizeWebhook(token string) error {
	expected := s.cfg.WebhookToken
	if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid webhook token", nil)
	}
	return nil
}

// HandleWebhook authenticates a provider delivery and stores it.
func (s *Service) HandleWebhook(ctx context.Context, instance, token string, body []byte) (ingest.Result, error) {
	if err := s.AuthorizeWebhook(token); err != nil {
		return ingest.Result{}, err
	}
	if s.ingest == nil {
		return ingest.Result{}, domainError(http.StatusServiceUnavailable, "INGEST_UNAVAILABLE", "Ingestion not configured", nil)
	}
	payload, err := ingest.Decode(body)
	if err != nil {
		return ingest.Result{}, err
	}
	return s.ingest.Handle(ctx, instance, payload)
}

// ServeRealtime upgrades an authenticated request to the change feed of
// one channel.
func (s *Service) ServeRealtime(w http.ResponseWriter, r *http.Request, channelID string) error {
	if s.hub == nil {
		return domainError(http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime updates not configured", nil)
	}
	ch, err := s.channels.ByID(r.Context(), channelID)
	if err != nil {
		return err
	}
	s.hub.Serve(w, r, ch.ID, ch.Table)
	return nil
}

// audit records an administrative change. Failures are only logged.
func (s *Service) audit(ctx context.Context, actor, action, entity, entityID string, details any) {
	entry := store.AuditEntry{
		Actor:    actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err == nil {
			entry.Details = raw
		}
	}
	if err := s.store.InsertAudit(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("audit insert failed",
			slog.String("action", action),
			slog.String("entity_id", entityID),
			slog.Any("error", err))
	}
}
