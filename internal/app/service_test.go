package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"switchboard/internal/channel"
	"switchboard/internal/config"
	"switchboard/internal/ingest"
	"switchboard/internal/logging"
	"switchboard/internal/status"
	"switchboard/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	agents   map[string]store.Agent
	refresh  map[string]string
	revoked  map[string]bool
	messages map[string][]store.Message
	audit    []store.AuditEntry
	runs     []store.MediaMigrationRun
	nextID   int64

	pingFn         func(context.Context) error
	listMessagesFn func(context.Context, string, store.MessageFilter) ([]store.Message, error)
}

func newFakeStore(agents ...store.Agent) *fakeStore {
	fs := &fakeStore{
		agents:   make(map[string]store.Agent),
		refresh:  make(map[string]string),
		revoked:  make(map[string]bool),
		messages: make(map[string][]store.Message),
	}
	for _, agent := range agents {
		fs.agents[agent.ID] = agent
	}
	return fs
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, agentID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = agentID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agentID, ok := f.refresh[tokenHash]
	if !ok {
		return store.Agent{}, sql.ErrNoRows
	}
	return store.Agent{ID: agentID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) GetAgentByID(_ context.Context, id string) (store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return store.Agent{}, sql.ErrNoRows
	}
	return agent, nil
}

func (f *fakeStore) ListAgents(context.Context) ([]store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Agent, 0, len(f.agents))
	for _, agent := range f.agents {
		out = append(out, agent)
	}
	return out, nil
}

func (f *fakeStore) UpdateAgentAccess(_ context.Context, agentID, role string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return sql.ErrNoRows
	}
	agent.Role = role
	agent.DeactivatedAt = nil
	if !active {
		now := time.Now()
		agent.DeactivatedAt = &now
	}
	f.agents[agentID] = agent
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, table string, filter store.MessageFilter) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, table, filter)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Message, 0)
	for _, m := range f.messages[table] {
		if filter.SessionID != "" && m.SessionID != filter.SessionID {
			continue
		}
		if !filter.Since.IsZero() && m.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, table string, m store.Message) (store.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.messages[table] {
		if m.ExternalID != "" && existing.ExternalID == m.ExternalID {
			return existing, false, nil
		}
	}
	f.nextID++
	m.ID = f.nextID
	f.messages[table] = append(f.messages[table], m)
	return m, true, nil
}

func (f *fakeStore) InsertAudit(_ context.Context, entry store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = int64(len(f.audit) + 1)
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeStore) ListAudit(_ context.Context, entity string, limit int) ([]store.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AuditEntry, 0)
	for _, entry := range f.audit {
		if entity != "" && entry.Entity != entity {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListMediaRuns(_ context.Context, limit int) ([]store.MediaMigrationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) > limit {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, 0, len(f.audit))
	for _, entry := range f.audit {
		actions = append(actions, entry.Action)
	}
	return actions
}

type fakePrinter struct {
	html string
	err  error
}

func (p *fakePrinter) PrintPDF(_ context.Context, html string) ([]byte, error) {
	p.html = html
	if p.err != nil {
		return nil, p.err
	}
	return []byte("%PDF-1.4 test"), nil
}

const testChannels = `
channels:
  - id: loja-centro
    name: Loja Centro
    instance: centro-wa
  - id: antiga
    name: Loja Antiga
    active: false
`

var (
	adminAgent      = store.Agent{ID: "agt_admin", DisplayName: "Ana Admin", Email: "ana@example.com", Role: "admin"}
	supervisorAgent = store.Agent{ID: "agt_super", DisplayName: "Sergio", Email: "sergio@example.com", Role: "supervisor"}
	deskAgent       = store.Agent{ID: "agt_desk", DisplayName: "Bia", Email: "bia@example.com", Role: "agent"}
)

type testEnv struct {
	svc      *Service
	store    *fakeStore
	statuses *status.MemoryStore
	printer  *fakePrinter
	server   *HTTPServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	static, err := channel.ParseStatic([]byte(testChannels))
	if err != nil {
		t.Fatalf("parse channels: %v", err)
	}
	registry := channel.NewRegistry(static, nil, time.Minute, logging.Discard())
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh channels: %v", err)
	}

	fs := newFakeStore(adminAgent, supervisorAgent, deskAgent)
	statuses := status.NewMemoryStore()
	printer := &fakePrinter{}
	cfg := config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		WebhookToken:   "hook-secret",
		Timezone:       "UTC",
		MediaBatchSize: 100,
	}
	svc := New(cfg, Dependencies{
		Store:    fs,
		Channels: registry,
		Statuses: statuses,
		Ingest:   ingest.NewService(registry, fs, statuses, nil, logging.Discard()),
		Printer:  printer,
		Logger:   logging.Discard(),
	})
	return &testEnv{
		svc:      svc,
		store:    fs,
		statuses: statuses,
		printer:  printer,
		server:   NewHTTPServer(svc, "*"),
	}
}

func (e *testEnv) token(t *testing.T, agent store.Agent) string {
	t.Helper()
	session, err := e.svc.issueSession(context.Background(), agent)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func (e *testEnv) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) seed(table string, messages ...store.Message) {
	for _, m := range messages {
		_, _, _ = e.store.InsertMessage(context.Background(), table, m)
	}
}

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func inbound(session, body string, minute int) store.Message {
	return store.Message{
		SessionID:   session,
		Direction:   store.DirectionInbound,
		Sender:      store.SenderCustomer,
		Body:        body,
		ContactName: "Maria",
		CreatedAt:   base.Add(time.Duration(minute) * time.Minute),
	}
}

func outbound(session, body string, minute int) store.Message {
	return store.Message{
		SessionID: session,
		Direction: store.DirectionOutbound,
		Sender:    store.SenderAgent,
		Body:      body,
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.issueSession(ctx, deskAgent)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	second, err := env.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}
	if second.AgentID != deskAgent.ID || second.Role != "agent" {
		t.Fatalf("unexpected session %+v", second)
	}
	if _, err := env.svc.Refresh(ctx, first.RefreshToken); err == nil {
		t.Fatalf("expected reused refresh token to fail")
	}
}

func TestRefreshRejectsDeactivatedAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.issueSession(ctx, deskAgent)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if err := env.store.UpdateAgentAccess(ctx, deskAgent.ID, "agent", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatalf("expected refresh to fail for deactivated agent")
	}
	if _, err := env.svc.SessionFromToken(ctx, session.Token); err == nil {
		t.Fatalf("expected access token to stop working for deactivated agent")
	}
}

func TestSessionRoleComesFromStoredAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	token := env.token(t, deskAgent)
	if err := env.store.UpdateAgentAccess(ctx, deskAgent.ID, "supervisor", true); err != nil {
		t.Fatalf("promote: %v", err)
	}
	session, err := env.svc.SessionFromToken(ctx, token)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Role != "supervisor" {
		t.Fatalf("expected promoted role, got %q", session.Role)
	}
}

func TestListConversationsMergesStatusAndReadMarkers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed("msgs_loja_centro",
		inbound("5511911110000@s.whatsapp.net", "Oi", 0),
		inbound("5511911110000@s.whatsapp.net", "Tem horário?", 1),
		inbound("5511922220000@s.whatsapp.net", "Bom dia", 2),
		outbound("5511922220000@s.whatsapp.net", "Bom dia! Como posso ajudar?", 3),
		inbound("5511933330000@s.whatsapp.net", "Obrigado", 4),
	)
	if _, err := env.statuses.Set(ctx, "loja-centro", "5511933330000@s.whatsapp.net", status.Resolved, "Bia"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.statuses.MarkRead(ctx, "loja-centro", "5511911110000@s.whatsapp.net", "Bia", base.Add(30*time.Second)); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	summaries, err := env.svc.ListConversations(ctx, "loja-centro", ConversationQuery{})
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(summaries))
	}
	bySession := map[string]int{}
	for i, summary := range summaries {
		bySession[summary.SessionID] = i
	}

	first := summaries[bySession["5511911110000@s.whatsapp.net"]]
	if first.UnreadCount != 1 {
		t.Fatalf("expected read marker to leave 1 unread, got %d", first.UnreadCount)
	}
	resolved := summaries[bySession["5511933330000@s.whatsapp.net"]]
	if resolved.Status != status.Resolved || resolved.UnreadCount != 0 {
		t.Fatalf("expected resolved conversation with no unread, got %+v", resolved)
	}
	if summaries[0].SessionID != "5511933330000@s.whatsapp.net" {
		t.Fatalf("expected latest conversation first, got %s", summaries[0].SessionID)
	}

	onlyResolved, err := env.svc.ListConversations(ctx, "loja-centro", ConversationQuery{Status: status.Resolved})
	if err != nil {
		t.Fatalf("filter conversations: %v", err)
	}
	if len(onlyResolved) != 1 {
		t.Fatalf("expected 1 resolved conversation, got %d", len(onlyResolved))
	}

	if _, err := env.svc.ListConversations(ctx, "loja-centro", ConversationQuery{Status: "archived"}); !errors.Is(err, status.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestGetConversationHidesInlinePayloads(t *testing.T) {
	env := newTestEnv(t)
	payload := "/9j/" + strings.Repeat("A", 124)
	env.seed("msgs_loja_centro",
		inbound("5511911110000@s.whatsapp.net", "Segue a foto", 0),
		inbound("5511911110000@s.whatsapp.net", payload, 1),
	)

	detail, err := env.svc.GetConversation(context.Background(), "loja-centro", "5511911110000@s.whatsapp.net")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(detail.Messages))
	}
	photo := detail.Messages[1]
	if photo.Body != "" || !photo.HasInlineMedia || photo.MediaKind != "image" {
		t.Fatalf("expected inline image to be hidden, got %+v", photo)
	}
	if detail.Summary.DisplayName != "Maria" {
		t.Fatalf("expected push name as display name, got %q", detail.Summary.DisplayName)
	}
}

func TestSetStatusWritesAudit(t *testing.T) {
	env := newTestEnv(t)
	session := Session{AgentID: deskAgent.ID, AgentName: deskAgent.DisplayName, Role: "agent"}

	record, err := env.svc.SetStatus(context.Background(), session, "loja-centro", "5511911110000@s.whatsapp.net", status.InProgress)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if record.Status != status.InProgress || record.UpdatedBy != "Bia" {
		t.Fatalf("unexpected record %+v", record)
	}
	actions := env.store.auditActions()
	if len(actions) != 1 || actions[0] != "conversation.status" {
		t.Fatalf("expected one status audit entry, got %v", actions)
	}
}

func TestMediaTargetsDefaultsToActiveChannels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	targets, err := env.svc.MediaTargets(ctx, nil)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(targets) != 1 || targets[0].Table != "msgs_loja_centro" {
		t.Fatalf("expected only the active channel, got %+v", targets)
	}

	targets, err = env.svc.MediaTargets(ctx, []string{"Loja Centro", "loja-centro"})
	if err != nil {
		t.Fatalf("targets by name: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("expected duplicate selections to collapse, got %+v", targets)
	}

	if _, err := env.svc.MediaTargets(ctx, []string{"nowhere"}); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestWebhookStoresMessageForInstance(t *testing.T) {
	env := newTestEnv(t)
	body := `{"event":"messages.upsert","instance":"centro-wa","data":{"key":{"id":"ABC1","remoteJid":"5511944440000@s.whatsapp.net","fromMe":false},"pushName":"João","message":{"conversation":"Quero remarcar"},"messageTimestamp":1780315200}}`

	result, err := env.svc.HandleWebhook(context.Background(), "centro-wa", "hook-secret", []byte(body))
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if result.Result != ingest.ResultStored || result.ChannelID != "loja-centro" {
		t.Fatalf("unexpected result %+v", result)
	}
	record, ok, err := env.statuses.Get(context.Background(), "loja-centro", "5511944440000@s.whatsapp.net")
	if err != nil || !ok || record.Status != status.Unread {
		t.Fatalf("expected webhook to open an unread conversation, got %+v ok=%v err=%v", record, ok, err)
	}

	again, err := env.svc.HandleWebhook(context.Background(), "centro-wa", "hook-secret", []byte(body))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.Result != ingest.ResultDuplicate {
		t.Fatalf("expected duplicate on redelivery, got %s", again.Result)
	}
}

func TestWebhookRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	for _, token := range []string{"", "wrong"} {
		_, err := env.svc.HandleWebhook(context.Background(), "centro-wa", token, []byte(`{}`))
		got, code, _, _ := mapError(err)
		if got != http.StatusUnauthorized || code != "UNAUTHORIZED" {
			t.Fatalf("token %q: expected 401 UNAUTHORIZED, got %d %s", token, got, code)
		}
	}

	env.svc.cfg.WebhookToken = ""
	_, err := env.svc.HandleWebhook(context.Background(), "centro-wa", "", []byte(`{}`))
	if got, _, _, _ := mapError(err); got != http.StatusUnauthorized {
		t.Fatalf("expected webhooks to be refused without a configured token, got %d", got)
	}
}
