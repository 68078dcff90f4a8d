package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"switchboard/internal/authpw"
	"switchboard/internal/channel"
	"switchboard/internal/exams"
	"switchboard/internal/media"
	"switchboard/internal/rbac"
	"switchboard/internal/store"
)

// Channels

func (s *Service) CreateChannel(ctx context.Context, session Session, input channel.CreateInput) (channel.Channel, error) {
	ch, err := s.channels.Create(ctx, input)
	if err != nil {
		return channel.Channel{}, err
	}
	s.audit(ctx, session.AgentID, "channel.create", "channel", ch.ID, map[string]any{
		"name":     ch.Name,
		"kind":     ch.Kind,
		"instance": ch.Instance,
		"table":    ch.Table,
	})
	return ch, nil
}

func (s *Service) UpdateChannel(ctx context.Context, session Session, id string, input channel.UpdateInput) (channel.Channel, error) {
	ch, err := s.channels.Update(ctx, id, input)
	if err != nil {
		return channel.Channel{}, err
	}
	s.audit(ctx, session.AgentID, "channel.update", "channel", ch.ID, map[string]any{
		"name":     ch.Name,
		"kind":     ch.Kind,
		"instance": ch.Instance,
		"active":   ch.Active,
	})
	return ch, nil
}

func (s *Service) DeactivateChannel(ctx context.Context, session Session, id string) (channel.Channel, error) {
	ch, err := s.channels.Deactivate(ctx, id)
	if err != nil {
		return channel.Channel{}, err
	}
	s.audit(ctx, session.AgentID, "channel.deactivate", "channel", ch.ID, nil)
	return ch, nil
}

// Exams

func (s *Service) examsService() (*exams.Service, error) {
	if s.exams == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXAMS_UNAVAILABLE", "Exam scheduling not configured", nil)
	}
	return s.exams, nil
}

func (s *Service) ListExams(ctx context.Context, channelID string, from, to time.Time) ([]exams.Appointment, error) {
	svc, err := s.examsService()
	if err != nil {
		return nil, err
	}
	if channelID != "" {
		if _, err := s.channels.ByID(ctx, channelID); err != nil {
			return nil, err
		}
	}
	return svc.List(ctx, channelID, from, to)
}

func (s *Service) ScheduleExam(ctx context.Context, session Session, input exams.ScheduleInput) (exams.Appointment, error) {
	svc, err := s.examsService()
	if err != nil {
		return exams.Appointment{}, err
	}
	appt, err := svc.Schedule(ctx, input, session.AgentID)
	if err != nil {
		return exams.Appointment{}, err
	}
	s.audit(ctx, session.AgentID, "exam.schedule", "exam", appt.ID, map[string]any{
		"channelId":   appt.ChannelID,
		"scheduledAt": appt.ScheduledAt,
		"examType":    appt.ExamType,
	})
	return appt, nil
}

func (s *Service) UpdateExamStatus(ctx context.Context, session Session, id, value, notes string) (exams.Appointment, error) {
	svc, err := s.examsService()
	if err != nil {
		return exams.Appointment{}, err
	}
	appt, err := svc.UpdateStatus(ctx, id, value, notes, session.AgentID)
	if err != nil {
		return exams.Appointment{}, err
	}
	s.audit(ctx, session.AgentID, "exam.status", "exam", appt.ID, map[string]any{"status": appt.Status})
	return appt, nil
}

func (s *Service) RescheduleExam(ctx context.Context, session Session, id string, at time.Time, durationMinutes int) (exams.Appointment, error) {
	svc, err := s.examsService()
	if err != nil {
		return exams.Appointment{}, err
	}
	appt, err := svc.Reschedule(ctx, id, at, durationMinutes, session.AgentID)
	if err != nil {
		return exams.Appointment{}, err
	}
	s.audit(ctx, session.AgentID, "exam.reschedule", "exam", appt.ID, map[string]any{
		"scheduledAt":     appt.ScheduledAt,
		"durationMinutes": appt.DurationMinutes,
	})
	return appt, nil
}

// Media

type MediaMigrateInput struct {
	ChannelIDs []string
	BatchSize  int
	DryRun     bool
}

// MediaTargets resolves channel ids to their tables. No ids means every
// active channel.
func (s *Service) MediaTargets(ctx context.Context, channelIDs []string) ([]media.Target, error) {
	if len(channelIDs) == 0 {
		active := s.channels.List(ctx, true)
		targets := make([]media.Target, 0, len(active))
		for _, ch := range active {
			targets = append(targets, media.Target{ChannelID: ch.ID, Table: ch.Table})
		}
		return targets, nil
	}
	targets := make([]media.Target, 0, len(channelIDs))
	seen := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		ch, err := s.channels.Resolve(ctx, strings.TrimSpace(id))
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ch.ID]; dup {
			continue
		}
		seen[ch.ID] = struct{}{}
		targets = append(targets, media.Target{ChannelID: ch.ID, Table: ch.Table})
	}
	return targets, nil
}

// MigrateMedia moves inline payloads of the selected channels into object
// storage. actor is an agent id, or a label such as "cli" or "schedule".
func (s *Service) MigrateMedia(ctx context.Context, actor string, input MediaMigrateInput) (media.Report, error) {
	if s.media == nil {
		return media.Report{}, media.ErrStorageNotConfigured
	}
	targets, err := s.MediaTargets(ctx, input.ChannelIDs)
	if err != nil {
		return media.Report{}, err
	}
	batch := input.BatchSize
	if batch <= 0 {
		batch = s.cfg.MediaBatchSize
	}
	report, err := s.media.Run(ctx, media.MigrateOptions{
		Targets:   targets,
		BatchSize: batch,
		MaxBytes:  s.cfg.MediaMaxBytes,
		DryRun:    input.DryRun,
		Actor:     actor,
	})
	if report.RunID != "" {
		s.audit(ctx, actor, "media.migrate", "media_run", report.RunID, map[string]any{
			"dryRun":   report.DryRun,
			"channels": report.Channels,
			"migrated": report.Migrated,
			"failed":   report.Failed,
		})
	}
	return report, err
}

func (s *Service) ListMediaRuns(ctx context.Context, limit int) ([]map[string]any, error) {
	runs, err := s.store.ListMediaRuns(ctx, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, map[string]any{
			"id":         run.ID,
			"actor":      run.Actor,
			"dryRun":     run.DryRun,
			"scanned":    run.Scanned,
			"migrated":   run.Migrated,
			"skipped":    run.Skipped,
			"failed":     run.Failed,
			"bytes":      run.Bytes,
			"startedAt":  run.StartedAt,
			"finishedAt": run.FinishedAt,
		})
	}
	return out, nil
}

// Agents and audit

func agentView(agent store.Agent) map[string]any {
	return map[string]any{
		"id":          agent.ID,
		"displayName": agent.DisplayName,
		"email":       agent.Email,
		"role":        string(rbac.Normalize(agent.Role)),
		"active":      agent.DeactivatedAt == nil,
		"createdAt":   agent.CreatedAt,
	}
}

func (s *Service) ListAgents(ctx context.Context) ([]map[string]any, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(agents))
	for _, agent := range agents {
		out = append(out, agentView(agent))
	}
	return out, nil
}

func (s *Service) CreateAgent(ctx context.Context, session Session, req authpw.CreateAgentRequest) (map[string]any, error) {
	if s.accounts == nil {
		return nil, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	agent, err := s.accounts.CreateAgent(ctx, req)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session.AgentID, "agent.create", "agent", agent.ID, map[string]any{"email": agent.Email, "role": agent.Role})
	return agentView(agent), nil
}

// UpdateAgentAccess changes an agent's role or deactivates it. Agents
// cannot demote or deactivate themselves.
func (s *Service) UpdateAgentAccess(ctx context.Context, session Session, agentID, role string, active bool) (map[string]any, error) {
	if !rbac.Valid(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown role", map[string]any{"role": role})
	}
	if agentID == session.AgentID && (!active || rbac.Role(role) != rbac.Normalize(session.Role)) {
		return nil, domainError(http.StatusConflict, "SELF_MODIFICATION", "Agents cannot change their own access", nil)
	}
	if err := s.store.UpdateAgentAccess(ctx, agentID, role, active); err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, session.AgentID, "agent.access", "agent", agentID, map[string]any{"role": role, "active": active})
	return agentView(agent), nil
}

func (s *Service) ListAudit(ctx context.Context, entity string, limit int) ([]map[string]any, error) {
	entries, err := s.store.ListAudit(ctx, entity, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"id":        entry.ID,
			"actor":     entry.Actor,
			"action":    entry.Action,
			"entity":    entry.Entity,
			"entityId":  entry.EntityID,
			"createdAt": entry.CreatedAt,
		}
		if len(entry.Details) > 0 {
			item["details"] = entry.Details
		}
		out = append(out, item)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
