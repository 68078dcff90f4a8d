package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"switchboard/internal/authpw"
	"switchboard/internal/channel"
	"switchboard/internal/exams"
	"switchboard/internal/rbac"
)

func (s *HTTPServer) handleChannels(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, session, rbac.ActionRead) {
				return
			}
			all := queryBool(r, "all") && s.service.Can(session.Role, rbac.ActionChannels)
			writeJSON(w, http.StatusOK, map[string]any{"channels": s.service.ListChannels(ctx, all)})
			return
		case http.MethodPost:
			if !s.allow(w, r, session, rbac.ActionChannels) {
				return
			}
			var body struct {
				Name     string `json:"name" validate:"required,max=120"`
				Kind     string `json:"kind" validate:"omitempty,oneof=store agent"`
				Instance string `json:"instance" validate:"max=120"`
			}
			if !decodeValid(w, r, &body) {
				return
			}
			ch, err := s.service.CreateChannel(ctx, session, channel.CreateInput{
				Name:     body.Name,
				Kind:     body.Kind,
				Instance: body.Instance,
			})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"channel": ch})
			return
		}
	}

	if len(parts) == 1 {
		channelID := parts[0]
		switch r.Method {
		case http.MethodPut:
			if !s.allow(w, r, session, rbac.ActionChannels) {
				return
			}
			var body struct {
				Name     *string `json:"name" validate:"omitempty,max=120"`
				Kind     *string `json:"kind" validate:"omitempty,oneof=store agent"`
				Instance *string `json:"instance" validate:"omitempty,max=120"`
				Active   *bool   `json:"active"`
			}
			if !decodeValid(w, r, &body) {
				return
			}
			ch, err := s.service.UpdateChannel(ctx, session, channelID, channel.UpdateInput{
				Name:     body.Name,
				Kind:     body.Kind,
				Instance: body.Instance,
				Active:   body.Active,
			})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"channel": ch})
			return
		case http.MethodDelete:
			if !s.allow(w, r, session, rbac.ActionChannels) {
				return
			}
			ch, err := s.service.DeactivateChannel(ctx, session, channelID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"channel": ch})
			return
		}
	}

	if len(parts) >= 2 && parts[1] == "conversations" {
		s.handleConversations(w, r, session, parts[0], parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request, session Session, channelID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 && r.Method == http.MethodGet {
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		since, err := queryTime(r, "since", s.service.location)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		summaries, err := s.service.ListConversations(ctx, channelID, ConversationQuery{
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
			Since:  since,
			Limit:  queryInt(r, "limit", 0),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
		return
	}

	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	sessionID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		detail, err := s.service.GetConversation(ctx, channelID, sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return

	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodPut:
		if !s.allow(w, r, session, rbac.ActionStatus) {
			return
		}
		var body struct {
			Status string `json:"status" validate:"required"`
		}
		if !decodeValid(w, r, &body) {
			return
		}
		record, err := s.service.SetStatus(ctx, session, channelID, sessionID, body.Status)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": record})
		return

	case len(parts) == 2 && parts[1] == "read" && r.Method == http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		record, err := s.service.MarkRead(ctx, session, channelID, sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": record})
		return

	case len(parts) == 2 && parts[1] == "report" && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		includeMessages := true
		if raw := r.URL.Query().Get("messages"); raw != "" {
			includeMessages, _ = strconv.ParseBool(raw)
		}
		result, err := s.service.Report(ctx, session, channelID, sessionID, includeMessages)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.allow(w, r, session, rbac.ActionRead) {
		return
	}
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	direction := strings.TrimSpace(query.Get("direction"))
	if direction != "" && direction != "inbound" && direction != "outbound" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "direction must be inbound or outbound", nil)
		return
	}
	response, err := s.service.Search(r.Context(), SearchInput{
		Text:      text,
		ChannelID: strings.TrimSpace(query.Get("channel")),
		Direction: direction,
		Limit:     queryInt(r, "limit", 20),
		Offset:    max(queryInt(r, "offset", 0), 0),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleExams(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, session, rbac.ActionRead) {
				return
			}
			from, err := queryTime(r, "from", s.service.location)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			to, err := queryTime(r, "to", s.service.location)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			items, err := s.service.ListExams(ctx, strings.TrimSpace(r.URL.Query().Get("channel")), from, to)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"appointments": items})
			return
		case http.MethodPost:
			if !s.allow(w, r, session, rbac.ActionSchedule) {
				return
			}
			var body exams.ScheduleInput
			if !decodeValid(w, r, &body) {
				return
			}
			appt, err := s.service.ScheduleExam(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"appointment": appt})
			return
		}
	}

	if len(parts) == 2 && r.Method == http.MethodPut {
		if !s.allow(w, r, session, rbac.ActionSchedule) {
			return
		}
		appointmentID := parts[0]
		switch parts[1] {
		case "status":
			var body struct {
				Status string `json:"status" validate:"required,oneof=scheduled confirmed cancelled completed"`
				Notes  string `json:"notes" validate:"max=2000"`
			}
			if !decodeValid(w, r, &body) {
				return
			}
			appt, err := s.service.UpdateExamStatus(ctx, session, appointmentID, body.Status, body.Notes)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"appointment": appt})
			return
		case "schedule":
			var body struct {
				ScheduledAt     time.Time `json:"scheduledAt" validate:"required"`
				DurationMinutes int       `json:"durationMinutes" validate:"omitempty,min=5,max=480"`
			}
			if !decodeValid(w, r, &body) {
				return
			}
			appt, err := s.service.RescheduleExam(ctx, session, appointmentID, body.ScheduledAt, body.DurationMinutes)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"appointment": appt})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleMedia(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	switch {
	case parts[0] == "migrate" && r.Method == http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionMigrate) {
			return
		}
		var body struct {
			Channels  []string `json:"channels" validate:"dive,required"`
			BatchSize int      `json:"batchSize" validate:"omitempty,min=1,max=1000"`
			DryRun    bool     `json:"dryRun"`
		}
		if !decodeValid(w, r, &body) {
			return
		}
		report, err := s.service.MigrateMedia(r.Context(), session.AgentID, MediaMigrateInput{
			ChannelIDs: body.Channels,
			BatchSize:  body.BatchSize,
			DryRun:     body.DryRun,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	case parts[0] == "runs" && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionMigrate) {
			return
		}
		runs, err := s.service.ListMediaRuns(r.Context(), queryInt(r, "limit", 0))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleUpdateContact(w http.ResponseWriter, r *http.Request, session Session, phone string) {
	if !s.allow(w, r, session, rbac.ActionReply) {
		return
	}
	var body struct {
		DisplayName string `json:"displayName" validate:"required,max=120"`
	}
	if !decodeValid(w, r, &body) {
		return
	}
	contact, err := s.service.UpdateContact(r.Context(), session, phone, body.DisplayName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"phone":       contact.Phone,
		"displayName": contact.DisplayName,
		"updatedBy":   contact.UpdatedBy,
		"updatedAt":   contact.UpdatedAt,
	})
}

func (s *HTTPServer) handleAgents(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !s.allow(w, r, session, rbac.ActionAdmin) {
		return
	}
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		agents, err := s.service.ListAgents(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
		return

	case len(parts) == 0 && r.Method == http.MethodPost:
		var body struct {
			Email       string `json:"email" validate:"required,email"`
			DisplayName string `json:"displayName" validate:"required,max=120"`
			Role        string `json:"role" validate:"omitempty,oneof=agent supervisor admin"`
			Password    string `json:"password" validate:"omitempty,min=8"`
		}
		if !decodeValid(w, r, &body) {
			return
		}
		agent, err := s.service.CreateAgent(ctx, session, authpw.CreateAgentRequest{
			Email:       body.Email,
			DisplayName: body.DisplayName,
			Role:        body.Role,
			Password:    body.Password,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"agent": agent})
		return

	case len(parts) == 1 && r.Method == http.MethodPut:
		var body struct {
			Role   string `json:"role" validate:"required,oneof=agent supervisor admin"`
			Active *bool  `json:"active" validate:"required"`
		}
		if !decodeValid(w, r, &body) {
			return
		}
		agent, err := s.service.UpdateAgentAccess(ctx, session, parts[0], body.Role, *body.Active)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": agent})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}
