package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(
	template.New("report.html").Funcs(template.FuncMap{
		"statusLabel": statusLabel,
		"lines":       splitLines,
	}).ParseFS(templateFS, "templates/report.html"),
)

// ReportData holds data for report template rendering
type ReportData struct {
	Conversation Conversation
	Lines        []Line
	GeneratedAt  time.Time
	GeneratedBy  string
	Location     *time.Location
}

// Local converts t to the report's time zone.
func (d ReportData) Local(t time.Time) time.Time {
	if d.Location == nil || t.IsZero() {
		return t
	}
	return t.In(d.Location)
}

func statusLabel(status string) string {
	switch status {
	case "unread":
		return "Não lida"
	case "in_progress":
		return "Em atendimento"
	case "resolved":
		return "Resolvida"
	default:
		return status
	}
}

func splitLines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
