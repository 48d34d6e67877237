package template

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"notiflow/internal/domain/notification"
)

//go:embed templates/*.html
var files embed.FS

// templateMeta holds the subject label and template name for a notification kind.
type templateMeta struct {
	Label        string
	TemplateName string
}

// registry maps notification kinds to their metadata. Kinds not listed use
// the generic layout without a label.
var registry = map[notification.Kind]templateMeta{
	notification.KindTaskReminder:     {Label: "Task reminder", TemplateName: "notification.html"},
	notification.KindDeadlineWarning:  {Label: "Deadline approaching", TemplateName: "notification.html"},
	notification.KindScheduleReminder: {Label: "Upcoming on your schedule", TemplateName: "notification.html"},
	notification.KindAchievement:      {Label: "Achievement unlocked", TemplateName: "notification.html"},
	notification.KindDigest:           {TemplateName: "digest.html"},
}

var (
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// Engine renders email bodies using Go's html/template package.
type Engine struct {
	templates *template.Template
}

// NewEngine creates a template engine from the embedded templates.
func NewEngine() (*Engine, error) {
	tmpl, err := template.ParseFS(files, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	return &Engine{templates: tmpl}, nil
}

type viewData struct {
	Title      string
	Label      string
	Paragraphs []string
	Items      []string
	ActionURL  string
}

// Render produces a subject line, HTML body, and plain-text fallback for msg.
func (e *Engine) Render(msg *notification.Message) (subject, html, text string, err error) {
	meta, ok := registry[msg.Kind]
	if !ok {
		meta = templateMeta{TemplateName: "notification.html"}
	}

	subject = msg.Title
	if meta.Label != "" {
		subject = meta.Label + ": " + msg.Title
	}

	data := viewData{
		Title:     msg.Title,
		Label:     meta.Label,
		ActionURL: msg.ActionURL,
	}
	for _, line := range strings.Split(msg.Body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		data.Paragraphs = append(data.Paragraphs, line)
		data.Items = append(data.Items, strings.TrimPrefix(line, "- "))
	}

	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, meta.TemplateName, data); err != nil {
		return "", "", "", fmt.Errorf("executing template %s: %w", meta.TemplateName, err)
	}
	html = buf.String()

	// Plain-text fallback: the body as written, or the stripped HTML.
	text = strings.TrimSpace(msg.Body)
	if text == "" {
		text = stripHTML(html)
	}
	return subject, html, text, nil
}

// stripHTML removes HTML tags and collapses whitespace to produce a plain-text version.
func stripHTML(s string) string {
	text := tagRe.ReplaceAllString(s, "")

	// Decode common HTML entities
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = strings.ReplaceAll(text, "&nbsp;", " ")

	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
