package template

import (
	"testing"

	"notiflow/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderNotification(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	subject, html, text, err := e.Render(&notification.Message{
		Kind:      notification.KindDeadlineWarning,
		Title:     "Quarterly report due tomorrow",
		Body:      "Sections 2 & 3 still need numbers.",
		ActionURL: "https://app.example.com/reports/q3",
	})

	require.NoError(t, err)
	assert.Equal(t, "Deadline approaching: Quarterly report due tomorrow", subject)
	assert.Contains(t, html, "Quarterly report due tomorrow")
	assert.Contains(t, html, "https://app.example.com/reports/q3")
	assert.Contains(t, html, "Sections 2 &amp; 3")
	assert.Equal(t, "Sections 2 & 3 still need numbers.", text)
}

func TestRenderDigestListsItems(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	subject, html, text, err := e.Render(&notification.Message{
		Kind:     notification.KindDigest,
		Title:    "2 new notifications",
		Body:     "- Review PR\n- Pay invoice",
		DigestOf: []string{"a", "b"},
	})

	require.NoError(t, err)
	assert.Equal(t, "2 new notifications", subject)
	assert.Contains(t, html, "Review PR")
	assert.Contains(t, html, "Pay invoice")
	assert.NotContains(t, html, "- Review PR")
	assert.NotEmpty(t, text)
}

func TestRenderWithoutBodyFallsBackToStrippedHTML(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	_, _, text, err := e.Render(&notification.Message{Kind: notification.KindSystem, Title: "Maintenance tonight"})

	require.NoError(t, err)
	assert.Contains(t, text, "Maintenance tonight")
	assert.NotContains(t, text, "<")
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, `a & b "c"`, stripHTML("<p>a &amp; b</p>\n\n<b>&quot;c&quot;</b>"))
}
