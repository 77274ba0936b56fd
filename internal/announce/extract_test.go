package announce

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

func manila(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)
	return loc
}

func htmlMessage(date, body string) []byte {
	var b strings.Builder
	b.WriteString("From: iACADEMY NEO <messages@neolms.com>\r\n")
	b.WriteString("Subject: Given: assessment Quiz 1\r\n")
	if date != "" {
		b.WriteString("Date: " + date + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// layout builds the notification table with the given cell contents
func layout(avatarCell, authorCell, titleCell, descriptionCell string) string {
	return `<html><body><table>` +
		`<tr><td>banner</td></tr>` +
		`<tr><td>` +
		`<table>` +
		`<tr><td>&nbsp;</td><td>` + avatarCell + `</td><td>` + authorCell + `</td></tr>` +
		`<tr><td><b>Subject:</b></td><td>` + titleCell + `</td></tr>` +
		`</table>` +
		`<table>` +
		`<tr><td>&nbsp;</td></tr>` +
		`<tr><td>` + descriptionCell + `</td></tr>` +
		`</table>` +
		`</td></tr>` +
		`</table></body></html>`
}

func TestExtractFixture(t *testing.T) {
	body, err := os.ReadFile("testdata/announcement.eml")
	require.NoError(t, err)

	loc := manila(t)
	got, err := NewExtractor(loc).Extract(types.RawMessage{UID: 42, Body: body})
	require.NoError(t, err)

	require.Equal(t, uint32(42), got.UID)
	require.Equal(t, "Given: assessment Quiz 1", got.Title)
	require.Equal(t, "Jane Teacher", got.Author)
	require.Equal(t, "https://cdn.neolms.test/avatars/jane.png", got.AvatarURL)
	require.Equal(t, "Please submit your answers by **Friday**.", got.Description)

	want := time.Date(2023, time.October, 2, 9, 15, 0, 0, loc)
	require.True(t, want.Equal(got.Timestamp), "got %s", got.Timestamp)
	require.Equal(t, loc, got.Timestamp.Location())
}

func TestExtractCollapsesSelfLinks(t *testing.T) {
	description := `<p>Slides: <a href="https://drive.example.com/slides">https://drive.example.com/slides</a></p>` +
		`<p>Read <a href="https://example.com/guide">the guide</a></p>`
	body := htmlMessage("Mon, 02 Oct 2023 09:15:00 +0800",
		layout(`<img src="https://cdn.test/a.png">`, "Jane Teacher", "Lesson notes", description))

	got, err := NewExtractor(manila(t)).Extract(types.RawMessage{UID: 1, Body: body})
	require.NoError(t, err)
	require.Contains(t, got.Description, "Slides: https://drive.example.com/slides")
	require.Contains(t, got.Description, "[the guide](https://example.com/guide)")
}

func TestExtractTakesFirstNonBlankText(t *testing.T) {
	body := htmlMessage("Mon, 02 Oct 2023 09:15:00 +0800",
		layout(`<img src="https://cdn.test/a.png">`, "\n  <span> </span><b> Jane Teacher </b><i>Faculty</i>",
			"  <span>Given: assessment Essay</span> (due Friday)", "<p>Body</p>"))

	got, err := NewExtractor(manila(t)).Extract(types.RawMessage{UID: 1, Body: body})
	require.NoError(t, err)
	require.Equal(t, "Jane Teacher", got.Author)
	require.Equal(t, "Given: assessment Essay", got.Title)
}

func TestExtractMalformed(t *testing.T) {
	valid := layout(`<img src="https://cdn.test/a.png">`, "Jane Teacher", "Quiz", "<p>Body</p>")
	date := "Mon, 02 Oct 2023 09:15:00 +0800"

	tests := map[string][]byte{
		"missing date": htmlMessage("", valid),
		"bad date":     htmlMessage("yesterday", valid),
		"plain text only": []byte("From: messages@neolms.com\r\n" +
			"Date: " + date + "\r\n" +
			"Content-Type: text/plain\r\n\r\nhello"),
		"no layout":      htmlMessage(date, "<html><body><p>hello</p></body></html>"),
		"missing avatar": htmlMessage(date, layout("", "Jane Teacher", "Quiz", "<p>Body</p>")),
		"avatar no src":  htmlMessage(date, layout(`<img alt="x">`, "Jane Teacher", "Quiz", "<p>Body</p>")),
		"empty author":   htmlMessage(date, layout(`<img src="https://cdn.test/a.png">`, "  ", "Quiz", "<p>Body</p>")),
		"empty title":    htmlMessage(date, layout(`<img src="https://cdn.test/a.png">`, "Jane Teacher", "&nbsp;", "<p>Body</p>")),
	}

	extractor := NewExtractor(manila(t))
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := extractor.Extract(types.RawMessage{UID: 7, Body: body})
			require.ErrorIs(t, err, ErrMalformedMessage)
			require.Contains(t, err.Error(), "uid 7")
		})
	}
}

func TestParseLayoutNamesMissingField(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(layout("", "Jane Teacher", "Quiz", "<p>Body</p>")))
	require.NoError(t, err)

	_, err = ParseLayout(doc)
	require.ErrorIs(t, err, ErrMalformedMessage)
	require.Contains(t, err.Error(), "avatar")
}

func TestParseLayoutDescriptionInnerHTML(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(
		layout(`<img src="https://cdn.test/a.png">`, "Jane", "Quiz", `<p>One</p><ul><li>Two</li></ul>`)))
	require.NoError(t, err)

	fields, err := ParseLayout(doc)
	require.NoError(t, err)
	require.Equal(t, Fields{
		Title:           "Quiz",
		Author:          "Jane",
		AvatarURL:       "https://cdn.test/a.png",
		DescriptionHTML: "<p>One</p><ul><li>Two</li></ul>",
	}, fields)
}
