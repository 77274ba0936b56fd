package announce

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/andybalholm/cascadia"
	"github.com/jhillyerd/enmime"
	"golang.org/x/net/html"

	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

// ErrMalformedMessage is returned when a message does not follow the
// announcement layout
var ErrMalformedMessage = errors.New("malformed announcement message")

var (
	titleSelector       = cascadia.MustCompile("tr:nth-child(2) table:first-child tr:nth-child(2) td:last-child")
	avatarSelector      = cascadia.MustCompile("tr:nth-child(2) table:first-child tr:first-child td:nth-child(2) img")
	authorSelector      = cascadia.MustCompile("tr:nth-child(2) table:first-child tr:first-child td:last-child")
	descriptionSelector = cascadia.MustCompile("tr:nth-child(2) table:last-child tr:last-child td")
)

// Fields are the raw values read out of the announcement layout
type Fields struct {
	Title           string
	Author          string
	AvatarURL       string
	DescriptionHTML string
}

// Extractor turns raw announcement mails into announcements
type Extractor struct {
	location *time.Location
}

// NewExtractor creates an extractor reporting timestamps in loc
func NewExtractor(loc *time.Location) *Extractor {
	if loc == nil {
		loc = time.UTC
	}
	return &Extractor{location: loc}
}

// Extract parses msg and reads the announcement out of its HTML body
func (e *Extractor) Extract(msg types.RawMessage) (types.Announcement, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(msg.Body))
	if err != nil {
		return types.Announcement{}, fmt.Errorf("%w: uid %d: %v", ErrMalformedMessage, msg.UID, err)
	}

	date := env.GetHeader("Date")
	if date == "" {
		return types.Announcement{}, fmt.Errorf("%w: uid %d: missing Date header", ErrMalformedMessage, msg.UID)
	}
	sent, err := mail.ParseDate(date)
	if err != nil {
		return types.Announcement{}, fmt.Errorf("%w: uid %d: bad Date header %q", ErrMalformedMessage, msg.UID, date)
	}

	if strings.TrimSpace(env.HTML) == "" {
		return types.Announcement{}, fmt.Errorf("%w: uid %d: no HTML part", ErrMalformedMessage, msg.UID)
	}
	doc, err := html.Parse(strings.NewReader(env.HTML))
	if err != nil {
		return types.Announcement{}, fmt.Errorf("%w: uid %d: %v", ErrMalformedMessage, msg.UID, err)
	}

	fields, err := ParseLayout(doc)
	if err != nil {
		return types.Announcement{}, fmt.Errorf("uid %d: %w", msg.UID, err)
	}

	description, err := htmltomarkdown.ConvertString(fields.DescriptionHTML)
	if err != nil {
		return types.Announcement{}, fmt.Errorf("%w: uid %d: description: %v", ErrMalformedMessage, msg.UID, err)
	}

	return types.Announcement{
		UID:         msg.UID,
		Title:       fields.Title,
		Description: CollapseSelfLinks(strings.TrimSpace(description)),
		Author:      fields.Author,
		AvatarURL:   fields.AvatarURL,
		Timestamp:   sent.In(e.location),
	}, nil
}

// ParseLayout reads the announcement fields from the notification table
// layout. All knowledge about that layout lives here.
func ParseLayout(doc *html.Node) (Fields, error) {
	var fields Fields

	title, err := firstText(doc, titleSelector, "title")
	if err != nil {
		return fields, err
	}
	author, err := firstText(doc, authorSelector, "author")
	if err != nil {
		return fields, err
	}

	img := avatarSelector.MatchFirst(doc)
	if img == nil {
		return fields, fmt.Errorf("%w: missing avatar", ErrMalformedMessage)
	}
	avatar := attr(img, "src")
	if avatar == "" {
		return fields, fmt.Errorf("%w: avatar has no src", ErrMalformedMessage)
	}

	td := descriptionSelector.MatchFirst(doc)
	if td == nil {
		return fields, fmt.Errorf("%w: missing description", ErrMalformedMessage)
	}
	inner, err := innerHTML(td)
	if err != nil {
		return fields, fmt.Errorf("%w: description: %v", ErrMalformedMessage, err)
	}

	fields.Title = title
	fields.Author = author
	fields.AvatarURL = avatar
	fields.DescriptionHTML = inner
	return fields, nil
}

// firstText returns the first non-blank text node under the first match
func firstText(doc *html.Node, sel cascadia.Selector, field string) (string, error) {
	n := sel.MatchFirst(doc)
	if n == nil {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedMessage, field)
	}
	if text := findText(n); text != "" {
		return text, nil
	}
	return "", fmt.Errorf("%w: empty %s", ErrMalformedMessage, field)
}

func findText(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if text := findText(c); text != "" {
			return text
		}
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func innerHTML(n *html.Node) (string, error) {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
