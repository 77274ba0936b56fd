package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

// RepositoryURL is credited in the footer of every notification
const RepositoryURL = "https://github.com/brandon/mail-webhook-bridge"

const (
	thumbnailURL    = "https://employeeportal.iacademy.edu.ph/images/iacnew.png"
	assessmentImage = "https://iacademy-college.neolms.com/images/notification-headers/notification-assignment-given.png"
	assessmentTitle = "Given: assessment "
	embedColor      = 0x014FB3

	// Discord limits
	maxTitleRunes       = 256
	maxDescriptionRunes = 4096
	maxUsernameRunes    = 80

	requestTimeout = 30 * time.Second
	maxBackoff     = 30 * time.Second
)

// ErrDelivery is returned when the webhook does not accept a notification
var ErrDelivery = errors.New("webhook delivery failed")

type payload struct {
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Content   string  `json:"content,omitempty"`
	Embeds    []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Thumbnail   *embedImage  `json:"thumbnail,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embedFooter struct {
	Text string `json:"text"`
}

// Webhook posts announcements to a Discord-compatible execute-webhook URL
type Webhook struct {
	endpoint   string
	content    string
	maxRetries int
	httpClient *http.Client
	logger     *logrus.Entry

	// first retry delay when the server gives no Retry-After
	baseDelay time.Duration
}

// NewWebhook creates a notifier. content is sent as the message text of every
// announcement, typically a mention.
func NewWebhook(webhookURL, content string, maxRetries int, logger *logrus.Logger) (*Webhook, error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()

	return &Webhook{
		endpoint:   u.String(),
		content:    content,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.WithField("component", "webhook"),
		baseDelay:  time.Second,
	}, nil
}

// Deliver sends one announcement. A description too long for a single embed
// is sent as several consecutive messages.
func (w *Webhook) Deliver(ctx context.Context, a types.Announcement) error {
	payloads := buildPayloads(a, w.content)
	for i, p := range payloads {
		if err := w.post(ctx, p); err != nil {
			if len(payloads) > 1 {
				return fmt.Errorf("part %d of %d: %w", i+1, len(payloads), err)
			}
			return err
		}
	}

	w.logger.WithFields(logrus.Fields{
		"uid":    a.UID,
		"title":  a.Title,
		"author": a.Author,
		"parts":  len(payloads),
	}).Info("Announcement delivered")
	return nil
}

func buildPayloads(a types.Announcement, content string) []payload {
	chunks := SplitChunks(a.Description, maxDescriptionRunes)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	username := truncateRunes(a.Author, maxUsernameRunes)
	payloads := make([]payload, len(chunks))
	for i, chunk := range chunks {
		e := embed{
			Description: chunk,
			Color:       embedColor,
		}
		p := payload{
			Username:  username,
			AvatarURL: a.AvatarURL,
		}
		if i == 0 {
			p.Content = content
			e.Title = truncateRunes(a.Title, maxTitleRunes)
			e.Thumbnail = &embedImage{URL: thumbnailURL}
		}
		if i == len(chunks)-1 {
			e.Footer = &embedFooter{Text: "Automatic notification via " + RepositoryURL}
			e.Timestamp = a.Timestamp.Format(time.RFC3339)
			if strings.HasPrefix(a.Title, assessmentTitle) {
				e.Image = &embedImage{URL: assessmentImage}
			}
		}
		p.Embeds = []embed{e}
		payloads[i] = p
	}
	return payloads
}

// post sends a single payload, retrying network errors, rate limits and
// server errors.
func (w *Webhook) post(ctx context.Context, p payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.logger.WithError(lastErr).WithField("attempt", attempt).Warn("Retrying webhook request")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("executing request: %w", err)
			if err := w.wait(ctx, attempt, w.backoff(attempt)); err != nil {
				return err
			}
			continue
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			if err := w.wait(ctx, attempt, w.retryAfter(resp, attempt)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: status %d: %s", ErrDelivery, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
	}

	return fmt.Errorf("%w: max retries (%d) exceeded: %v", ErrDelivery, w.maxRetries, lastErr)
}

// wait sleeps before the next attempt. Nothing is awaited after the last one.
func (w *Webhook) wait(ctx context.Context, attempt int, d time.Duration) error {
	if attempt >= w.maxRetries {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryAfter reads the Retry-After header, falling back to exponential backoff
func (w *Webhook) retryAfter(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds >= 0 {
			d := time.Duration(seconds * float64(time.Second))
			if d > maxBackoff {
				d = maxBackoff
			}
			return d
		}
	}
	return w.backoff(attempt)
}

// backoff returns baseDelay, 2*baseDelay, 4*baseDelay... capped at 30s
func (w *Webhook) backoff(attempt int) time.Duration {
	d := w.baseDelay << uint(attempt)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}
