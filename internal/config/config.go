package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrConfig is returned for missing or malformed configuration values
var ErrConfig = errors.New("invalid configuration")

// DefaultExcludeSubjects are the notification subjects that never produce an announcement
var DefaultExcludeSubjects = []string{
	"Graded: ",
	"Due soon: ",
	"Comment posted in ",
	"You were awarded ",
	"Lesson ",
	" accepted your friendship invitation",
	"You are now enrolled in class ",
	"You have been added to the group ",
	"Your photo was accepted",
	"You have been transferred to class ",
	"You were unenrolled from class ",
	"Status of ",
}

// Servers drop IDLE well before the RFC 2177 limit of 30 minutes
const maxIdleTimeout = 29 * time.Minute

// Config holds the application configuration
type Config struct {
	LogLevel string

	IMAP    IMAPConfig
	Filter  FilterConfig
	Webhook WebhookConfig

	// Watch loop settings
	IdleTimeout   time.Duration
	Location      *time.Location
	SkipMalformed bool

	// Optional journal of known UIDs and deliveries
	JournalPath string
}

// IMAPConfig holds the mailbox connection settings
type IMAPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Mailbox  string
}

// FilterConfig holds the search filter settings
type FilterConfig struct {
	Sender          string
	ExcludeSubjects []string
}

// WebhookConfig holds the notification endpoint settings
type WebhookConfig struct {
	URL        string
	Content    string
	MaxRetries int
}

// Addr returns the host:port of the IMAP server
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	idleTimeout, err := getEnvDuration("IDLE_TIMEOUT", 9*time.Minute)
	if err != nil {
		return nil, err
	}
	port, err := getEnvInt("IMAP_PORT", 993)
	if err != nil {
		return nil, err
	}
	useTLS, err := getEnvBool("IMAP_TLS", true)
	if err != nil {
		return nil, err
	}
	skipMalformed, err := getEnvBool("SKIP_MALFORMED", false)
	if err != nil {
		return nil, err
	}
	maxRetries, err := getEnvInt("WEBHOOK_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	tz := getEnv("TIMEZONE", "Asia/Manila")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: TIMEZONE %q: %v", ErrConfig, tz, err)
	}

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		IMAP: IMAPConfig{
			Host:     getEnv("IMAP_HOST", "imap.gmail.com"),
			Port:     port,
			TLS:      useTLS,
			Username: getEnv("IMAP_USERNAME", os.Getenv("GMAIL_USERNAME")),
			Password: getEnv("IMAP_PASSWORD", os.Getenv("GMAIL_PASSWORD")),
			Mailbox:  getEnv("IMAP_MAILBOX", "INBOX"),
		},
		Filter: FilterConfig{
			Sender:          getEnv("FILTER_SENDER", "messages@neolms.com"),
			ExcludeSubjects: getEnvList("FILTER_EXCLUDE_SUBJECTS", "|", DefaultExcludeSubjects),
		},
		Webhook: WebhookConfig{
			URL:        getEnv("WEBHOOK_URL", ""),
			Content:    getEnv("MESSAGE_CONTENT", ""),
			MaxRetries: maxRetries,
		},
		IdleTimeout:   idleTimeout,
		Location:      loc,
		SkipMalformed: skipMalformed,
		JournalPath:   getEnv("JOURNAL_PATH", ""),
	}

	return cfg, nil
}

// Level parses LOG_LEVEL
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return level, fmt.Errorf("%w: invalid LOG_LEVEL %q", ErrConfig, c.LogLevel)
	}
	return level, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.IMAP.Host == "" {
		return fmt.Errorf("%w: IMAP_HOST is required", ErrConfig)
	}
	if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
		return fmt.Errorf("%w: invalid IMAP_PORT", ErrConfig)
	}
	if c.IMAP.Username == "" {
		return fmt.Errorf("%w: IMAP_USERNAME is required", ErrConfig)
	}
	if c.IMAP.Password == "" {
		return fmt.Errorf("%w: IMAP_PASSWORD is required", ErrConfig)
	}
	if c.IMAP.Mailbox == "" {
		return fmt.Errorf("%w: IMAP_MAILBOX must not be empty", ErrConfig)
	}
	if c.Filter.Sender == "" {
		return fmt.Errorf("%w: FILTER_SENDER must not be empty", ErrConfig)
	}

	if c.Webhook.URL == "" {
		return fmt.Errorf("%w: WEBHOOK_URL is required", ErrConfig)
	}
	u, err := url.Parse(c.Webhook.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: WEBHOOK_URL is malformed", ErrConfig)
	}
	if c.Webhook.Content == "" {
		return fmt.Errorf("%w: MESSAGE_CONTENT is required", ErrConfig)
	}
	if c.Webhook.MaxRetries < 0 || c.Webhook.MaxRetries > 10 {
		return fmt.Errorf("%w: WEBHOOK_MAX_RETRIES must be between 0 and 10", ErrConfig)
	}

	if c.IdleTimeout <= 0 || c.IdleTimeout >= maxIdleTimeout {
		return fmt.Errorf("%w: IDLE_TIMEOUT must be between 0 and %s", ErrConfig, maxIdleTimeout)
	}
	if c.Location == nil {
		return fmt.Errorf("%w: TIMEZONE is required", ErrConfig)
	}

	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrConfig, key)
	}
	return intValue, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrConfig, key)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a duration", ErrConfig, key)
	}
	return d, nil
}

// getEnvList splits an environment variable on sep, keeping surrounding
// spaces since subject fragments match on them.
func getEnvList(key, sep string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var items []string
	for _, item := range strings.Split(value, sep) {
		if strings.TrimSpace(item) != "" {
			items = append(items, item)
		}
	}
	return items
}
