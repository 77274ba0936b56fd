package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-webhook-bridge/internal/announce"
	"github.com/brandon/mail-webhook-bridge/internal/cache"
	"github.com/brandon/mail-webhook-bridge/internal/email"
	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

const (
	defaultMinBackoff = 5 * time.Second
	defaultMaxBackoff = 5 * time.Minute
)

// Session is an open, selected mailbox
type Session interface {
	UIDValidity() uint32
	Search(ctx context.Context, query email.FilterQuery) (types.UIDSet, error)
	Fetch(ctx context.Context, uids types.UIDSet) (email.MessageStream, error)
	AwaitChange(ctx context.Context, timeout time.Duration) (email.WaitResult, error)
	Close() error
}

// Dialer opens mailbox sessions
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialFunc adapts a function to a Dialer
type DialFunc func(ctx context.Context) (Session, error)

func (f DialFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// Extractor reads an announcement out of a raw message
type Extractor interface {
	Extract(msg types.RawMessage) (types.Announcement, error)
}

// Notifier delivers an announcement
type Notifier interface {
	Deliver(ctx context.Context, a types.Announcement) error
}

// Config holds the watch loop settings
type Config struct {
	Mailbox       string
	Query         email.FilterQuery
	IdleTimeout   time.Duration
	SkipMalformed bool

	// Reconnect backoff bounds; zero means 5s and 5m
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Watcher forwards newly arrived announcement mails to the notifier
type Watcher struct {
	config    Config
	dialer    Dialer
	extractor Extractor
	notifier  Notifier
	journal   cache.Journal
	logger    *logrus.Logger
}

// New creates a watcher
func New(cfg Config, dialer Dialer, extractor Extractor, notifier Notifier, journal cache.Journal, logger *logrus.Logger) *Watcher {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Watcher{
		config:    cfg,
		dialer:    dialer,
		extractor: extractor,
		notifier:  notifier,
		journal:   journal,
		logger:    logger,
	}
}

// Run watches the mailbox until ctx is cancelled, returning nil, or until an
// error that reconnecting cannot fix occurs.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.logger.WithField("mailbox", w.config.Mailbox)
	log.WithField("query", w.config.Query.String()).Info("Starting watcher")

	backoff := w.config.MinBackoff
	connected := false
	for {
		session, err := w.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Credentials that worked before may be rejected by a server
			// that is restarting or throttling logins.
			if !email.IsRecoverable(err) && !(connected && errors.Is(err, email.ErrAuth)) {
				return err
			}
			log.WithError(err).WithField("retry_in", backoff.String()).Warn("Failed to connect, retrying")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, w.config.MaxBackoff)
			continue
		}
		connected = true

		established, err := w.watch(ctx, session)
		if closeErr := session.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("Error closing session")
		}
		if ctx.Err() != nil {
			return nil
		}
		if !email.IsRecoverable(err) {
			return err
		}

		if established {
			backoff = w.config.MinBackoff
			log.WithError(err).WithField("retry_in", backoff.String()).Warn("Connection lost, reconnecting")
			if !sleep(ctx, backoff) {
				return nil
			}
			continue
		}
		log.WithError(err).WithField("retry_in", backoff.String()).Warn("Session failed before baseline, retrying")
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, w.config.MaxBackoff)
	}
}

// watch runs one session: baseline search, then idle/process cycles. The
// returned bool reports whether the baseline was established.
func (w *Watcher) watch(ctx context.Context, session Session) (bool, error) {
	uidValidity := session.UIDValidity()
	log := w.logger.WithFields(logrus.Fields{
		"mailbox":      w.config.Mailbox,
		"uid_validity": uidValidity,
	})

	current, err := session.Search(ctx, w.config.Query)
	if err != nil {
		return false, err
	}

	previous, ok, err := w.journal.Load(ctx, w.config.Mailbox)
	if err != nil {
		return false, fmt.Errorf("loading snapshot: %w", err)
	}
	switch {
	case ok && previous.UIDValidity == uidValidity:
		added := types.Diff(previous.UIDs, current)
		log.WithFields(logrus.Fields{
			"matching": current.Len(),
			"new":      added.Len(),
		}).Info("Baseline established from previous snapshot")
		if added.Len() > 0 {
			cycleLog := log.WithField("cycle", uuid.NewString())
			if err := w.process(ctx, session, cycleLog, uidValidity, added, current); err != nil {
				return false, err
			}
		} else if err := w.save(ctx, uidValidity, current); err != nil {
			return false, err
		}
	default:
		if ok {
			log.WithField("previous_uid_validity", previous.UIDValidity).Warn("UIDVALIDITY changed, discarding snapshot")
		}
		if err := w.save(ctx, uidValidity, current); err != nil {
			return false, err
		}
		log.WithField("matching", current.Len()).Info("Baseline established")
	}
	known := current

	for {
		result, err := session.AwaitChange(ctx, w.config.IdleTimeout)
		if err != nil {
			return true, err
		}
		if result == email.TimedOut {
			log.Debug("Idle timed out, re-arming")
			continue
		}

		cycleLog := log.WithField("cycle", uuid.NewString())
		cycleLog.Debug("Woken by mailbox change")

		current, err := session.Search(ctx, w.config.Query)
		if err != nil {
			return true, err
		}
		added := types.Diff(known, current)
		if added.Len() == 0 {
			cycleLog.Debug("No new matching messages")
			continue
		}

		cycleLog.WithFields(logrus.Fields{
			"new":  added.Len(),
			"uids": added.Sorted(),
		}).Info("New messages found")
		if err := w.process(ctx, session, cycleLog, uidValidity, added, current); err != nil {
			return true, err
		}
		known = current
	}
}

// process fetches, extracts, orders and delivers the added messages, then
// stores current as the new snapshot.
func (w *Watcher) process(ctx context.Context, session Session, log *logrus.Entry, uidValidity uint32, added, current types.UIDSet) error {
	stream, err := session.Fetch(ctx, added)
	if err != nil {
		return err
	}

	var announcements []types.Announcement
	for {
		msg, ok := stream.Next()
		if !ok {
			break
		}
		a, err := w.extractor.Extract(msg)
		if err != nil {
			if w.config.SkipMalformed && errors.Is(err, announce.ErrMalformedMessage) {
				log.WithError(err).WithField("uid", msg.UID).Warn("Skipping malformed message")
				if err := w.journal.MarkKnown(ctx, w.config.Mailbox, uidValidity, msg.UID); err != nil {
					stream.Close() //nolint:errcheck
					return fmt.Errorf("marking uid %d known: %w", msg.UID, err)
				}
				continue
			}
			stream.Close() //nolint:errcheck
			return err
		}
		announcements = append(announcements, a)
	}
	if err := stream.Close(); err != nil {
		return err
	}

	for _, a := range announce.Order(announcements) {
		if err := w.notifier.Deliver(ctx, a); err != nil {
			return fmt.Errorf("delivering uid %d: %w", a.UID, err)
		}
		if err := w.journal.MarkKnown(ctx, w.config.Mailbox, uidValidity, a.UID); err != nil {
			return fmt.Errorf("marking uid %d known: %w", a.UID, err)
		}
		if err := w.journal.RecordDelivery(ctx, w.config.Mailbox, a); err != nil {
			log.WithError(err).WithField("uid", a.UID).Warn("Failed to record delivery")
		}
		log.WithFields(logrus.Fields{
			"uid":       a.UID,
			"title":     a.Title,
			"author":    a.Author,
			"timestamp": a.Timestamp,
		}).Info("Announcement forwarded")
	}

	return w.save(ctx, uidValidity, current)
}

func (w *Watcher) save(ctx context.Context, uidValidity uint32, uids types.UIDSet) error {
	err := w.journal.Save(ctx, w.config.Mailbox, cache.Snapshot{UIDValidity: uidValidity, UIDs: uids})
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// sleep waits for d, returning false if ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
