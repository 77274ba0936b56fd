package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

const (
	dialTimeout   = 30 * time.Second
	logoutTimeout = 10 * time.Second
)

// WaitResult tells why AwaitChange returned
type WaitResult int

const (
	// TimedOut means the wait elapsed without server activity
	TimedOut WaitResult = iota
	// ChangeSignalled means the server reported a mailbox change
	ChangeSignalled
)

func (r WaitResult) String() string {
	switch r {
	case TimedOut:
		return "timed out"
	case ChangeSignalled:
		return "change signalled"
	default:
		return fmt.Sprintf("WaitResult(%d)", int(r))
	}
}

// SessionConfig holds the settings for one mailbox session
type SessionConfig struct {
	Addr     string
	Host     string
	TLS      bool
	Username string
	Password string
	Mailbox  string
}

// Session wraps an authenticated IMAP connection with a selected mailbox
type Session struct {
	config      SessionConfig
	client      *client.Client
	updates     chan client.Update
	logger      *logrus.Entry
	uidValidity uint32

	// Unilateral updates are folded into these by pumpUpdates so the client's
	// reader never blocks on a full channel, whatever command is running.
	mu       sync.Mutex
	changed  bool
	failure  error
	wake     chan struct{}
	pumpDone chan struct{}
}

// Dial connects to the IMAP server, logs in and selects the mailbox read-only
func Dial(ctx context.Context, cfg SessionConfig, logger *logrus.Logger) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := logger.WithFields(logrus.Fields{
		"server":  cfg.Addr,
		"mailbox": cfg.Mailbox,
	})

	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		c   *client.Client
		err error
	)
	if cfg.TLS {
		c, err = client.DialWithDialerTLS(dialer, cfg.Addr, &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		c, err = client.DialWithDialer(dialer, cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", ErrNetwork, cfg.Addr, err)
	}
	c.ErrorLog = log

	s := &Session{
		config:  cfg,
		client:  c,
		updates: make(chan client.Update, 128),
		logger:  log,
		wake:    make(chan struct{}, 1),
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		select {
		case <-c.LoggedOut():
			return nil, s.classify("login", err)
		default:
		}
		c.Logout() //nolint:errcheck
		log.WithError(err).Error("Failed to login to IMAP server")
		return nil, fmt.Errorf("%w: %s: %w", ErrAuth, cfg.Username, err)
	}
	log.WithField("username", cfg.Username).Info("Logged in to IMAP server")

	// Installed before SELECT; what SELECT produces is discarded below.
	c.Updates = s.updates

	mbox, err := c.Select(cfg.Mailbox, true)
	if err != nil {
		err = s.classify("select", err)
		s.Close() //nolint:errcheck
		return nil, err
	}
	s.uidValidity = mbox.UidValidity

	// EXISTS and RECENT sent in reply to SELECT describe the mailbox as we
	// found it; they are not changes.
	s.discardUpdates()
	s.pumpDone = make(chan struct{})
	go s.pumpUpdates()
	log.WithFields(logrus.Fields{
		"messages":     mbox.Messages,
		"uid_validity": mbox.UidValidity,
	}).Info("Mailbox selected")

	return s, nil
}

// UIDValidity returns the UIDVALIDITY of the selected mailbox
func (s *Session) UIDValidity() uint32 {
	return s.uidValidity
}

// Search returns every UID currently matching the query
func (s *Session) Search(ctx context.Context, query FilterQuery) (types.UIDSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uids, err := s.client.UidSearch(query.Criteria())
	if err != nil {
		return nil, s.classify("search", err)
	}
	return types.NewUIDSet(uids...), nil
}

// MessageStream is a finite, non-restartable sequence of fetched messages
type MessageStream interface {
	// Next returns the next message, or false once the sequence is exhausted
	Next() (types.RawMessage, bool)
	// Err returns the error that ended the sequence, if any
	Err() error
	// Close discards unread messages and waits for the fetch to finish
	Close() error
}

// Fetch retrieves the full bodies of the given UIDs without setting \Seen.
// Bodies are read one at a time as the caller advances the stream.
func (s *Session) Fetch(ctx context.Context, uids types.UIDSet) (MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids.Sorted()...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	stream := &fetchStream{
		session:  s,
		section:  section,
		messages: make(chan *imap.Message, 10),
		done:     make(chan error, 1),
	}
	go func() {
		stream.done <- s.client.UidFetch(seqSet, items, stream.messages)
	}()

	return stream, nil
}

type fetchStream struct {
	session  *Session
	section  *imap.BodySectionName
	messages chan *imap.Message
	done     chan error

	finished bool
	err      error
}

func (f *fetchStream) Next() (types.RawMessage, bool) {
	if f.finished {
		return types.RawMessage{}, false
	}
	for msg := range f.messages {
		literal := msg.GetBody(f.section)
		if literal == nil {
			f.fail(fmt.Errorf("%w: fetch: uid %d returned no body", ErrProtocol, msg.Uid))
			return types.RawMessage{}, false
		}
		body, err := io.ReadAll(literal)
		if err != nil {
			f.fail(fmt.Errorf("%w: fetch: reading uid %d: %w", ErrProtocol, msg.Uid, err))
			return types.RawMessage{}, false
		}
		return types.RawMessage{UID: msg.Uid, Body: body}, true
	}
	f.finish()
	return types.RawMessage{}, false
}

// fail ends the stream with err and discards whatever the server still sends
func (f *fetchStream) fail(err error) {
	f.session.logger.WithError(err).Error("Fetch aborted")
	f.err = err
	for range f.messages {
	}
	f.finish()
}

func (f *fetchStream) finish() {
	if f.finished {
		return
	}
	f.finished = true
	if err := <-f.done; err != nil && f.err == nil {
		f.err = f.session.classify("fetch", err)
	}
}

func (f *fetchStream) Err() error {
	return f.err
}

func (f *fetchStream) Close() error {
	if !f.finished {
		for range f.messages {
		}
		f.finish()
	}
	return f.err
}

// AwaitChange blocks until the server reports a mailbox change or timeout
// elapses. Each call issues one IDLE command and always ends it before
// returning.
func (s *Session) AwaitChange(ctx context.Context, timeout time.Duration) (WaitResult, error) {
	// Changes reported while we were busy with other commands count too.
	if changed, err := s.takeUpdates(); err != nil {
		return TimedOut, err
	} else if changed {
		return ChangeSignalled, nil
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.client.Idle(stop, &client.IdleOptions{LogoutTimeout: -1})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result, idleDone, waitErr := s.waitIdle(ctx, timer.C, done)
	if !idleDone {
		close(stop)
		if err := <-done; err != nil && waitErr == nil {
			waitErr = s.classify("idle", err)
		}
	}
	if waitErr != nil {
		return result, waitErr
	}

	// Updates that raced with DONE belong to this wake-up.
	if _, err := s.takeUpdates(); err != nil {
		return result, err
	}
	return result, nil
}

// waitIdle waits for the first event ending an IDLE. The returned bool reports
// whether the IDLE command has already returned.
func (s *Session) waitIdle(ctx context.Context, timeout <-chan time.Time, done <-chan error) (WaitResult, bool, error) {
	for {
		select {
		case <-s.wake:
			changed, err := s.takeUpdates()
			if err != nil {
				return TimedOut, false, err
			}
			if changed {
				return ChangeSignalled, false, nil
			}
		case <-timeout:
			return TimedOut, false, nil
		case <-ctx.Done():
			return TimedOut, false, ctx.Err()
		case err := <-done:
			if err == nil {
				return TimedOut, true, fmt.Errorf("%w: idle ended unexpectedly", ErrConnectionLost)
			}
			return TimedOut, true, s.classify("idle", err)
		case <-s.client.LoggedOut():
			<-done
			return TimedOut, true, fmt.Errorf("%w: server closed the connection", ErrConnectionLost)
		}
	}
}

// inspect reports whether update signals a mailbox change
func (s *Session) inspect(update client.Update) (bool, error) {
	switch u := update.(type) {
	case *client.MailboxUpdate, *client.ExpungeUpdate, *client.MessageUpdate:
		return true, nil
	case *client.StatusUpdate:
		if u.Status != nil && u.Status.Type == imap.StatusRespBye {
			return false, fmt.Errorf("%w: BYE: %s", ErrConnectionLost, u.Status.Info)
		}
		// Keep-alive status lines (e.g. "* OK still here") are not changes.
		return false, nil
	default:
		return false, nil
	}
}

// pumpUpdates consumes unilateral updates until the connection ends
func (s *Session) pumpUpdates() {
	defer close(s.pumpDone)
	for {
		select {
		case update := <-s.updates:
			s.record(update)
		case <-s.client.LoggedOut():
			// The reader has exited; pick up a trailing BYE.
			for {
				select {
				case update := <-s.updates:
					s.record(update)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) record(update client.Update) {
	changed, err := s.inspect(update)
	if !changed && err == nil {
		return
	}
	s.mu.Lock()
	s.changed = s.changed || changed
	if err != nil && s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takeUpdates reports and clears the change flag. A connection failure stays
// recorded for the rest of the session.
func (s *Session) takeUpdates() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.changed
	s.changed = false
	return changed, s.failure
}

func (s *Session) discardUpdates() {
	for {
		select {
		case <-s.updates:
		default:
			return
		}
	}
}

// classify maps a client error onto ErrConnectionLost or ErrProtocol
func (s *Session) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	select {
	case <-s.client.LoggedOut():
		return fmt.Errorf("%w: %s: %w", ErrConnectionLost, op, err)
	default:
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || s.client.State() == imap.LogoutState {
		return fmt.Errorf("%w: %s: %w", ErrConnectionLost, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrProtocol, op, err)
}

// Close logs out and closes the connection
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	s.client.Timeout = logoutTimeout
	err := s.client.Logout()
	if errors.Is(err, client.ErrAlreadyLoggedOut) {
		err = nil
	}
	if s.pumpDone != nil {
		<-s.pumpDone
	}
	s.logger.Info("Disconnected from IMAP server")
	return err
}
