package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brandon/mail-webhook-bridge/internal/announce"
	"github.com/brandon/mail-webhook-bridge/internal/email"
	"github.com/brandon/mail-webhook-bridge/internal/notify"
	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

type searchStep struct {
	uids types.UIDSet
	err  error
}

type waitStep struct {
	result email.WaitResult
	err    error
}

// fakeSession replays scripted search and wait results. Once the waits run
// out it calls idle and blocks until the context ends.
type fakeSession struct {
	mu          sync.Mutex
	uidValidity uint32
	searches    []searchStep
	waits       []waitStep
	missing     types.UIDSet
	fetchErr    error
	idle        func()

	searchCalls int
	waitCalls   int
	fetched     [][]uint32
	closed      bool
}

func (s *fakeSession) UIDValidity() uint32 {
	return s.uidValidity
}

func (s *fakeSession) Search(_ context.Context, _ email.FilterQuery) (types.UIDSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.searchCalls++
	if len(s.searches) == 0 {
		return nil, fmt.Errorf("%w: unscripted search", email.ErrProtocol)
	}
	step := s.searches[0]
	if len(s.searches) > 1 {
		s.searches = s.searches[1:]
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.uids.Clone(), nil
}

func (s *fakeSession) Fetch(_ context.Context, uids types.UIDSet) (email.MessageStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := uids.Sorted()
	s.fetched = append(s.fetched, sorted)
	if s.fetchErr != nil {
		return &fakeStream{err: s.fetchErr}, nil
	}
	stream := &fakeStream{}
	for _, uid := range sorted {
		if s.missing.Contains(uid) {
			continue
		}
		stream.messages = append(stream.messages, types.RawMessage{UID: uid, Body: []byte(fmt.Sprint(uid))})
	}
	return stream, nil
}

func (s *fakeSession) AwaitChange(ctx context.Context, _ time.Duration) (email.WaitResult, error) {
	s.mu.Lock()
	s.waitCalls++
	if len(s.waits) == 0 {
		s.mu.Unlock()
		if s.idle != nil {
			s.idle()
		}
		<-ctx.Done()
		return email.TimedOut, ctx.Err()
	}
	step := s.waits[0]
	s.waits = s.waits[1:]
	s.mu.Unlock()
	return step.result, step.err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeStream hands out messages and then ends with err
type fakeStream struct {
	messages []types.RawMessage
	pos      int
	err      error
}

func (f *fakeStream) Next() (types.RawMessage, bool) {
	if f.pos >= len(f.messages) {
		return types.RawMessage{}, false
	}
	msg := f.messages[f.pos]
	f.pos++
	return msg, true
}

func (f *fakeStream) Err() error   { return f.err }
func (f *fakeStream) Close() error { return f.err }

type dialStep struct {
	session *fakeSession
	err     error
}

type fakeDialer struct {
	mu    sync.Mutex
	steps    []dialStep
	dials    int
	dialedAt []time.Time
}

func (d *fakeDialer) Dial(ctx context.Context) (Session, error) {
	d.mu.Lock()
	d.dials++
	d.dialedAt = append(d.dialedAt, time.Now())
	if len(d.steps) == 0 {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	d.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	return step.session, nil
}

var baseTime = time.Date(2023, time.October, 2, 9, 0, 0, 0, time.UTC)

// fakeExtractor dates each message baseTime plus uid minutes unless told
// otherwise.
type fakeExtractor struct {
	sent      map[uint32]time.Time
	malformed types.UIDSet
}

func (e *fakeExtractor) Extract(msg types.RawMessage) (types.Announcement, error) {
	if e.malformed.Contains(msg.UID) {
		return types.Announcement{}, fmt.Errorf("%w: uid %d: missing title", announce.ErrMalformedMessage, msg.UID)
	}
	ts, ok := e.sent[msg.UID]
	if !ok {
		ts = baseTime.Add(time.Duration(msg.UID) * time.Minute)
	}
	return types.Announcement{
		UID:       msg.UID,
		Title:     fmt.Sprintf("announcement %d", msg.UID),
		Author:    "Jane Teacher",
		Timestamp: ts,
	}, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []uint32
	failOn    uint32
}

func (n *fakeNotifier) Deliver(_ context.Context, a types.Announcement) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if a.UID == n.failOn {
		return fmt.Errorf("%w: status 400", notify.ErrDelivery)
	}
	n.delivered = append(n.delivered, a.UID)
	return nil
}

func (n *fakeNotifier) uids() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint32(nil), n.delivered...)
}
