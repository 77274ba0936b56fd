package cache

import (
	"context"
	"sync"
	"time"

	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

// Snapshot is the last known set of matching UIDs of a mailbox. UIDs are
// only meaningful together with the UIDVALIDITY they were observed under.
type Snapshot struct {
	UIDValidity uint32
	UIDs        types.UIDSet
}

// Journal records which messages have already been announced
type Journal interface {
	// Load returns the stored snapshot of mailbox, if any
	Load(ctx context.Context, mailbox string) (Snapshot, bool, error)
	// Save replaces the stored snapshot of mailbox
	Save(ctx context.Context, mailbox string, snapshot Snapshot) error
	// MarkKnown adds uid to the snapshot of mailbox. A different
	// uidValidity discards the previous snapshot first.
	MarkKnown(ctx context.Context, mailbox string, uidValidity, uid uint32) error
	// RecordDelivery appends a delivered announcement to the delivery log
	RecordDelivery(ctx context.Context, mailbox string, a types.Announcement) error
	// RecentDeliveries returns the newest deliveries first
	RecentDeliveries(ctx context.Context, limit int) ([]types.DeliveryRecord, error)
	Close() error
}

var (
	_ Journal = (*Memory)(nil)
	_ Journal = (*SQLite)(nil)
)

// Memory is a Journal that lives only as long as the process
type Memory struct {
	mu         sync.Mutex
	snapshots  map[string]Snapshot
	deliveries []types.DeliveryRecord
	now        func() time.Time
}

// NewMemory creates an empty in-memory journal
func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

func (m *Memory) Load(_ context.Context, mailbox string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[mailbox]
	if !ok {
		return Snapshot{}, false, nil
	}
	return Snapshot{UIDValidity: s.UIDValidity, UIDs: s.UIDs.Clone()}, true, nil
}

func (m *Memory) Save(_ context.Context, mailbox string, snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[mailbox] = Snapshot{UIDValidity: snapshot.UIDValidity, UIDs: snapshot.UIDs.Clone()}
	return nil
}

func (m *Memory) MarkKnown(_ context.Context, mailbox string, uidValidity, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[mailbox]
	if !ok || s.UIDValidity != uidValidity {
		s = Snapshot{UIDValidity: uidValidity, UIDs: types.NewUIDSet()}
	}
	s.UIDs.Add(uid)
	m.snapshots[mailbox] = s
	return nil
}

func (m *Memory) RecordDelivery(_ context.Context, mailbox string, a types.Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveries = append(m.deliveries, types.DeliveryRecord{
		ID:          int64(len(m.deliveries) + 1),
		Mailbox:     mailbox,
		UID:         a.UID,
		Title:       a.Title,
		Author:      a.Author,
		AnnouncedAt: a.Timestamp,
		DeliveredAt: m.now(),
	})
	return nil
}

func (m *Memory) RecentDeliveries(_ context.Context, limit int) ([]types.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit = clampLimit(limit)
	var records []types.DeliveryRecord
	for i := len(m.deliveries) - 1; i >= 0 && len(records) < limit; i-- {
		records = append(records, m.deliveries[i])
	}
	return records, nil
}

func (m *Memory) Close() error {
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
