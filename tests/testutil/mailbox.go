package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/source"
)

// Mailbox operation names accepted by FakeMailbox.FailOnce.
const (
	OpEnsureConnected = "ensure-connected"
	OpSearch          = "search"
	OpFetchEnvelopes  = "fetch-envelopes"
	OpFetchFull       = "fetch-full"
	OpFetchRaw        = "fetch-raw"
)

type fakeMessage struct {
	msg model.EmailMessage
	raw []byte
}

// FakeMailbox is an in-memory source.Mailbox. Searches match the sender
// address exactly and the subject term case-insensitively.
type FakeMailbox struct {
	mu        sync.Mutex
	messages  map[uint32]fakeMessage
	failures  map[string][]error
	connected bool

	// Reconnects counts EnsureConnected calls that had to re-establish
	// the session.
	Reconnects int

	// RawFetches records every UID passed to FetchRaw, in order.
	RawFetches []uint32
}

// NewFakeMailbox returns a connected, empty mailbox.
func NewFakeMailbox() *FakeMailbox {
	return &FakeMailbox{
		messages:  make(map[uint32]fakeMessage),
		failures:  make(map[string][]error),
		connected: true,
	}
}

// Add stores a message and its raw source.
func (m *FakeMailbox) Add(msg model.EmailMessage, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.UID] = fakeMessage{msg: msg, raw: raw}
}

// Delete removes a message, as if expunged between search and fetch.
func (m *FakeMailbox) Delete(uid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, uid)
}

// FailOnce queues err as the result of the next call to op. A queued
// source.ConnectionError also drops the session.
func (m *FakeMailbox) FailOnce(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Fetched returns the UIDs fetched with FetchRaw so far.
func (m *FakeMailbox) Fetched() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.RawFetches...)
}

func (m *FakeMailbox) failLocked(op string) error {
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.failures[op] = queue[1:]
	if source.IsConnectionError(err) {
		m.connected = false
	}
	return err
}

func (m *FakeMailbox) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.failLocked(OpEnsureConnected); err != nil {
		return err
	}
	if !m.connected {
		m.connected = true
		m.Reconnects++
	}
	return nil
}

func (m *FakeMailbox) SearchBySubject(ctx context.Context, term string) ([]uint32, error) {
	return m.search(ctx, "", term, time.Time{})
}

func (m *FakeMailbox) SearchByFromAndSubject(
	ctx context.Context, from, term string, since time.Time,
) ([]uint32, error) {
	return m.search(ctx, model.NormalizeEmail(from), term, since)
}

func (m *FakeMailbox) search(_ context.Context, from, term string, since time.Time) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(OpSearch); err != nil {
		return nil, err
	}

	term = strings.ToLower(term)
	var uids []uint32
	for uid, fm := range m.messages {
		if from != "" && model.NormalizeEmail(fm.msg.FromAddress) != from {
			continue
		}
		if !strings.Contains(strings.ToLower(fm.msg.Subject), term) {
			continue
		}
		if !since.IsZero() && fm.msg.Date.Before(since) {
			continue
		}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (m *FakeMailbox) FetchEnvelopeAndStructure(
	_ context.Context, uids []uint32,
) ([]model.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(OpFetchEnvelopes); err != nil {
		return nil, err
	}

	out := make([]model.EmailMessage, 0, len(uids))
	for _, uid := range uids {
		if fm, ok := m.messages[uid]; ok {
			out = append(out, fm.msg)
		}
	}
	return out, nil
}

func (m *FakeMailbox) FetchFull(_ context.Context, uid uint32) (*model.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(OpFetchFull); err != nil {
		return nil, err
	}
	fm, ok := m.messages[uid]
	if !ok {
		return nil, fmt.Errorf("UID %d: %w", uid, source.ErrNotFound)
	}
	msg := fm.msg
	return &msg, nil
}

func (m *FakeMailbox) FetchRaw(_ context.Context, uid uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(OpFetchRaw); err != nil {
		return nil, err
	}
	m.RawFetches = append(m.RawFetches, uid)
	fm, ok := m.messages[uid]
	if !ok {
		return nil, fmt.Errorf("UID %d: %w", uid, source.ErrNotFound)
	}
	return fm.raw, nil
}

func (m *FakeMailbox) usableLocked(op string) error {
	if err := m.failLocked(op); err != nil {
		return err
	}
	if !m.connected {
		return &source.ConnectionError{Op: op, Err: fmt.Errorf("session dropped")}
	}
	return nil
}

var _ source.Mailbox = (*FakeMailbox)(nil)
