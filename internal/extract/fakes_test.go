package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/pdf"
	"github.com/nhle/statement-extractor/internal/store"
	"github.com/nhle/statement-extractor/tests/testutil"
)

var testNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePDF encodes the password and text a fakeOpen document expects.
func fakePDF(password, text string, pages int) string {
	return "FAKEPDF|" + password + "|" + strconv.Itoa(pages) + "|" + text
}

type fakeDoc struct {
	text   string
	pages  int
	closed *int
}

func (d *fakeDoc) PageCount() int                  { return d.pages }
func (d *fakeDoc) ExtractAllText() (string, error) { return d.text, nil }
func (d *fakeDoc) Close() error {
	*d.closed++
	return nil
}

type fakeOpener struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (f *fakeOpener) Open(data []byte, password string) (Document, error) {
	fields := strings.SplitN(string(data), "|", 4)
	if len(fields) != 4 || fields[0] != "FAKEPDF" {
		return nil, &pdf.FormatError{Err: errors.New("not a pdf")}
	}
	if fields[1] != password {
		return nil, pdf.ErrPassword
	}
	pages, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, &pdf.FormatError{Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return &fakeDoc{text: fields[3], pages: pages, closed: &f.closed}, nil
}

// scriptedPrompter answers password prompts from a fixed list.
type scriptedPrompter struct {
	t         *testing.T
	passwords []string
	prompts   []PasswordPrompt
	onPrompt  func(PasswordPrompt)

	unavailable      []error
	unavailableReply Action
}

func (p *scriptedPrompter) PromptPassword(_ context.Context, req PasswordPrompt) (string, Action, error) {
	p.prompts = append(p.prompts, req)
	if p.onPrompt != nil {
		p.onPrompt(req)
	}
	if len(p.passwords) == 0 {
		return "", ActionSkip, nil
	}
	pw := p.passwords[0]
	p.passwords = p.passwords[1:]
	return pw, ActionSubmit, nil
}

func (p *scriptedPrompter) SenderUnavailable(_ context.Context, _ model.SenderInfo, err error) (Action, error) {
	p.unavailable = append(p.unavailable, err)
	if p.unavailableReply == ActionSubmit {
		return ActionSkip, nil
	}
	return p.unavailableReply, nil
}

// noPrompt fails the test if a password is requested.
type noPrompt struct{ t *testing.T }

func (p noPrompt) PromptPassword(context.Context, PasswordPrompt) (string, Action, error) {
	p.t.Fatal("unexpected password prompt")
	return "", ActionAbort, nil
}

func (p noPrompt) SenderUnavailable(_ context.Context, s model.SenderInfo, err error) (Action, error) {
	p.t.Fatalf("unexpected unavailable prompt for %s: %v", s.Email, err)
	return ActionAbort, nil
}

// addStatements adds n statements from sender, one per month ending at
// testNow, with UIDs starting at firstUID and Message-IDs "<m<uid>@bank>".
func addStatements(mb *testutil.FakeMailbox, sender, password string, firstUID uint32, n int) {
	for i := 0; i < n; i++ {
		uid := firstUID + uint32(i)
		date := testNow.AddDate(0, -(n - i), 0)
		body := fakePDF(password, fmt.Sprintf("statement %d", uid), 2)
		msg, raw := testutil.Statement(uid, sender, fmt.Sprintf("<m%d@bank>", uid), date, body)
		mb.Add(msg, raw)
	}
}

func newTestOrchestrator(t *testing.T, mb *testutil.FakeMailbox, st store.Store, onProgress func(Progress)) (*Orchestrator, *fakeOpener) {
	t.Helper()
	opener := &fakeOpener{}
	o := New(mb, st, discardLogger(), Options{
		SubjectTerm: "statement",
		Window:      DefaultWindow,
		Open:        opener.Open,
		OnProgress:  onProgress,
		Now:         func() time.Time { return testNow },
	})
	return o, opener
}

// failingStore fails every SaveExtractionRecord call.
type failingStore struct {
	store.Store
	saves int
}

func (s *failingStore) SaveExtractionRecord(context.Context, model.ExtractionRecord) (model.ExtractionRecord, error) {
	s.saves++
	return model.ExtractionRecord{}, &store.WriteError{Op: "save extraction record", Err: errors.New("disk full")}
}
