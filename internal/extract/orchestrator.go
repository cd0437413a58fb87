// Package extract drives the two-phase statement workflow: per-sender PDF
// password validation, then incremental bulk text extraction into the
// ledger.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/pdf"
	"github.com/nhle/statement-extractor/internal/source"
	"github.com/nhle/statement-extractor/internal/source/email"
	"github.com/nhle/statement-extractor/internal/store"
)

// DefaultWindow bounds bulk extraction to roughly the last two years.
const DefaultWindow = 730 * 24 * time.Hour

var (
	// ErrAborted is returned when the caller stops the workflow.
	ErrAborted = errors.New("extraction aborted")

	// ErrNothingValidated is returned when Phase 1 ends with every sender
	// skipped.
	ErrNothingValidated = errors.New("no sender password was validated")

	// ErrIncorrectPassword reports a rejected PDF password.
	ErrIncorrectPassword = errors.New("incorrect password")

	// ErrOpenFailed reports a PDF that could not be opened for a reason
	// other than its password.
	ErrOpenFailed = errors.New("failed to open PDF")

	// ErrNoStatement reports that a sender has no matching statement email.
	ErrNoStatement = errors.New("no statement email found")

	// ErrNoPDF reports a statement email without a retrievable PDF part.
	ErrNoPDF = errors.New("no PDF attachment found")
)

// Document is an opened statement PDF.
type Document interface {
	PageCount() int
	ExtractAllText() (string, error)
	Close() error
}

// OpenFunc opens PDF bytes with a password. It must return an error
// wrapping pdf.ErrPassword for a rejected password.
type OpenFunc func(data []byte, password string) (Document, error)

// PDFOpener opens documents with the pdf package.
func PDFOpener(data []byte, password string) (Document, error) {
	doc, err := pdf.Open(data, password)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Options configures an Orchestrator.
type Options struct {
	// SubjectTerm selects statement emails. Defaults to "statement".
	SubjectTerm string

	// Window bounds Phase 2 searches to messages newer than now-Window.
	Window time.Duration

	// Open opens PDFs. Defaults to PDFOpener.
	Open OpenFunc

	// OnProgress, if set, receives every progress event synchronously.
	OnProgress func(Progress)

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the mailbox session for the duration of a workflow.
// It is not safe for concurrent use.
type Orchestrator struct {
	mailbox source.Mailbox
	store   store.Store
	logger  *slog.Logger
	opts    Options

	mu   sync.Mutex
	held map[string]string
}

// New creates an Orchestrator.
func New(mailbox source.Mailbox, st store.Store, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.SubjectTerm == "" {
		opts.SubjectTerm = "statement"
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Open == nil {
		opts.Open = PDFOpener
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		mailbox: mailbox,
		store:   st,
		logger:  logger,
		opts:    opts,
		held:    make(map[string]string),
	}
}

// HeldPassword returns the password currently held in memory for a sender.
func (o *Orchestrator) HeldPassword(senderEmail string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pw, ok := o.held[model.NormalizeEmail(senderEmail)]
	return pw, ok
}

func (o *Orchestrator) hold(senderEmail, password string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.held[model.NormalizeEmail(senderEmail)] = password
}

func (o *Orchestrator) release(senderEmail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.held, model.NormalizeEmail(senderEmail))
}

// Statement is the latest statement email of a sender with its first PDF.
type Statement struct {
	Message    model.EmailMessage
	Attachment model.AttachmentInfo
	Data       []byte
}

// LatestStatement fetches the sender's most recent statement email and
// downloads its first PDF attachment.
func (o *Orchestrator) LatestStatement(ctx context.Context, senderEmail string) (*Statement, error) {
	var uids []uint32
	err := o.withReconnect(ctx, "search", func() error {
		var err error
		uids, err = o.mailbox.SearchByFromAndSubject(ctx, senderEmail, o.opts.SubjectTerm, time.Time{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("searching statements from %s: %w", senderEmail, err)
	}
	if len(uids) == 0 {
		return nil, ErrNoStatement
	}

	// UIDs are assigned in arrival order, so the highest is the latest.
	latest := uids[0]
	for _, uid := range uids[1:] {
		if uid > latest {
			latest = uid
		}
	}

	var msgs []model.EmailMessage
	err = o.withReconnect(ctx, "fetch", func() error {
		var err error
		msgs, err = o.mailbox.FetchEnvelopeAndStructure(ctx, []uint32{latest})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching UID %d: %w", latest, err)
	}
	if len(msgs) == 0 {
		return nil, ErrNoStatement
	}

	att, data, err := o.downloadFirstPDF(ctx, msgs[0])
	if err != nil {
		return nil, err
	}
	return &Statement{Message: msgs[0], Attachment: att, Data: data}, nil
}

func (o *Orchestrator) downloadFirstPDF(ctx context.Context, msg model.EmailMessage) (model.AttachmentInfo, []byte, error) {
	parts := email.FindPdfParts(msg)
	if len(parts) == 0 {
		return model.AttachmentInfo{}, nil, ErrNoPDF
	}

	var data []byte
	err := o.withReconnect(ctx, "download", func() error {
		var err error
		data, err = email.DownloadAttachment(ctx, o.mailbox, msg, parts[0])
		return err
	})
	if err != nil {
		return parts[0], nil, err
	}
	if data == nil {
		return parts[0], nil, ErrNoPDF
	}
	return parts[0], data, nil
}

// withReconnect verifies the session, runs fn, and on a dropped connection
// reconnects once and retries.
func (o *Orchestrator) withReconnect(ctx context.Context, op string, fn func() error) error {
	if err := o.mailbox.EnsureConnected(ctx); err != nil {
		return err
	}

	err := fn()
	if err == nil || !source.IsConnectionError(err) {
		return err
	}

	o.logger.Warn("mailbox connection dropped, reconnecting", "op", op, "error", err)
	if err := o.mailbox.EnsureConnected(ctx); err != nil {
		return err
	}
	return fn()
}

// tryPassword opens data with password and closes it again.
func (o *Orchestrator) tryPassword(data []byte, password string) error {
	doc, err := o.opts.Open(data, password)
	if err != nil {
		if errors.Is(err, pdf.ErrPassword) {
			return ErrIncorrectPassword
		}
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return doc.Close()
}

func (o *Orchestrator) emit(p Progress) {
	if o.opts.OnProgress != nil {
		o.opts.OnProgress(p)
	}
}

// isFatal reports errors that stop the whole run rather than one message.
func isFatal(err error) bool {
	return source.IsConnectionError(err) ||
		source.IsAuthError(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
