package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/source"
)

// DialFunc opens a transport-level IMAP connection to addr.
type DialFunc func(addr string) (*imapclient.Client, error)

// DialTLS connects over implicit TLS.
func DialTLS(addr string) (*imapclient.Client, error) {
	return imapclient.DialTLS(addr, nil)
}

// IMAPClient is a single stateful IMAP session. Every exported method holds
// the session lock for its full duration, so at most one command is in
// flight per client.
type IMAPClient struct {
	mu sync.Mutex

	host      string
	port      string
	mailbox   string
	batchSize int
	dial      DialFunc
	logger    *slog.Logger

	username string
	password string

	client      *imapclient.Client
	uidValidity uint32
}

// NewIMAPClient creates an unconnected client. Call Authenticate before
// any other operation.
func NewIMAPClient(cfg Config, logger *slog.Logger) *IMAPClient {
	cfg = cfg.withDefaults()
	return &IMAPClient{
		host:      cfg.Host,
		port:      cfg.Port,
		mailbox:   cfg.Mailbox,
		batchSize: cfg.BatchSize,
		dial:      cfg.Dial,
		logger:    logger,
	}
}

// Authenticate connects, logs in and selects the configured mailbox. On
// any failure the client is left disconnected with no cached credentials.
func (c *IMAPClient) Authenticate(
	ctx context.Context, username, password string,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked(true)
	c.username = username
	c.password = password

	if err := c.connectLocked(); err != nil {
		c.username = ""
		c.password = ""
		return err
	}

	c.logger.Info("imap session established",
		"user", username, "mailbox", c.mailbox, "uidvalidity", c.uidValidity)
	return nil
}

// IsConnected reports whether a session is currently held. It does not
// contact the server.
func (c *IMAPClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// UIDValidity returns the UIDVALIDITY of the selected mailbox.
func (c *IMAPClient) UIDValidity() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uidValidity
}

// EnsureConnected checks a live session with NOOP and transparently
// reconnects with the cached credentials when the NOOP fails or no
// session is held.
func (c *IMAPClient) EnsureConnected(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		err := c.client.Noop().Wait()
		if err == nil {
			return nil
		}
		c.logger.Warn("imap session dropped, reconnecting", "error", err)
		c.closeLocked(false)
	}

	if c.username == "" {
		return &source.ConnectionError{
			Op:  "reconnect",
			Err: errors.New("not authenticated"),
		}
	}

	before := c.uidValidity
	if err := c.connectLocked(); err != nil {
		return err
	}
	if before != 0 && before != c.uidValidity {
		c.logger.Warn("mailbox UIDVALIDITY changed across reconnect",
			"before", before, "after", c.uidValidity)
	}
	return nil
}

// Disconnect logs out and releases the session. It is idempotent and
// never fails.
func (c *IMAPClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked(true)
	c.username = ""
	c.password = ""
}

// SearchBySubject returns UIDs of messages whose subject contains term.
func (c *IMAPClient) SearchBySubject(
	ctx context.Context, term string,
) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.searchLocked(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Subject", Value: term},
		},
	})
}

// SearchByFromAndSubject returns UIDs of messages from the given address
// whose subject contains term. Servers differ in how strictly they match
// a full address in FROM, so when the exact search is empty the domain
// alone is searched and envelopes are filtered to the exact address.
func (c *IMAPClient) SearchByFromAndSubject(
	ctx context.Context, from, term string, since time.Time,
) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from = model.NormalizeEmail(from)
	uids, err := c.searchLocked(fromSubjectCriteria(from, term, since))
	if err != nil || len(uids) > 0 {
		return uids, err
	}

	domain := addressDomain(from)
	if domain == "" || domain == from {
		return nil, nil
	}

	c.logger.Debug("exact from search empty, retrying by domain",
		"from", from, "domain", domain)

	candidates, err := c.searchLocked(fromSubjectCriteria(domain, term, since))
	if err != nil || len(candidates) == 0 {
		return nil, err
	}

	msgs, err := c.fetchEnvelopesLocked(candidates)
	if err != nil {
		return nil, err
	}

	var matched []uint32
	for _, msg := range msgs {
		if msg.FromAddress == from {
			matched = append(matched, msg.UID)
		}
	}
	sortUIDs(matched)
	return matched, nil
}

// FetchEnvelopeAndStructure fetches ENVELOPE and BODYSTRUCTURE for uids in
// batches. Messages that vanished or fail to decode are skipped.
func (c *IMAPClient) FetchEnvelopeAndStructure(
	ctx context.Context, uids []uint32,
) ([]model.EmailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fetchEnvelopesLocked(uids)
}

// FetchFull fetches envelope, structure and the full body of one message.
func (c *IMAPClient) FetchFull(
	ctx context.Context, uid uint32,
) (*model.EmailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bodySection := &imap.FetchItemBodySection{Peek: true}
	buf, err := c.fetchOneLocked(uid, &imap.FetchOptions{
		Envelope:      true,
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
		BodySection:   []*imap.FetchItemBodySection{bodySection},
	})
	if err != nil {
		return nil, err
	}

	msg := c.messageFromBuffer(buf)
	if raw := buf.FindBodySection(bodySection); raw != nil {
		msg.BodyText = parseTextBody(raw)
	}
	return &msg, nil
}

// FetchRaw returns the complete message source of one message.
func (c *IMAPClient) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bodySection := &imap.FetchItemBodySection{Peek: true}
	buf, err := c.fetchOneLocked(uid, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	if err != nil {
		return nil, err
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d body: %w", uid, source.ErrNotFound)
	}
	return raw, nil
}

// connectLocked dials, logs in and selects the mailbox read-only.
func (c *IMAPClient) connectLocked() error {
	addr := net.JoinHostPort(c.host, c.port)

	client, err := c.dial(addr)
	if err != nil {
		return &source.ConnectionError{
			Op:  "connect",
			Err: fmt.Errorf("connecting to IMAP %s: %w", addr, err),
		}
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			msg := strings.TrimSpace(imapErr.Text)
			if msg == "" {
				msg = "login rejected"
			}
			return &source.AuthError{Username: c.username, Message: msg}
		}
		return &source.ConnectionError{Op: "login", Err: err}
	}

	sel, err := client.Select(c.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		return c.classify("select", fmt.Errorf("selecting %s: %w", c.mailbox, err))
	}

	c.client = client
	c.uidValidity = sel.UIDValidity
	return nil
}

// closeLocked releases the session. A graceful close sends LOGOUT first.
func (c *IMAPClient) closeLocked(graceful bool) {
	if c.client == nil {
		return
	}
	if graceful {
		_ = c.client.Logout().Wait()
	}
	_ = c.client.Close()
	c.client = nil
}

// classify wraps a command error. Server NO/BAD replies leave the session
// usable; anything else drops it and becomes a ConnectionError.
func (c *IMAPClient) classify(op string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.closeLocked(false)
	return &source.ConnectionError{Op: op, Err: err}
}

func (c *IMAPClient) requireSessionLocked(op string) error {
	if c.client == nil {
		return &source.ConnectionError{Op: op, Err: errors.New("not connected")}
	}
	return nil
}

func (c *IMAPClient) searchLocked(criteria *imap.SearchCriteria) ([]uint32, error) {
	if err := c.requireSessionLocked("search"); err != nil {
		return nil, err
	}

	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, c.classify("search", err)
	}

	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	sortUIDs(uids)
	return uids, nil
}

func (c *IMAPClient) fetchEnvelopesLocked(uids []uint32) ([]model.EmailMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := c.requireSessionLocked("fetch"); err != nil {
		return nil, err
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:      true,
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}

	msgs := make([]model.EmailMessage, 0, len(uids))
	for start := 0; start < len(uids); start += c.batchSize {
		end := min(start+c.batchSize, len(uids))
		batch := toIMAPUIDs(uids[start:end])

		c.logger.Debug("fetching envelopes", "from", start, "count", len(batch))

		fetchCmd := c.client.Fetch(imap.UIDSetNum(batch...), fetchOpts)
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				c.logger.Warn("skipping undecodable message", "seq", msg.SeqNum, "error", err)
				continue
			}
			msgs = append(msgs, c.messageFromBuffer(buf))
		}
		if err := fetchCmd.Close(); err != nil {
			return msgs, c.classify("fetch envelopes", err)
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })
	return msgs, nil
}

func (c *IMAPClient) fetchOneLocked(
	uid uint32, opts *imap.FetchOptions,
) (*imapclient.FetchMessageBuffer, error) {
	if err := c.requireSessionLocked("fetch"); err != nil {
		return nil, err
	}

	fetchCmd := c.client.Fetch(imap.UIDSetNum(imap.UID(uid)), opts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, c.classify("fetch", err)
		}
		return nil, fmt.Errorf("message UID %d: %w", uid, source.ErrNotFound)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, c.classify("fetch", fmt.Errorf("collecting message UID %d: %w", uid, err))
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, c.classify("fetch", err)
	}
	return buf, nil
}

// messageFromBuffer converts a FetchMessageBuffer to a model.EmailMessage.
func (c *IMAPClient) messageFromBuffer(buf *imapclient.FetchMessageBuffer) model.EmailMessage {
	msg := model.EmailMessage{
		SeqNum:      buf.SeqNum,
		UID:         uint32(buf.UID),
		UIDValidity: c.uidValidity,
	}

	if buf.Envelope != nil {
		msg.MessageID = buf.Envelope.MessageID
		msg.Subject = buf.Envelope.Subject
		msg.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			msg.FromAddress = model.NormalizeEmail(from.Addr())
			msg.FromDisplayName = strings.TrimSpace(from.Name)
		}
	}

	if buf.BodyStructure != nil {
		msg.Structure = convertStructure(buf.BodyStructure)
		msg.Attachments = FindAttachments(msg.Structure)
	}

	return msg
}

// parseTextBody returns the first text/plain part of a raw message.
func parseTextBody(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err != nil && !message.IsUnknownCharset(err) {
			return ""
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "" && !strings.HasPrefix(contentType, "text/plain") {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		return string(body)
	}
}

func fromSubjectCriteria(from, term string, since time.Time) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "From", Value: from},
			{Key: "Subject", Value: term},
		},
	}
	if !since.IsZero() {
		// SINCE has day granularity.
		criteria.Since = time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, time.UTC)
	}
	return criteria
}

func addressDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}

func toIMAPUIDs(uids []uint32) []imap.UID {
	out := make([]imap.UID, len(uids))
	for i, uid := range uids {
		out[i] = imap.UID(uid)
	}
	return out
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}

var _ source.Mailbox = (*IMAPClient)(nil)
