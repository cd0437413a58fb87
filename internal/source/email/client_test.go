package email

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/nhle/statement-extractor/internal/source"
)

const (
	testUser   = "me@example.com"
	testSecret = "app-secret"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs an in-memory IMAP server seeded with the given messages
// and returns its address.
func startServer(t *testing.T, messages ...[]byte) string {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testSecret)
	_ = user.Create("INBOX", nil)
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	addr := ln.Addr().String()
	if len(messages) > 0 {
		seed, err := imapclient.DialInsecure(addr, nil)
		if err != nil {
			t.Fatalf("dialing seed client: %v", err)
		}
		defer seed.Close()
		if err := seed.Login(testUser, testSecret).Wait(); err != nil {
			t.Fatalf("seed login: %v", err)
		}
		for _, raw := range messages {
			appendCmd := seed.Append("INBOX", int64(len(raw)), nil)
			if _, err := appendCmd.Write(raw); err != nil {
				t.Fatalf("append write: %v", err)
			}
			if err := appendCmd.Close(); err != nil {
				t.Fatalf("append close: %v", err)
			}
			if _, err := appendCmd.Wait(); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		_ = seed.Logout().Wait()
	}

	return addr
}

func newTestClient(t *testing.T, addr string) *IMAPClient {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	c := NewIMAPClient(Config{
		Host:      host,
		Port:      port,
		BatchSize: 1,
		Dial: func(addr string) (*imapclient.Client, error) {
			return imapclient.DialInsecure(addr, nil)
		},
	}, discardLogger())
	t.Cleanup(c.Disconnect)
	return c
}

func TestAuthenticateWrongSecret(t *testing.T) {
	c := newTestClient(t, startServer(t))

	err := c.Authenticate(context.Background(), testUser, "wrong")
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if !source.IsAuthError(err) {
		t.Errorf("error %v is not an AuthError", err)
	}
	if c.IsConnected() {
		t.Error("client reports connected after failed login")
	}
	if err := c.EnsureConnected(context.Background()); err == nil {
		t.Error("EnsureConnected succeeded without credentials")
	}
}

func TestAuthenticateUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient(t, addr)
	err = c.Authenticate(context.Background(), testUser, testSecret)
	if !source.IsConnectionError(err) {
		t.Fatalf("error = %v, want ConnectionError", err)
	}
	if c.IsConnected() {
		t.Error("client reports connected")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c := newTestClient(t, startServer(t))

	if err := c.Authenticate(context.Background(), testUser, testSecret); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("client not connected after login")
	}

	c.Disconnect()
	c.Disconnect()

	if c.IsConnected() {
		t.Error("client still connected after Disconnect")
	}
}

func TestEnsureConnectedReconnects(t *testing.T) {
	addr := startServer(t, buildPlain("news@shop.example", "Your statement"))
	c := newTestClient(t, addr)
	ctx := context.Background()

	if err := c.Authenticate(ctx, testUser, testSecret); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// Drop the transport underneath the session.
	c.mu.Lock()
	_ = c.client.Close()
	c.mu.Unlock()

	if err := c.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	uids, err := c.SearchBySubject(ctx, "statement")
	if err != nil {
		t.Fatalf("SearchBySubject after reconnect: %v", err)
	}
	if len(uids) != 1 {
		t.Errorf("got %d uids, want 1", len(uids))
	}
}

func TestSearchFetchAndDownload(t *testing.T) {
	pdf := []byte("%PDF-1.4 statement body")
	addr := startServer(t,
		buildStatement("Bank <Billing@Bank.example>", "Your March statement", "m1@bank.example",
			"march.pdf", "application/pdf", pdf),
		buildPlain("news@shop.example", "Weekly newsletter"),
		buildPlain("news@shop.example", "Loyalty statement"),
	)
	c := newTestClient(t, addr)
	ctx := context.Background()

	if err := c.Authenticate(ctx, testUser, testSecret); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	uids, err := c.SearchBySubject(ctx, "statement")
	if err != nil {
		t.Fatalf("SearchBySubject: %v", err)
	}
	if len(uids) != 2 {
		t.Fatalf("SearchBySubject returned %v, want 2 uids", uids)
	}

	msgs, err := c.FetchEnvelopeAndStructure(ctx, uids)
	if err != nil {
		t.Fatalf("FetchEnvelopeAndStructure: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("fetched %d messages, want 2", len(msgs))
	}
	first := msgs[0]
	if first.FromAddress != "billing@bank.example" {
		t.Errorf("FromAddress = %q", first.FromAddress)
	}
	if first.FromDisplayName != "Bank" {
		t.Errorf("FromDisplayName = %q", first.FromDisplayName)
	}
	if first.MessageKey() != "m1@bank.example" {
		t.Errorf("MessageKey = %q", first.MessageKey())
	}
	if !HasPdf(first) || HasPdf(msgs[1]) {
		t.Errorf("HasPdf = %v, %v; want true, false", HasPdf(first), HasPdf(msgs[1]))
	}

	fromUIDs, err := c.SearchByFromAndSubject(ctx, "billing@bank.example", "statement", first.Date.AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("SearchByFromAndSubject: %v", err)
	}
	if len(fromUIDs) != 1 || fromUIDs[0] != first.UID {
		t.Fatalf("SearchByFromAndSubject = %v, want [%d]", fromUIDs, first.UID)
	}

	full, err := c.FetchFull(ctx, first.UID)
	if err != nil {
		t.Fatalf("FetchFull: %v", err)
	}
	if full.BodyText == "" {
		t.Error("FetchFull returned an empty body")
	}

	parts := FindPdfParts(*full)
	if len(parts) != 1 {
		t.Fatalf("FindPdfParts = %+v", parts)
	}
	data, err := DownloadAttachment(ctx, c, *full, parts[0])
	if err != nil {
		t.Fatalf("DownloadAttachment: %v", err)
	}
	if !bytes.Equal(data, pdf) {
		t.Errorf("downloaded %q, want %q", data, pdf)
	}

	if _, err := c.FetchRaw(ctx, 999); err == nil {
		t.Error("FetchRaw of a missing UID succeeded")
	}
}
