package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/source"
	"github.com/nhle/statement-extractor/tests/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDiscoverSenders(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	mb := testutil.NewFakeMailbox()

	add := func(uid uint32, from string) {
		msg, raw := testutil.Statement(uid, from, "", day.AddDate(0, 0, int(uid)), "%PDF-1.4")
		mb.Add(msg, raw)
	}
	add(1, "cards@issuer.example")
	add(2, "Billing@Bank.example")
	add(3, "billing@bank.example")
	add(4, "billing@bank.example")
	add(5, "utility@power.example")
	add(6, "cards@issuer.example")

	// Matching subject without a PDF does not count.
	plain, raw := testutil.PlainEmail(7, "utility@power.example", "<p7@power>", "Your statement is online", day)
	mb.Add(plain, raw)
	plain, raw = testutil.PlainEmail(8, "news@shop.example", "<p8@shop>", "Weekly statement digest", day)
	mb.Add(plain, raw)

	// Not a statement.
	other, raw := testutil.Statement(9, "billing@bank.example", "<x@bank>", day, "%PDF-1.4")
	other.Subject = "Your invoice"
	mb.Add(other, raw)

	senders, err := NewAggregator(mb, "statement", discardLogger()).DiscoverSenders(ctx)
	if err != nil {
		t.Fatalf("DiscoverSenders: %v", err)
	}

	want := []model.SenderInfo{
		{Email: "billing@bank.example", DisplayName: "Example Bank", MessageCount: 3},
		{Email: "cards@issuer.example", DisplayName: "Example Bank", MessageCount: 2},
		{Email: "utility@power.example", DisplayName: "Example Bank", MessageCount: 1},
	}
	if len(senders) != len(want) {
		t.Fatalf("senders = %+v, want %d entries", senders, len(want))
	}
	for i := range want {
		if senders[i] != want[i] {
			t.Errorf("senders[%d] = %+v, want %+v", i, senders[i], want[i])
		}
	}
}

func TestGroupKeepsFirstSeenOrderOnTies(t *testing.T) {
	pdf := &model.MIMEPart{MediaType: "application/pdf"}
	msgs := []model.EmailMessage{
		{FromAddress: "b@example.com", FromDisplayName: "B first", Structure: pdf},
		{FromAddress: "a@example.com", Structure: pdf},
		{FromAddress: "B@example.com", FromDisplayName: "B second", Structure: pdf},
		{FromAddress: "a@example.com", Structure: pdf},
		{FromAddress: "", Structure: pdf},
	}

	senders := Group(msgs)
	if len(senders) != 2 {
		t.Fatalf("senders = %+v", senders)
	}
	if senders[0].Email != "b@example.com" || senders[1].Email != "a@example.com" {
		t.Errorf("order = %s, %s; want first-seen order on equal counts", senders[0].Email, senders[1].Email)
	}
	if senders[0].DisplayName != "B first" {
		t.Errorf("display name = %q, want the first message's", senders[0].DisplayName)
	}
	if senders[1].Label() != "a@example.com" {
		t.Errorf("label = %q, want address fallback", senders[1].Label())
	}
}

func TestDiscoverSendersEmptyMailbox(t *testing.T) {
	senders, err := NewAggregator(testutil.NewFakeMailbox(), "", discardLogger()).DiscoverSenders(context.Background())
	if err != nil {
		t.Fatalf("DiscoverSenders: %v", err)
	}
	if senders == nil || len(senders) != 0 {
		t.Errorf("senders = %#v, want empty non-nil slice", senders)
	}
}

func TestDiscoverSendersPropagatesConnectionError(t *testing.T) {
	mb := testutil.NewFakeMailbox()
	mb.FailOnce(testutil.OpEnsureConnected, &source.ConnectionError{Op: "connect", Err: errors.New("refused")})

	_, err := NewAggregator(mb, "statement", discardLogger()).DiscoverSenders(context.Background())
	if !source.IsConnectionError(err) {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
}
