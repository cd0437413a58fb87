// Package discovery finds the senders of statement emails in a mailbox.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/source"
	"github.com/nhle/statement-extractor/internal/source/email"
)

// Aggregator groups statement emails by sender.
type Aggregator struct {
	mailbox     source.Mailbox
	subjectTerm string
	logger      *slog.Logger
}

// NewAggregator creates an Aggregator searching for subjectTerm.
func NewAggregator(mailbox source.Mailbox, subjectTerm string, logger *slog.Logger) *Aggregator {
	if subjectTerm == "" {
		subjectTerm = "statement"
	}
	return &Aggregator{mailbox: mailbox, subjectTerm: subjectTerm, logger: logger}
}

// DiscoverSenders scans the whole mailbox for messages whose subject
// contains the term and which carry a PDF, and returns one SenderInfo per
// lowercased from-address, most messages first. Equal counts keep the order
// in which the sender was first seen.
func (a *Aggregator) DiscoverSenders(ctx context.Context) ([]model.SenderInfo, error) {
	if err := a.mailbox.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	uids, err := a.mailbox.SearchBySubject(ctx, a.subjectTerm)
	if err != nil {
		return nil, fmt.Errorf("searching for %q: %w", a.subjectTerm, err)
	}
	if len(uids) == 0 {
		return []model.SenderInfo{}, nil
	}

	msgs, err := a.mailbox.FetchEnvelopeAndStructure(ctx, uids)
	if err != nil {
		return nil, fmt.Errorf("fetching %d envelopes: %w", len(uids), err)
	}

	senders := Group(msgs)
	a.logger.Info("senders discovered",
		"matches", len(uids), "fetched", len(msgs), "senders", len(senders))
	return senders, nil
}

// Group aggregates messages carrying a PDF by sender.
func Group(msgs []model.EmailMessage) []model.SenderInfo {
	index := make(map[string]int)
	senders := []model.SenderInfo{}

	for _, msg := range msgs {
		if !email.HasPdf(msg) {
			continue
		}
		addr := model.NormalizeEmail(msg.FromAddress)
		if addr == "" {
			continue
		}

		i, seen := index[addr]
		if !seen {
			i = len(senders)
			index[addr] = i
			senders = append(senders, model.SenderInfo{
				Email:       addr,
				DisplayName: msg.FromDisplayName,
			})
		}
		senders[i].MessageCount++
	}

	sort.SliceStable(senders, func(i, j int) bool {
		return senders[i].MessageCount > senders[j].MessageCount
	})
	return senders
}
