package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/nhle/statement-extractor/internal/model"
)

// RunOptions selects the messages of a Phase 2 run.
type RunOptions struct {
	// NewOnly excludes messages already present in each sender's ledger.
	NewOnly bool
}

type senderPlan struct {
	sender   ValidatedSender
	messages []model.EmailMessage
	err      error
}

// RunExtraction runs Phase 2: for each validated sender in order it
// extracts every matching message in the trailing window, then merges the
// results into the sender's ledger record before moving on.
//
// Per-message failures are counted in the results. A failed search sets the
// sender's Err. A lost connection or cancellation stops the run and returns
// the results gathered so far with the error; cancellation is honoured
// between messages and the interrupted sender's partial record is saved.
func (o *Orchestrator) RunExtraction(
	ctx context.Context,
	senders []ValidatedSender,
	opts RunOptions,
) ([]model.SenderExtractionResult, error) {
	runID := uuid.NewString()
	logger := o.logger.With("run", runID)
	logger.Info("extraction started", "senders", len(senders), "new_only", opts.NewOnly)

	plans := make([]senderPlan, 0, len(senders))
	total := 0
	for _, vs := range senders {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, err)
		}

		plan := o.planSender(ctx, vs, opts)
		if plan.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		if plan.err != nil && isFatal(plan.err) {
			o.emit(Progress{RunID: runID, State: StateAborted, Sender: vs.Sender.Email, Status: plan.err.Error()})
			return nil, plan.err
		}
		if plan.err != nil {
			logger.Warn("planning sender failed", "sender", vs.Sender.Email, "error", plan.err)
		}
		plans = append(plans, plan)
		total += len(plan.messages)
	}

	results := make([]model.SenderExtractionResult, 0, len(plans))
	processed := 0
	for _, plan := range plans {
		vs := plan.sender
		res := model.SenderExtractionResult{
			Sender:      vs.Sender,
			TotalEmails: len(plan.messages),
			Err:         plan.err,
		}
		entries := make(map[string]model.ExtractedEmailInfo)

		var stopErr error
		for i, msg := range plan.messages {
			if err := ctx.Err(); err != nil {
				stopErr = fmt.Errorf("%w: %w", ErrAborted, err)
				break
			}

			o.emit(Progress{
				RunID:     runID,
				State:     StateExtractionRunning,
				Sender:    vs.Sender.Email,
				Processed: processed,
				Total:     total,
				Status:    fmt.Sprintf("Extracting %s (%d/%d)", vs.Sender.Label(), i+1, len(plan.messages)),
			})

			// A message in progress runs to completion even if ctx is
			// cancelled meanwhile.
			key, info, err := o.extractMessage(context.WithoutCancel(ctx), msg, vs.Password)
			processed++
			if err != nil {
				if isFatal(err) {
					stopErr = err
					res.FailCount++
					break
				}
				res.FailCount++
				logger.Warn("extracting message failed",
					"sender", vs.Sender.Email, "uid", msg.UID, "error", err)
				continue
			}
			entries[key] = info
			res.SuccessCount++
		}

		res.Keys = model.SortedKeys(entries)
		res.ExtractedData = model.SortByDateDesc(entries)
		if len(entries) > 0 {
			res.PersistErr = o.persist(ctx, vs.Sender, entries)
			if res.PersistErr != nil {
				logger.Error("saving extraction record failed", "sender", vs.Sender.Email, "error", res.PersistErr)
			}
		}

		logger.Info("sender finished",
			"sender", vs.Sender.Email, "total", res.TotalEmails,
			"success", res.SuccessCount, "failed", res.FailCount)
		results = append(results, res)

		if stopErr != nil {
			o.emit(Progress{RunID: runID, State: StateAborted, Sender: vs.Sender.Email,
				Processed: processed, Total: total, Status: stopErr.Error()})
			return results, stopErr
		}
	}

	o.emit(Progress{
		RunID:     runID,
		State:     StateExtractionComplete,
		Processed: processed,
		Total:     total,
		Status:    fmt.Sprintf("Extracted %d of %d emails", countSuccess(results), total),
	})
	logger.Info("extraction finished", "processed", processed, "total", total)
	return results, nil
}

// planSender finds the sender's statement emails in the window, minus
// ledger keys on a re-run, in ascending UID order.
func (o *Orchestrator) planSender(ctx context.Context, vs ValidatedSender, opts RunOptions) senderPlan {
	plan := senderPlan{sender: vs}

	excluded := map[string]struct{}{}
	if opts.NewOnly {
		keys, err := o.store.GetExtractedMessageKeys(ctx, vs.Sender.Email)
		if err != nil {
			plan.err = fmt.Errorf("reading ledger for %s: %w", vs.Sender.Email, err)
			return plan
		}
		excluded = keys
	}

	since := o.opts.Now().Add(-o.opts.Window)
	var uids []uint32
	err := o.withReconnect(ctx, "search", func() error {
		var err error
		uids, err = o.mailbox.SearchByFromAndSubject(ctx, vs.Sender.Email, o.opts.SubjectTerm, since)
		return err
	})
	if err != nil {
		plan.err = fmt.Errorf("searching statements from %s: %w", vs.Sender.Email, err)
		return plan
	}
	if len(uids) == 0 {
		return plan
	}

	var msgs []model.EmailMessage
	err = o.withReconnect(ctx, "fetch", func() error {
		var err error
		msgs, err = o.mailbox.FetchEnvelopeAndStructure(ctx, uids)
		return err
	})
	if err != nil {
		plan.err = fmt.Errorf("fetching statements from %s: %w", vs.Sender.Email, err)
		return plan
	}

	for _, msg := range msgs {
		if _, done := excluded[msg.MessageKey()]; done {
			continue
		}
		plan.messages = append(plan.messages, msg)
	}
	sort.SliceStable(plan.messages, func(i, j int) bool {
		return plan.messages[i].UID < plan.messages[j].UID
	})
	return plan
}

func (o *Orchestrator) extractMessage(
	ctx context.Context,
	msg model.EmailMessage,
	password string,
) (string, model.ExtractedEmailInfo, error) {
	att, data, err := o.downloadFirstPDF(ctx, msg)
	if err != nil {
		return "", model.ExtractedEmailInfo{}, err
	}

	doc, err := o.opts.Open(data, password)
	if err != nil {
		return "", model.ExtractedEmailInfo{}, fmt.Errorf("opening %s: %w", att.Filename, err)
	}
	defer doc.Close()

	text, err := doc.ExtractAllText()
	if err != nil {
		return "", model.ExtractedEmailInfo{}, fmt.Errorf("extracting %s: %w", att.Filename, err)
	}

	return msg.MessageKey(), model.ExtractedEmailInfo{
		Subject:       msg.Subject,
		Date:          msg.Date,
		PdfFilename:   att.Filename,
		ExtractedText: text,
		PageCount:     doc.PageCount(),
	}, nil
}

// persist merges entries into the sender's record, retrying a failed write
// once. The write is not cancelled with ctx.
func (o *Orchestrator) persist(
	ctx context.Context,
	sender model.SenderInfo,
	entries map[string]model.ExtractedEmailInfo,
) error {
	ctx = context.WithoutCancel(ctx)
	rec := model.ExtractionRecord{
		SenderEmail:        sender.Email,
		SenderName:         sender.DisplayName,
		ExtractedEmails:    entries,
		LastExtractionDate: o.opts.Now().UTC(),
	}

	_, err := o.store.SaveExtractionRecord(ctx, rec)
	if err == nil {
		return nil
	}
	o.logger.Warn("saving extraction record failed, retrying", "sender", sender.Email, "error", err)
	_, err = o.store.SaveExtractionRecord(ctx, rec)
	return err
}

func countSuccess(results []model.SenderExtractionResult) int {
	n := 0
	for _, r := range results {
		n += r.SuccessCount
	}
	return n
}

// IsAborted reports whether err ended a run because the caller stopped it.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
