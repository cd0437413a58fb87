package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/statement-extractor/internal/model"
)

// Action is the caller's answer to a prompt.
type Action int

const (
	// ActionSubmit tries the supplied password.
	ActionSubmit Action = iota
	// ActionRetry fetches the sender's latest statement again.
	ActionRetry
	// ActionSkip leaves the sender out of this run.
	ActionSkip
	// ActionAbort stops the whole workflow.
	ActionAbort
)

// PasswordPrompt describes a manual password request.
type PasswordPrompt struct {
	Sender   model.SenderInfo
	Filename string

	// Attempt starts at 1 for each sender.
	Attempt int

	// LastError is ErrIncorrectPassword or wraps ErrOpenFailed after a
	// failed attempt, nil on the first.
	LastError error
}

// Prompter supplies user decisions during password validation.
type Prompter interface {
	// PromptPassword asks for a sender's PDF password. ActionSubmit with
	// an empty password means the PDF is not encrypted.
	PromptPassword(ctx context.Context, p PasswordPrompt) (string, Action, error)

	// SenderUnavailable reports that the sender's latest statement could
	// not be loaded. ActionRetry reloads it.
	SenderUnavailable(ctx context.Context, sender model.SenderInfo, err error) (Action, error)
}

// ValidatedSender is a sender whose password opened its latest statement.
type ValidatedSender struct {
	Sender   model.SenderInfo
	Password string
}

// ValidatePasswords runs Phase 1 for each sender in order and returns the
// validated senders. Saved passwords are tried silently first; a saved
// password that no longer works is dropped from the working set before the
// prompter is asked. ErrNothingValidated is returned when every sender was
// skipped.
func (o *Orchestrator) ValidatePasswords(
	ctx context.Context,
	senders []model.SenderInfo,
	prompter Prompter,
) ([]ValidatedSender, error) {
	var validated []ValidatedSender

	for _, sender := range senders {
		sender.Email = model.NormalizeEmail(sender.Email)

		pw, ok, err := o.validateSender(ctx, sender, prompter)
		if err != nil {
			o.emit(Progress{State: StateAborted, Sender: sender.Email, Status: err.Error()})
			return validated, err
		}
		if !ok {
			o.release(sender.Email)
			o.logger.Info("sender skipped", "sender", sender.Email)
			o.emit(Progress{State: StateSkipped, Sender: sender.Email, Status: "Skipped " + sender.Label()})
			continue
		}

		o.hold(sender.Email, pw)
		validated = append(validated, ValidatedSender{Sender: sender, Password: pw})
		o.logger.Info("sender password validated", "sender", sender.Email)
		o.emit(Progress{State: StatePasswordValidated, Sender: sender.Email, Status: "Validated " + sender.Label()})
	}

	if len(validated) == 0 {
		return nil, ErrNothingValidated
	}
	return validated, nil
}

// validateSender returns the working password, or ok=false when the
// caller skipped the sender.
func (o *Orchestrator) validateSender(
	ctx context.Context,
	sender model.SenderInfo,
	prompter Prompter,
) (password string, ok bool, err error) {
	var stmt *Statement
	for {
		if err := ctx.Err(); err != nil {
			return "", false, fmt.Errorf("%w: %w", ErrAborted, err)
		}

		o.emit(Progress{State: StateLoadingEmail, Sender: sender.Email, Status: "Loading latest statement from " + sender.Label()})
		stmt, err = o.LatestStatement(ctx, sender.Email)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}

		o.logger.Warn("loading latest statement failed", "sender", sender.Email, "error", err)
		action, perr := prompter.SenderUnavailable(ctx, sender, err)
		if perr != nil {
			return "", false, perr
		}
		switch action {
		case ActionRetry:
			continue
		case ActionAbort:
			return "", false, ErrAborted
		default:
			return "", false, nil
		}
	}

	if saved, found, err := o.store.GetPassword(ctx, sender.Email); err != nil {
		o.logger.Warn("reading saved password failed", "sender", sender.Email, "error", err)
	} else if found {
		o.hold(sender.Email, saved)
		o.emit(Progress{State: StateAutoValidating, Sender: sender.Email, Status: "Trying saved password for " + sender.Label()})
		if err := o.tryPassword(stmt.Data, saved); err == nil {
			return saved, true, nil
		}
		o.logger.Info("saved password no longer opens statement", "sender", sender.Email)
		o.release(sender.Email)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		o.emit(Progress{State: StatePasswordEntryPending, Sender: sender.Email, Status: "Waiting for password for " + sender.Label()})
		pw, action, err := prompter.PromptPassword(ctx, PasswordPrompt{
			Sender:    sender,
			Filename:  stmt.Attachment.Filename,
			Attempt:   attempt,
			LastError: lastErr,
		})
		if err != nil {
			return "", false, err
		}

		switch action {
		case ActionAbort:
			return "", false, ErrAborted
		case ActionSkip:
			return "", false, nil
		}

		lastErr = o.tryPassword(stmt.Data, pw)
		if lastErr != nil {
			if !errors.Is(lastErr, ErrIncorrectPassword) {
				o.logger.Warn("opening statement failed", "sender", sender.Email, "error", lastErr)
			}
			continue
		}

		if err := o.store.SavePassword(ctx, sender.Email, pw); err != nil {
			o.logger.Error("saving password failed", "sender", sender.Email, "error", err)
		}
		return pw, true, nil
	}
}
