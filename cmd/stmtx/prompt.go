package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"

	"github.com/nhle/statement-extractor/internal/extract"
	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/theme"
)

// formPrompter asks for passwords and decisions with huh forms.
type formPrompter struct{}

func (formPrompter) PromptPassword(ctx context.Context, p extract.PasswordPrompt) (string, extract.Action, error) {
	description := fmt.Sprintf("Opens %s. Leave empty if the PDF is not encrypted.", p.Filename)
	switch {
	case errors.Is(p.LastError, extract.ErrIncorrectPassword):
		description = theme.ErrorStyle.Render("Incorrect password.") + " " + description
	case p.LastError != nil:
		description = theme.ErrorStyle.Render("Failed to open PDF.") + " " + description
	}

	var password string
	action := extract.ActionSubmit
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("PDF password for "+p.Sender.Label()).
				Description(description).
				EchoMode(huh.EchoModePassword).
				Value(&password),
			huh.NewSelect[extract.Action]().
				Title("Action").
				Options(
					huh.NewOption("Try this password", extract.ActionSubmit),
					huh.NewOption("Skip this sender", extract.ActionSkip),
					huh.NewOption("Abort", extract.ActionAbort),
				).
				Value(&action),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", extract.ActionAbort, nil
		}
		return "", extract.ActionAbort, err
	}
	return password, action, nil
}

func (formPrompter) SenderUnavailable(ctx context.Context, sender model.SenderInfo, cause error) (extract.Action, error) {
	action := extract.ActionRetry
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[extract.Action]().
				Title("Could not load a statement from "+sender.Label()).
				Description(theme.ErrorStyle.Render(cause.Error())).
				Options(
					huh.NewOption("Retry", extract.ActionRetry),
					huh.NewOption("Skip this sender", extract.ActionSkip),
					huh.NewOption("Abort", extract.ActionAbort),
				).
				Value(&action),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return extract.ActionAbort, nil
		}
		return extract.ActionAbort, err
	}
	return action, nil
}

// chooseSenders lets the user pick senders, all preselected.
func chooseSenders(ctx context.Context, senders []model.SenderInfo) ([]model.SenderInfo, error) {
	options := make([]huh.Option[string], 0, len(senders))
	for _, s := range senders {
		label := fmt.Sprintf("%s <%s> (%d)", s.Label(), s.Email, s.MessageCount)
		options = append(options, huh.NewOption(label, s.Email).Selected(true))
	}

	var chosen []string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Senders to extract").
				Options(options...).
				Value(&chosen).
				Validate(func(v []string) error {
					if len(v) == 0 {
						return errors.New("select at least one sender")
					}
					return nil
				}),
		),
	).RunWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return selectSenders(senders, chosen), nil
}

// progressPrinter writes one status line per progress event.
func progressPrinter(w io.Writer) func(extract.Progress) {
	return func(p extract.Progress) {
		switch p.State {
		case extract.StateExtractionRunning, extract.StateExtractionComplete:
			counter := theme.HelpStyle.Render(fmt.Sprintf("[%d/%d]", p.Processed, p.Total))
			fmt.Fprintf(w, "%s %s\n", counter, p.Status)
		case extract.StatePasswordEntryPending:
		default:
			fmt.Fprintln(w, theme.HelpStyle.Render(p.Status))
		}
	}
}
