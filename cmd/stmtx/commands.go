package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/statement-extractor/internal/discovery"
	"github.com/nhle/statement-extractor/internal/extract"
	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/pdf"
	"github.com/nhle/statement-extractor/internal/source/email"
	"github.com/nhle/statement-extractor/internal/store"
)

func (a *app) login(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("login", flag.ContinueOnError)
	host := flags.String("host", a.cfg.IMAP.Host, "IMAP server host")
	username := flags.String("username", a.cfg.IMAP.Username, "mailbox address")
	if err := flags.Parse(args); err != nil {
		return err
	}

	secret := a.cfg.IMAP.Secret
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP Host").
				Placeholder("imap.gmail.com").
				Value(host).
				Validate(validateRequired("IMAP Host")),
			huh.NewInput().
				Title("Email").
				Placeholder("user@example.com").
				Value(username).
				Validate(validateRequired("Email")),
			huh.NewInput().
				Title("App Password").
				Description("An app-specific password, not your account password").
				EchoMode(huh.EchoModePassword).
				Value(&secret).
				Validate(validateRequired("App Password")),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return fmt.Errorf("login form: %w", err)
	}

	a.cfg.IMAP.Host = strings.TrimSpace(*host)
	a.cfg.IMAP.Username = strings.TrimSpace(*username)

	client := email.NewIMAPClient(a.imapConfig(), a.logger)
	if err := client.Authenticate(ctx, a.cfg.IMAP.Username, secret); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	client.Disconnect()

	ring, err := a.openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Set(a.cfg.IMAP.Username, secret); err != nil {
		return err
	}
	if err := model.SaveConfig(a.configPath, a.cfg); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Logged in as %s\n", a.cfg.IMAP.Username)
	return nil
}

func (a *app) senders(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("senders", flag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	senders, err := discovery.NewAggregator(client, a.cfg.Extraction.SubjectTerm, a.logger).DiscoverSenders(ctx)
	if err != nil {
		return fmt.Errorf("discover senders: %w", err)
	}

	renderSenders(a.out, senders)
	return nil
}

func (a *app) extract(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("extract", flag.ContinueOnError)
	newOnly := flags.Bool("new-only", false, "skip messages already in the ledger")
	senderList := flags.String("sender", "", "comma separated sender addresses (default: choose interactively)")
	outDir := flags.String("out", "", "write extracted text to this directory")
	showTables := flags.Bool("tables", false, "print tables detected in each sender's latest statement")
	if err := flags.Parse(args); err != nil {
		return err
	}

	st, err := store.Open(a.cfg.Cache)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer st.Close()

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	discovered, err := discovery.NewAggregator(client, a.cfg.Extraction.SubjectTerm, a.logger).DiscoverSenders(ctx)
	if err != nil {
		return fmt.Errorf("discover senders: %w", err)
	}

	selected := selectSenders(discovered, splitList(*senderList))
	if len(selected) == 0 {
		if len(discovered) == 0 {
			fmt.Fprintln(a.out, "No statement emails with PDF attachments found.")
			return nil
		}
		selected, err = chooseSenders(ctx, discovered)
		if err != nil {
			return err
		}
	}

	orch := extract.New(client, st, a.logger, extract.Options{
		SubjectTerm: a.cfg.Extraction.SubjectTerm,
		Window:      a.cfg.Extraction.Window(),
		OnProgress:  progressPrinter(a.status),
	})

	validated, err := orch.ValidatePasswords(ctx, selected, formPrompter{})
	if err != nil {
		return err
	}

	if *showTables {
		for _, vs := range validated {
			if err := a.printTables(ctx, orch, vs); err != nil {
				a.logger.Warn("table detection failed", "sender", vs.Sender.Email, "error", err)
			}
		}
	}

	results, runErr := orch.RunExtraction(ctx, validated, extract.RunOptions{NewOnly: *newOnly})
	renderSummary(a.out, results)

	if *outDir != "" {
		n, err := writeResults(*outDir, results)
		if err != nil {
			return fmt.Errorf("write results: %w", err)
		}
		fmt.Fprintf(a.out, "Wrote %d files to %s\n", n, *outDir)
	}
	return runErr
}

func (a *app) printTables(ctx context.Context, orch *extract.Orchestrator, vs extract.ValidatedSender) error {
	stmt, err := orch.LatestStatement(ctx, vs.Sender.Email)
	if err != nil {
		return err
	}
	doc, err := pdf.Open(stmt.Data, vs.Password)
	if err != nil {
		return err
	}
	defer doc.Close()

	tables, err := doc.ExtractTables()
	if err != nil {
		return err
	}
	renderTables(a.out, vs.Sender, stmt.Attachment.Filename, tables)
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("history", flag.ContinueOnError)
	sender := flags.String("sender", "", "list the extracted emails of one sender")
	if err := flags.Parse(args); err != nil {
		return err
	}

	st, err := store.Open(a.cfg.Cache)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer st.Close()

	if *sender != "" {
		rec, err := st.GetExtractionRecord(ctx, *sender)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no extraction history for %s", *sender)
		}
		renderRecord(a.out, *rec)
		return nil
	}

	records, err := st.GetExtractionHistory(ctx)
	if err != nil {
		return err
	}
	renderHistory(a.out, records)
	return nil
}

func (a *app) clear(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("clear", flag.ContinueOnError)
	yes := flags.Bool("yes", false, "do not ask for confirmation")
	secret := flags.Bool("secret", false, "also remove the IMAP app password from the keyring")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if !*yes {
		title := "Delete all saved PDF passwords and extraction history?"
		if *secret {
			title = "Delete all saved PDF passwords, extraction history and the IMAP app password?"
		}
		confirmed := false
		err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed),
		)).RunWithContext(ctx)
		if err != nil {
			return err
		}
		if !confirmed {
			return nil
		}
	}

	st, err := store.Open(a.cfg.Cache)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			return fmt.Errorf("%w; remove %s manually", err, a.cfg.Cache.Path)
		}
		return err
	}
	defer st.Close()

	if err := st.ClearAllData(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Cache cleared.")

	if !*secret || a.cfg.IMAP.Username == "" {
		return nil
	}
	ring, err := a.openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Delete(a.cfg.IMAP.Username); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "App password for %s removed.\n", a.cfg.IMAP.Username)
	return nil
}

func validateRequired(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
