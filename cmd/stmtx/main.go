package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nhle/statement-extractor/internal/credential"
	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/source/email"
	"github.com/nhle/statement-extractor/internal/theme"
)

const usage = `usage: stmtx [-config path] <command> [flags]

commands:
  login      store and verify the IMAP app password
  senders    list senders of statement emails
  extract    validate PDF passwords and extract statement text
  history    show the extraction ledger
  clear      delete saved PDF passwords and the ledger (-secret also
             removes the stored IMAP app password)
`

type app struct {
	cfg        *model.AppConfig
	configPath string
	logger     *slog.Logger
	out        io.Writer
	status     io.Writer

	openKeyring func() (*credential.Store, error)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, theme.ErrorStyle.Render("stmtx: "+err.Error()))
		os.Exit(1)
	}
}

func run(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	global := flag.NewFlagSet("stmtx", flag.ContinueOnError)
	configPath := global.String("config", model.DefaultConfigPath(), "path to config.yaml")
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{
		cfg:        cfg,
		configPath: *configPath,
		logger:     newLogger(cfg.Log.Level),
		out:        os.Stdout,
		status:     os.Stderr,
		openKeyring: func() (*credential.Store, error) {
			return credential.Open(cfg.Keyring.FileDir)
		},
	}

	switch rest[0] {
	case "login":
		return a.login(ctx, rest[1:])
	case "senders":
		return a.senders(ctx, rest[1:])
	case "extract":
		return a.extract(ctx, rest[1:])
	case "history":
		return a.history(ctx, rest[1:])
	case "clear":
		return a.clear(ctx, rest[1:])
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func (a *app) imapConfig() email.Config {
	return email.Config{
		Host:      a.cfg.IMAP.Host,
		Port:      a.cfg.IMAP.Port,
		Mailbox:   a.cfg.IMAP.Mailbox,
		BatchSize: a.cfg.IMAP.BatchSize,
	}
}

// appSecret resolves the IMAP app password from the environment, then the
// keyring.
func (a *app) appSecret() (string, error) {
	if a.cfg.IMAP.Secret != "" {
		return a.cfg.IMAP.Secret, nil
	}

	ring, err := a.openKeyring()
	if err != nil {
		return "", err
	}
	secret, err := ring.Get(a.cfg.IMAP.Username)
	if errors.Is(err, credential.ErrNotFound) {
		return "", errors.New("no app password stored; run `stmtx login`")
	}
	return secret, err
}

// connect opens an authenticated mailbox session.
func (a *app) connect(ctx context.Context) (*email.IMAPClient, error) {
	if a.cfg.IMAP.Username == "" {
		return nil, errors.New("imap.username is not set; run `stmtx login`")
	}
	secret, err := a.appSecret()
	if err != nil {
		return nil, err
	}

	client := email.NewIMAPClient(a.imapConfig(), a.logger)
	if err := client.Authenticate(ctx, a.cfg.IMAP.Username, secret); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", a.cfg.IMAP.Host, err)
	}
	return client, nil
}
