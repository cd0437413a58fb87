package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/source"
	"github.com/nhle/statement-extractor/tests/testutil"
)

const bankSender = "billing@bank.example"

func bankInfo() model.SenderInfo {
	return model.SenderInfo{Email: bankSender, DisplayName: "Example Bank", MessageCount: 3}
}

func TestValidateUsesSavedPassword(t *testing.T) {
	ctx := context.Background()
	mb := testutil.NewFakeMailbox()
	addStatements(mb, bankSender, "abcd1234", 1, 3)
	st := testutil.NewTestJSONStore(t)
	if err := st.SavePassword(ctx, bankSender, "abcd1234"); err != nil {
		t.Fatalf("SavePassword: %v", err)
	}

	var states []State
	o, opener := newTestOrchestrator(t, mb, st, func(p Progress) { states = append(states, p.State) })

	validated, err := o.ValidatePasswords(ctx, []model.SenderInfo{bankInfo()}, noPrompt{t})
	if err != nil {
		t.Fatalf("ValidatePasswords: %v", err)
	}
	if len(validated) != 1 || validated[0].Password != "abcd1234" {
		t.Fatalf("validated = %+v", validated)
	}
	if opener.opened != opener.closed {
		t.Errorf("opened %d documents, closed %d", opener.opened, opener.closed)
	}

	want := []State{StateLoadingEmail, StateAutoValidating, StatePasswordValidated}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}

	// Only the latest statement is downloaded for validation.
	if fetched := mb.Fetched(); len(fetched) != 1 || fetched[0] != 3 {
		t.Errorf("fetched UIDs = %v, want [3]", fetched)
	}
}

func TestValidatePurgesStalePassword(t *testing.T) {
	ctx := context.Background()
	mb := testutil.NewFakeMailbox()
	addStatements(mb, bankSender, "new-secret", 1, 2)
	st := testutil.NewTestJSONStore(t)
	if err := st.SavePassword(ctx, bankSender, "old-secret"); err != nil {
		t.Fatalf("SavePassword: %v", err)
	}

	o, _ := newTestOrchestrator(t, mb, st, nil)
	prompter := &scriptedPrompter{t: t, passwords: []string{"new-secret"}}
	prompter.onPrompt = func(PasswordPrompt) {
		if pw, ok := o.HeldPassword(bankSender); ok {
			t.Errorf("stale password %q still held when prompting", pw)
		}
	}

	validated, err := o.ValidatePasswords(ctx, []model.SenderInfo{bankInfo()}, prompter)
	if err != nil {
		t.Fatalf("ValidatePasswords: %v", err)
	}
	if len(prompter.prompts) != 1 {
		t.Fatalf("prompted %d times, want 1", len(prompter.prompts))
	}
	if validated[0].Password != "new-secret" {
		t.Errorf("validated password = %q", validated[0].Password)
	}

	saved, _, _ := st.GetPassword(ctx, bankSender)
	if saved != "new-secret" {
		t.Errorf("saved password = %q, want new-secret", saved)
	}
	if held, _ := o.HeldPassword(bankSender); held != "new-secret" {
		t.Errorf("held password = %q, want new-secret", held)
	}
}

func TestValidateRetriesIncorrectPassword(t *testing.T) {
	ctx := context.Background()
	mb := testutil.NewFakeMailbox()
	addStatements(mb, bankSender, "abcd1234", 1, 1)
	st := testutil.NewTestJSONStore(t)

	o, _ := newTestOrchestrator(t, mb, st, nil)
	prompter := &scriptedPrompter{t: t, passwords: []string{"wrong", "", "abcd1234"}}

	validated, err := o.ValidatePasswords(ctx, []model.SenderInfo{bankInfo()}, prompter)
	if err != nil {
		t.Fatalf("ValidatePasswords: %v", err)
	}
	if len(validated) != 1 {
		t.Fatalf("validated = %+v", validated)
	}

	if len(prompter.prompts) != 3 {
		t.Fatalf("prompted %d times, want 3", len(prompter.prompts))
	}
	if prompter.prompts[0].LastError != nil || prompter.prompts[0].Attempt != 1 {
		t.Errorf("first prompt = %+v", prompter.prompts[0])
	}
	for _, p := range prompter.prompts[1:] {
		if !errors.Is(p.LastError, ErrIncorrectPassword) {
			t.Errorf("prompt %d LastError = %v, want ErrIncorrectPassword", p.Attempt, p.LastError)
		}
	}
	if prompter.prompts[0].Filename != "statement.pdf" {
		t.Errorf("prompt filename = %q", prompter.prompts[0].Filename)
	}
}

func TestValidateReportsOpenFailure(t *testing.T) {
	ctx := context.Background()
	mb := testutil.NewFakeMailbox()
	msg, raw := testutil.Statement(1, bankSender, "<m1@bank>", testNow, "%PDF-garbage")
	mb.Add(msg, raw)

	o, _ := newTestOrchestrator(t, mb, testutil.NewTestJSONStore(t), nil)
	prompter := &scriptedPrompter{t: t, passwords: []string{"x"}}

	_, err := o.ValidatePasswords(ctx, []model.SenderInfo{bankInfo()}, prompter)
	if !errors.Is(err, ErrNothingValidated) {
		t.Fatalf("err = %v, want ErrNothingValidated", err)
	}
	if len(prompter.prompts) != 2 || !errors.Is(prompter.prompts[1].LastError, ErrOpenFailed) {
		t.Fatalf("prompts = %+v, want a retry carrying ErrOpenFailed", prompter.prompts)
	}
}

func TestValidateSkipsSenderWithoutStatement(t *testing.T) {
	ctx := context.Background()
	mb := testutil.NewFakeMailbox()
	addStatements(mb, bankSender, "abcd1234", 1, 1)
	plain, raw := testutil.PlainEmail(10, "news@shop.example", "<n1@shop>", "Your statement of account", testNow)
	mb.Add(plain, raw)

	st := testutil.NewTestJSONStore(t)
	o, _ := newTestOrchestrator(t, mb, st, nil)
	prompter := &scriptedPrompter{t: t, passwords: []string{"abcd1234"}, unavailableReply: ActionSkip}

	senders := []model.SenderInfo{
		{Email: "nobody@example.com"},
		{Email: "news@shop.example"},
		bankInfo(),
	}
	validated, err := o.ValidatePasswords(ctx, senders, prompter)
	if err != nil {
		t.Fatalf("ValidatePasswords: %v", err)
	}
	if len(validated) != 1 || validated[0].Sender.Email != bankSender {
		t.Fatalf("validated = %+v", validated)
	}

	if len(prompter.unavailable) != 2 {
		t.Fatalf("unavailable reports = %v", prompter.unavailable)
	}
	if !errors.Is(prompter.unavailable[0], ErrNoStatement) {
		t.Errorf("first report = %v, want ErrNoStatement", prompter.unavailable[0])
	}
	if !errors.Is(prompter.unavailable[1], ErrNoPDF) {
		t.Errorf("second report = %v, want ErrNoPDF", prompter.unavailable[1])
	}
	if _, ok := o.HeldPassword("news@shop.example"); ok {
		t.Error("skipped sender still has a held password")
	}
}

func TestValidateRetryReloadsStatement(t *testing.T) {
	ctx := context.Background()
	mb := testutil.NewFakeMailbox()
	addStatements(mb, bankSender, "abcd1234", 1, 1)
	mb.FailOnce(testutil.OpSearch, errors.New("SEARCH rejected"))

	st := testutil.NewTestJSONStore(t)
	if err := st.SavePassword(ctx, bankSender, "abcd1234"); err != nil {
		t.Fatalf("SavePassword: %v", err)
	}
	o, _ := newTestOrchestrator(t, mb, st, nil)
	prompter := &scriptedPrompter{t: t, unavailableReply: ActionRetry}

	validated, err := o.ValidatePasswords(ctx, []model.SenderInfo{bankInfo()}, prompter)
	if err != nil {
		t.Fatalf("ValidatePasswords: %v", err)
	}
	if len(validated) != 1 || len(prompter.unavailable) != 1 {
		t.Fatalf("validated = %+v, unavailable = %v", validated, prompter.unavailable)
	}
}

func TestValidateNothingValidated(t *testing.T) {
	ctx := context.Background()
	mb := testutil.NewFakeMailbox()
	addStatements(mb, bankSender, "abcd1234", 1, 1)

	o, _ := newTestOrchestrator(t, mb, testutil.NewTestJSONStore(t), nil)
	prompter := &scriptedPrompter{t: t}

	_, err := o.ValidatePasswords(ctx, []model.SenderInfo{bankInfo()}, prompter)
	if !errors.Is(err, ErrNothingValidated) {
		t.Fatalf("err = %v, want ErrNothingValidated", err)
	}
}

func TestValidateAbort(t *testing.T) {
	ctx := context.Background()
	mb := testutil.NewFakeMailbox()

	o, _ := newTestOrchestrator(t, mb, testutil.NewTestJSONStore(t), nil)
	prompter := &scriptedPrompter{t: t, unavailableReply: ActionAbort}

	_, err := o.ValidatePasswords(ctx, []model.SenderInfo{bankInfo()}, prompter)
	if !IsAborted(err) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
}

func TestValidateReconnectsOnDroppedSession(t *testing.T) {
	ctx := context.Background()
	mb := testutil.NewFakeMailbox()
	addStatements(mb, bankSender, "abcd1234", 1, 1)
	mb.FailOnce(testutil.OpSearch, &source.ConnectionError{Op: "search", Err: errors.New("EOF")})

	st := testutil.NewTestJSONStore(t)
	if err := st.SavePassword(ctx, bankSender, "abcd1234"); err != nil {
		t.Fatalf("SavePassword: %v", err)
	}
	o, _ := newTestOrchestrator(t, mb, st, nil)

	if _, err := o.ValidatePasswords(ctx, []model.SenderInfo{bankInfo()}, noPrompt{t}); err != nil {
		t.Fatalf("ValidatePasswords: %v", err)
	}
	if mb.Reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", mb.Reconnects)
	}
}
