package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/pdf"
	"github.com/nhle/statement-extractor/internal/theme"
)

func renderSenders(w io.Writer, senders []model.SenderInfo) {
	if len(senders) == 0 {
		fmt.Fprintln(w, "No statement emails with PDF attachments found.")
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("SENDER", "NAME", "STATEMENTS")
	for _, s := range senders {
		t.Row(s.Email, s.DisplayName, strconv.Itoa(s.MessageCount))
	}
	fmt.Fprintln(w, t.Render())
}

func renderSummary(w io.Writer, results []model.SenderExtractionResult) {
	if len(results) == 0 {
		return
	}

	var lines []string
	success, failed := 0, 0
	for _, r := range results {
		success += r.SuccessCount
		failed += r.FailCount

		line := fmt.Sprintf("%s  %s of %d extracted",
			theme.CellStyle.Render(r.Sender.Label()),
			theme.CountStyle(r.SuccessCount, r.FailCount).Render(strconv.Itoa(r.SuccessCount)),
			r.TotalEmails)
		if r.FailCount > 0 {
			line += fmt.Sprintf(", %d failed", r.FailCount)
		}
		if r.Err != nil {
			line += "  " + theme.ErrorStyle.Render(r.Err.Error())
		}
		if r.PersistErr != nil {
			line += "  " + theme.ErrorStyle.Render("not saved: "+r.PersistErr.Error())
		}
		lines = append(lines, line)
	}

	header := theme.HeaderStyle.Render("Extraction summary")
	footer := theme.HelpStyle.Render(fmt.Sprintf("%d extracted, %d failed", success, failed))
	body := strings.Join(append(lines, "", footer), "\n")
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, theme.PanelStyle.Render(body))
}

func renderHistory(w io.Writer, records []model.ExtractionRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No extraction history.")
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("SENDER", "NAME", "PDFS", "LAST EXTRACTION")
	for _, r := range records {
		t.Row(r.SenderEmail, r.SenderName,
			strconv.Itoa(r.TotalPdfsExtracted),
			r.LastExtractionDate.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w, t.Render())
}

func renderRecord(w io.Writer, rec model.ExtractionRecord) {
	fmt.Fprintln(w, theme.HeaderStyle.Render(rec.SenderEmail))
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("DATE", "SUBJECT", "FILE", "PAGES")
	for _, e := range rec.SortedEmails() {
		t.Row(e.Date.Local().Format("2006-01-02"), e.Subject, e.PdfFilename, strconv.Itoa(e.PageCount))
	}
	fmt.Fprintln(w, t.Render())
}

func renderTables(w io.Writer, sender model.SenderInfo, filename string, tables []pdf.Table) {
	fmt.Fprintln(w, theme.HeaderStyle.Render(fmt.Sprintf("%s: %s", sender.Label(), filename)))
	if len(tables) == 0 {
		fmt.Fprintln(w, theme.HelpStyle.Render("No tables detected."))
		return
	}
	for i, tbl := range tables {
		fmt.Fprintln(w, theme.HelpStyle.Render(fmt.Sprintf("Table %d (page %d)", i+1, tbl.PageNumber)))
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder))
		for _, row := range tbl.Rows {
			t.Row(row...)
		}
		fmt.Fprintln(w, t.Render())
	}
}

// writeResults saves each extracted text as <dir>/<sender>/<key>.txt and
// returns the number of files written.
func writeResults(dir string, results []model.SenderExtractionResult) (int, error) {
	n := 0
	for _, r := range results {
		senderDir := filepath.Join(dir, pathElement(r.Sender.Email))
		for i, key := range r.Keys {
			if i == 0 {
				if err := os.MkdirAll(senderDir, 0o700); err != nil {
					return n, err
				}
			}
			path := filepath.Join(senderDir, pathElement(key)+".txt")
			if err := os.WriteFile(path, []byte(r.ExtractedData[i].ExtractedText), 0o600); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// pathElement maps a ledger key or address to a single path element. A name
// altered by safeFilename gets a short hash of s appended, keeping distinct
// inputs in distinct files.
func pathElement(s string) string {
	name := safeFilename(s)
	if name == s {
		return name
	}
	sum := sha256.Sum256([]byte(s))
	return name + "-" + hex.EncodeToString(sum[:4])
}

// safeFilename replaces every character outside [A-Za-z0-9._@-] and trims
// leading and trailing dots.
func safeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_', r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

// selectSenders returns the discovered senders named in wanted, in the
// order given. Addresses not discovered are included without a count.
func selectSenders(discovered []model.SenderInfo, wanted []string) []model.SenderInfo {
	byEmail := make(map[string]model.SenderInfo, len(discovered))
	for _, s := range discovered {
		byEmail[s.Email] = s
	}

	seen := make(map[string]bool, len(wanted))
	out := make([]model.SenderInfo, 0, len(wanted))
	for _, w := range wanted {
		addr := model.NormalizeEmail(w)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		if s, ok := byEmail[addr]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, model.SenderInfo{Email: addr})
	}
	return out
}

func splitList(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
