package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nhle/statement-extractor/internal/model"
)

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"m1@bank.example", "m1@bank.example"},
		{"uid:7:42", "uid_7_42"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{"..", "_"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := safeFilename(tt.in); got != tt.want {
			t.Errorf("safeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPathElement(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"m1@bank.example", "m1@bank.example"},
		{"uid:7:42", "uid_7_42-fb39d320"},
		{"a:b", "a_b-6783a31e"},
		{"a/b", "a_b-c14cddc0"},
	}
	for _, tt := range tests {
		if got := pathElement(tt.in); got != tt.want {
			t.Errorf("pathElement(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteResultsKeepsCollidingKeysApart(t *testing.T) {
	dir := t.TempDir()
	results := []model.SenderExtractionResult{{
		Sender: model.SenderInfo{Email: "billing@bank.example"},
		Keys:   []string{"a:b", "a/b"},
		ExtractedData: []model.ExtractedEmailInfo{
			{ExtractedText: "colon"},
			{ExtractedText: "slash"},
		},
	}}

	n, err := writeResults(dir, results)
	if err != nil {
		t.Fatalf("writeResults: %v", err)
	}
	if n != 2 {
		t.Errorf("wrote %d files, want 2", n)
	}

	files, err := os.ReadDir(filepath.Join(dir, "billing@bank.example"))
	if err != nil {
		t.Fatalf("reading output dir: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	for key, want := range map[string]string{"a:b": "colon", "a/b": "slash"} {
		data, err := os.ReadFile(filepath.Join(dir, "billing@bank.example", pathElement(key)+".txt"))
		if err != nil {
			t.Fatalf("reading %s: %v", key, err)
		}
		if string(data) != want {
			t.Errorf("%s content = %q, want %q", key, data, want)
		}
	}
}

func TestSelectSenders(t *testing.T) {
	discovered := []model.SenderInfo{
		{Email: "billing@bank.example", DisplayName: "Bank", MessageCount: 3},
		{Email: "cards@issuer.example", MessageCount: 1},
	}

	got := selectSenders(discovered, []string{"Cards@Issuer.example", "new@elsewhere.example", "cards@issuer.example", " "})
	if len(got) != 2 {
		t.Fatalf("selected = %+v", got)
	}
	if got[0] != discovered[1] {
		t.Errorf("first = %+v, want discovered entry", got[0])
	}
	if got[1].Email != "new@elsewhere.example" || got[1].MessageCount != 0 {
		t.Errorf("second = %+v", got[1])
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a@x.com, ,b@y.com,")
	if len(got) != 2 || got[0] != "a@x.com" || got[1] != "b@y.com" {
		t.Errorf("splitList = %q", got)
	}
	if splitList("  ") != nil {
		t.Error("splitList of blank input should be nil")
	}
}

func TestWriteResults(t *testing.T) {
	dir := t.TempDir()
	results := []model.SenderExtractionResult{
		{
			Sender: model.SenderInfo{Email: "billing@bank.example"},
			Keys:   []string{"m2@bank", "uid:1:5"},
			ExtractedData: []model.ExtractedEmailInfo{
				{ExtractedText: "second"},
				{ExtractedText: "first"},
			},
		},
		{Sender: model.SenderInfo{Email: "empty@example.com"}},
	}

	n, err := writeResults(dir, results)
	if err != nil {
		t.Fatalf("writeResults: %v", err)
	}
	if n != 2 {
		t.Errorf("wrote %d files, want 2", n)
	}

	data, err := os.ReadFile(filepath.Join(dir, "billing@bank.example", "uid_1_5-0877a8c8.txt"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("content = %q, want first", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "empty@example.com")); !os.IsNotExist(err) {
		t.Error("directory created for a sender without results")
	}
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	renderSummary(&buf, []model.SenderExtractionResult{
		{Sender: model.SenderInfo{Email: "billing@bank.example", DisplayName: "Bank"}, TotalEmails: 10, SuccessCount: 9, FailCount: 1},
		{Sender: model.SenderInfo{Email: "cards@issuer.example"}, Err: errors.New("search failed")},
	})

	out := buf.String()
	for _, want := range []string{"Bank", "9", "of 10 extracted", "1 failed", "cards@issuer.example", "search failed", "9 extracted, 1 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestRenderHistoryEmpty(t *testing.T) {
	var buf bytes.Buffer
	renderHistory(&buf, nil)
	if !strings.Contains(buf.String(), "No extraction history") {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	renderHistory(&buf, []model.ExtractionRecord{{
		SenderEmail:        "billing@bank.example",
		TotalPdfsExtracted: 3,
		LastExtractionDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}})
	if !strings.Contains(buf.String(), "billing@bank.example") {
		t.Errorf("output = %q", buf.String())
	}
}
