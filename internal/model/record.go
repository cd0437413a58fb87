package model

import (
	"sort"
	"time"
)

// ExtractedEmailInfo is the text extracted from one statement PDF. It is
// immutable once written to the ledger.
type ExtractedEmailInfo struct {
	Subject       string    `json:"subject"`
	Date          time.Time `json:"date"`
	PdfFilename   string    `json:"pdfFilename"`
	ExtractedText string    `json:"extractedText"`
	PageCount     int       `json:"pageCount"`
}

// ExtractionRecord is the per-sender ledger entry: which messages have had
// their PDF text extracted, and the extracted data.
type ExtractionRecord struct {
	SenderEmail        string                        `json:"senderEmail"`
	SenderName         string                        `json:"senderName"`
	ExtractedEmails    map[string]ExtractedEmailInfo `json:"extractedEmails"`
	LastExtractionDate time.Time                     `json:"lastExtractionDate"`
	TotalPdfsExtracted int                           `json:"totalPdfsExtracted"`
}

// MessageKeys returns the set of message keys present in the record.
func (r ExtractionRecord) MessageKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(r.ExtractedEmails))
	for k := range r.ExtractedEmails {
		keys[k] = struct{}{}
	}
	return keys
}

// Merge unions incoming into r and returns the result. Entries from
// incoming win on key collision, LastExtractionDate takes the incoming
// value, and TotalPdfsExtracted is recomputed. Neither input is modified.
func (r ExtractionRecord) Merge(incoming ExtractionRecord) ExtractionRecord {
	merged := ExtractionRecord{
		SenderEmail:        NormalizeEmail(r.SenderEmail),
		SenderName:         r.SenderName,
		ExtractedEmails:    make(map[string]ExtractedEmailInfo, len(r.ExtractedEmails)+len(incoming.ExtractedEmails)),
		LastExtractionDate: incoming.LastExtractionDate,
	}
	if incoming.SenderName != "" {
		merged.SenderName = incoming.SenderName
	}
	for k, v := range r.ExtractedEmails {
		merged.ExtractedEmails[k] = v
	}
	for k, v := range incoming.ExtractedEmails {
		merged.ExtractedEmails[k] = v
	}
	merged.TotalPdfsExtracted = len(merged.ExtractedEmails)
	return merged
}

// Normalized returns a copy with a lowercased sender key, a non-nil map
// and a consistent total.
func (r ExtractionRecord) Normalized() ExtractionRecord {
	out := r
	out.SenderEmail = NormalizeEmail(r.SenderEmail)
	out.ExtractedEmails = make(map[string]ExtractedEmailInfo, len(r.ExtractedEmails))
	for k, v := range r.ExtractedEmails {
		out.ExtractedEmails[k] = v
	}
	out.TotalPdfsExtracted = len(out.ExtractedEmails)
	return out
}

// SortedEmails returns the extracted entries ordered by date, newest first.
func (r ExtractionRecord) SortedEmails() []ExtractedEmailInfo {
	return SortByDateDesc(r.ExtractedEmails)
}

// SortByDateDesc flattens a keyed set of entries, newest first.
func SortByDateDesc(entries map[string]ExtractedEmailInfo) []ExtractedEmailInfo {
	keys := SortedKeys(entries)
	out := make([]ExtractedEmailInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, entries[k])
	}
	return out
}

// SortedKeys returns the message keys ordered by entry date, newest first.
// Ties are ordered by key so the output is deterministic.
func SortedKeys(entries map[string]ExtractedEmailInfo) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := entries[keys[i]], entries[keys[j]]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		return keys[i] < keys[j]
	})
	return keys
}

// SenderExtractionResult summarises one sender's Phase 2 run.
type SenderExtractionResult struct {
	Sender       SenderInfo
	TotalEmails  int
	SuccessCount int
	FailCount    int

	// ExtractedData holds the entries extracted in this run, newest first.
	ExtractedData []ExtractedEmailInfo

	// Keys holds the ledger keys of ExtractedData, index-aligned.
	Keys []string

	// Err is set only when the sender-level operation failed as a whole,
	// e.g. the search could not run.
	Err error

	// PersistErr is set when the ledger write for this sender failed. The
	// extracted data is still returned.
	PersistErr error
}
