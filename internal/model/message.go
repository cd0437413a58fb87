package model

import (
	"fmt"
	"strings"
	"time"
)

// SenderInfo summarises one sender of statement emails in the mailbox.
type SenderInfo struct {
	// Email is the lowercased sender address and the grouping key.
	Email string `json:"email"`

	// DisplayName is the personal name from the first message seen, if any.
	DisplayName string `json:"displayName"`

	// MessageCount is the number of statement emails with a PDF part.
	MessageCount int `json:"messageCount"`
}

// Label returns the display name, falling back to the address.
func (s SenderInfo) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Email
}

// EmailMessage is a message fetched from the mailbox. It is transient and
// is never persisted as-is.
type EmailMessage struct {
	// SeqNum is the session-scoped sequence number. It must not be used
	// across reconnects.
	SeqNum uint32

	// UID is the message UID, stable for as long as UIDValidity is unchanged.
	UID uint32

	// UIDValidity is the mailbox UIDVALIDITY observed when the message was
	// fetched.
	UIDValidity uint32

	// MessageID is the RFC 5322 Message-ID header value.
	MessageID string

	Subject         string
	FromAddress     string
	FromDisplayName string
	Date            time.Time

	// BodyText is the text/plain body. Empty on envelope-only fetches.
	BodyText string

	// Structure is the MIME part tree reported by BODYSTRUCTURE.
	Structure *MIMEPart

	// Attachments lists every part carrying a filename or an attachment
	// disposition.
	Attachments []AttachmentInfo
}

// MessageKey returns the durable ledger key for the message: the normalized
// Message-ID when present, otherwise UIDVALIDITY and UID.
func (m EmailMessage) MessageKey() string {
	if id := NormalizeMessageID(m.MessageID); id != "" {
		return id
	}
	return fmt.Sprintf("uid:%d:%d", m.UIDValidity, m.UID)
}

// MIMEPart is one node of a message's MIME part tree.
type MIMEPart struct {
	// MediaType is the lowercased "type/subtype".
	MediaType   string
	Filename    string
	Disposition string
	Encoding    string
	Size        int64
	Children    []*MIMEPart
}

// IsMultipart reports whether the part is a multipart container.
func (p *MIMEPart) IsMultipart() bool {
	return strings.HasPrefix(p.MediaType, "multipart/")
}

// AttachmentInfo locates an attachment inside a message's part tree.
type AttachmentInfo struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`
	Size     int64  `json:"sizeBytes"`

	// PartPath is the dotted IMAP section address of the part, e.g. "1.2".
	PartPath string `json:"partPath"`
}

// PdfTableData holds one table reconstructed from a PDF page layout.
type PdfTableData struct {
	PageNumber int        `json:"pageNumber"`
	Rows       [][]string `json:"rows"`
}

// NormalizeEmail lowercases and trims an address for use as a key.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// NormalizeMessageID strips angle brackets and whitespace and lowercases
// the identifier.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}
