package testutil

import (
	"fmt"
	"time"

	"github.com/nhle/statement-extractor/internal/model"
)

// Statement builds a statement email whose second MIME part is a PDF
// named "statement.pdf" carrying pdfBody verbatim. It returns the message
// as a BODYSTRUCTURE fetch would report it and its raw source.
func Statement(uid uint32, from, messageID string, date time.Time, pdfBody string) (model.EmailMessage, []byte) {
	msg := model.EmailMessage{
		SeqNum:          uid,
		UID:             uid,
		UIDValidity:     1,
		MessageID:       messageID,
		Subject:         fmt.Sprintf("Your statement %s", date.Format("January 2006")),
		FromAddress:     from,
		FromDisplayName: "Example Bank",
		Date:            date,
		Structure: &model.MIMEPart{
			MediaType: "multipart/mixed",
			Children: []*model.MIMEPart{
				{MediaType: "text/plain", Encoding: "7bit"},
				{
					MediaType:   "application/pdf",
					Filename:    "statement.pdf",
					Disposition: "attachment",
					Encoding:    "7bit",
					Size:        int64(len(pdfBody)),
				},
			},
		},
	}

	raw := "From: " + from + "\r\n" +
		"Message-ID: " + messageID + "\r\n" +
		"Subject: " + msg.Subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"stmt-boundary\"\r\n" +
		"\r\n" +
		"--stmt-boundary\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Your statement is attached.\r\n" +
		"--stmt-boundary\r\n" +
		"Content-Type: application/pdf; name=\"statement.pdf\"\r\n" +
		"Content-Disposition: attachment; filename=\"statement.pdf\"\r\n" +
		"\r\n" +
		pdfBody + "\r\n" +
		"--stmt-boundary--\r\n"

	return msg, []byte(raw)
}

// PlainEmail builds a single-part text message with no attachment.
func PlainEmail(uid uint32, from, messageID, subject string, date time.Time) (model.EmailMessage, []byte) {
	msg := model.EmailMessage{
		SeqNum:      uid,
		UID:         uid,
		UIDValidity: 1,
		MessageID:   messageID,
		Subject:     subject,
		FromAddress: from,
		Date:        date,
		Structure:   &model.MIMEPart{MediaType: "text/plain", Encoding: "7bit"},
	}
	raw := "From: " + from + "\r\n" +
		"Message-ID: " + messageID + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Nothing attached.\r\n"
	return msg, []byte(raw)
}
