package email

import (
	"encoding/base64"
	"strings"
)

// buildStatement returns a multipart/mixed message with a text/alternative
// body at 1.x and a PDF attachment at 2.
func buildStatement(from, subject, messageID, filename, contentType string, pdf []byte) []byte {
	lines := []string{
		"From: " + from,
		"To: me@example.com",
		"Subject: " + subject,
		"Message-ID: <" + messageID + ">",
		"Date: Mon, 03 Mar 2025 10:00:00 +0000",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		`Content-Type: multipart/alternative; boundary="inner"`,
		"",
		"--inner",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Your statement is attached.",
		"--inner",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Your statement is attached.</p>",
		"--inner--",
		"",
		"--outer",
		"Content-Type: " + contentType + `; name="` + filename + `"`,
		`Content-Disposition: attachment; filename="` + filename + `"`,
		"Content-Transfer-Encoding: base64",
		"",
		base64.StdEncoding.EncodeToString(pdf),
		"--outer--",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func buildPlain(from, subject string) []byte {
	lines := []string{
		"From: " + from,
		"To: me@example.com",
		"Subject: " + subject,
		"Message-ID: <plain@example.com>",
		"Date: Tue, 04 Mar 2025 10:00:00 +0000",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Nothing attached.",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}
