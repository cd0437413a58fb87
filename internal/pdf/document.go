// Package pdf opens statement PDFs, optionally password protected, and
// extracts their text and layout-derived tables.
package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	lpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PageSeparator is placed between the text of consecutive pages.
const PageSeparator = "\n\f\n"

// ErrPassword reports that the document is encrypted and the supplied
// password (possibly empty) does not open it.
var ErrPassword = errors.New("incorrect PDF password")

// ErrClosed is returned by a Document used after Close.
var ErrClosed = errors.New("pdf document closed")

// FormatError reports a corrupt or unsupported PDF.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid PDF: %v", e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// IsFormatError reports whether err (or any error in its chain) is a
// FormatError.
func IsFormatError(err error) bool {
	var formatErr *FormatError
	return errors.As(err, &formatErr)
}

// Document is an opened PDF. It must be closed after use.
type Document struct {
	reader *lpdf.Reader
}

// Open parses data as a PDF. An empty password opens unencrypted documents
// (and documents encrypted with an empty user password); a non-empty one is
// tried once as the user or owner password.
//
// Encrypted documents (RC4 and AES up to 256-bit keys) are decrypted in
// memory before parsing.
func Open(data []byte, password string) (doc *Document, err error) {
	if len(data) == 0 {
		return nil, &FormatError{Err: errors.New("empty document")}
	}

	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = &FormatError{Err: fmt.Errorf("parser panic: %v", r)}
		}
	}()

	plain, err := decrypt(data, password)
	switch {
	case errors.Is(err, ErrPassword):
		return nil, err
	case err != nil:
		// Unreadable by pdfcpu; try the parser's own security handler.
		return openWithHandler(data, password)
	}

	reader, err := lpdf.NewReader(bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		return nil, &FormatError{Err: err}
	}
	return &Document{reader: reader}, nil
}

var disableConfigDir sync.Once

// decrypt returns data without its encryption, or data itself when it is
// not encrypted.
func decrypt(data []byte, password string) ([]byte, error) {
	disableConfigDir.Do(api.DisableConfigDir)

	conf := pdfmodel.NewDefaultConfiguration()
	conf.UserPW = password
	conf.OwnerPW = password
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false

	var out bytes.Buffer
	err := api.Decrypt(bytes.NewReader(data), &out, conf)
	switch {
	case err == nil:
		return out.Bytes(), nil
	case errors.Is(err, pdfcpu.ErrNotEncrypted):
		return data, nil
	case errors.Is(err, pdfcpu.ErrWrongPassword):
		return nil, ErrPassword
	default:
		return nil, &FormatError{Err: err}
	}
}

func openWithHandler(data []byte, password string) (*Document, error) {
	tried := false
	prompt := func() string {
		if tried {
			return ""
		}
		tried = true
		return password
	}

	reader, err := lpdf.NewReaderEncrypted(bytes.NewReader(data), int64(len(data)), prompt)
	if err != nil {
		if errors.Is(err, lpdf.ErrInvalidPassword) {
			return nil, ErrPassword
		}
		return nil, &FormatError{Err: err}
	}
	return &Document{reader: reader}, nil
}

// PageCount returns the number of pages, or zero once closed.
func (d *Document) PageCount() int {
	if d.reader == nil {
		return 0
	}
	return d.reader.NumPage()
}

// Close releases the parsed document. It is safe to call more than once.
func (d *Document) Close() error {
	d.reader = nil
	return nil
}

// ExtractAllText returns the text of every page in order, joined with
// PageSeparator.
func (d *Document) ExtractAllText() (text string, err error) {
	if d.reader == nil {
		return "", ErrClosed
	}

	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &FormatError{Err: fmt.Errorf("parser panic: %v", r)}
		}
	}()

	n := d.reader.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := d.reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", &FormatError{Err: fmt.Errorf("page %d: %w", i, err)}
		}
		pages = append(pages, strings.TrimRight(pageText, " \n"))
	}

	return strings.Join(pages, PageSeparator), nil
}

// ExtractTables reconstructs tables from each page's text layout.
func (d *Document) ExtractTables() (tables []Table, err error) {
	if d.reader == nil {
		return nil, ErrClosed
	}

	defer func() {
		if r := recover(); r != nil {
			tables = nil
			err = &FormatError{Err: fmt.Errorf("parser panic: %v", r)}
		}
	}()

	for i := 1; i <= d.reader.NumPage(); i++ {
		page := d.reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		frags := fragmentsFromGlyphs(page.Content().Text)
		tables = append(tables, DetectTables(i, frags)...)
	}
	return tables, nil
}
