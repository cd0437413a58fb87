package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"

	"github.com/nhle/statement-extractor/internal/model"
	"github.com/nhle/statement-extractor/internal/source"
)

const pdfMediaType = "application/pdf"

// RawFetcher retrieves the full source of a message.
type RawFetcher interface {
	FetchRaw(ctx context.Context, uid uint32) ([]byte, error)
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// convertStructure maps an IMAP BODYSTRUCTURE to a model.MIMEPart tree.
func convertStructure(bs imap.BodyStructure) *model.MIMEPart {
	switch p := bs.(type) {
	case *imap.BodyStructureSinglePart:
		part := &model.MIMEPart{
			MediaType: strings.ToLower(p.Type + "/" + p.Subtype),
			Encoding:  strings.ToLower(p.Encoding),
			Size:      int64(p.Size),
			Filename:  decodeWord(lookupParam(p.Params, "name")),
		}
		if p.Extended != nil && p.Extended.Disposition != nil {
			part.Disposition = strings.ToLower(p.Extended.Disposition.Value)
			if name := lookupParam(p.Extended.Disposition.Params, "filename"); name != "" {
				part.Filename = decodeWord(name)
			}
		}
		return part
	case *imap.BodyStructureMultiPart:
		part := &model.MIMEPart{
			MediaType: "multipart/" + strings.ToLower(p.Subtype),
		}
		for _, child := range p.Children {
			part.Children = append(part.Children, convertStructure(child))
		}
		return part
	default:
		return &model.MIMEPart{MediaType: "application/octet-stream"}
	}
}

// walkParts visits every leaf part with its IMAP section path. A single
// part message has the implicit root path "1"; children of a multipart
// are numbered from 1 and nested as "parent.child".
func walkParts(root *model.MIMEPart, visit func(path string, part *model.MIMEPart)) {
	if root == nil {
		return
	}
	if !root.IsMultipart() {
		visit("1", root)
		return
	}
	walkChildren(root, "", visit)
}

func walkChildren(parent *model.MIMEPart, prefix string, visit func(string, *model.MIMEPart)) {
	for i, child := range parent.Children {
		path := childPath(prefix, i+1)
		if child.IsMultipart() {
			walkChildren(child, path, visit)
			continue
		}
		visit(path, child)
	}
}

func childPath(prefix string, index int) string {
	if prefix == "" {
		return strconv.Itoa(index)
	}
	return prefix + "." + strconv.Itoa(index)
}

// FindAttachments lists parts carrying a filename or an attachment
// disposition.
func FindAttachments(root *model.MIMEPart) []model.AttachmentInfo {
	var out []model.AttachmentInfo
	walkParts(root, func(path string, part *model.MIMEPart) {
		if part.Filename == "" && part.Disposition != "attachment" {
			return
		}
		out = append(out, attachmentInfo(path, part))
	})
	return out
}

// FindPdfParts lists the PDF parts of a message. A part qualifies by media
// type or by a ".pdf" filename, since servers often label PDFs as
// application/octet-stream.
func FindPdfParts(msg model.EmailMessage) []model.AttachmentInfo {
	var out []model.AttachmentInfo
	walkParts(msg.Structure, func(path string, part *model.MIMEPart) {
		if isPDF(part.MediaType, part.Filename) {
			out = append(out, attachmentInfo(path, part))
		}
	})
	return out
}

// HasPdf reports whether the message carries at least one PDF part.
func HasPdf(msg model.EmailMessage) bool {
	return len(FindPdfParts(msg)) > 0
}

// DownloadAttachment re-fetches the message source and decodes the part
// at att.PartPath. It returns nil data and a nil error when the part is no
// longer present or is no longer a PDF.
func DownloadAttachment(
	ctx context.Context,
	fetcher RawFetcher,
	msg model.EmailMessage,
	att model.AttachmentInfo,
) ([]byte, error) {
	raw, err := fetcher.FetchRaw(ctx, msg.UID)
	if errors.Is(err, source.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("downloading %s from UID %d: %w", att.Filename, msg.UID, err)
	}

	data, err := ExtractPart(raw, att.PartPath)
	if err != nil {
		return nil, fmt.Errorf("decoding part %s of UID %d: %w", att.PartPath, msg.UID, err)
	}
	return data, nil
}

// ExtractPart walks a raw RFC 5322 message and returns the decoded body of
// the PDF part at path, or nil if no such part exists.
func ExtractPart(raw []byte, path string) ([]byte, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}

	if entity.MultipartReader() == nil {
		if path != "1" {
			return nil, nil
		}
		return readIfPDF(entity)
	}
	return findEntity(entity, "", path)
}

func findEntity(parent *message.Entity, prefix, target string) ([]byte, error) {
	mr := parent.MultipartReader()
	for i := 1; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, err
		}

		path := childPath(prefix, i)
		if path != target && !strings.HasPrefix(target, path+".") {
			continue
		}
		if part.MultipartReader() != nil {
			return findEntity(part, path, target)
		}
		if path == target {
			return readIfPDF(part)
		}
		return nil, nil
	}
}

func readIfPDF(entity *message.Entity) ([]byte, error) {
	mediaType, params, _ := entity.Header.ContentType()
	_, dispParams, _ := entity.Header.ContentDisposition()

	filename := decodeWord(dispParams["filename"])
	if filename == "" {
		filename = decodeWord(params["name"])
	}
	if !isPDF(strings.ToLower(mediaType), filename) {
		return nil, nil
	}
	return io.ReadAll(entity.Body)
}

func isPDF(mediaType, filename string) bool {
	return mediaType == pdfMediaType ||
		strings.HasSuffix(strings.ToLower(strings.TrimSpace(filename)), ".pdf")
}

func attachmentInfo(path string, part *model.MIMEPart) model.AttachmentInfo {
	name := part.Filename
	if name == "" {
		name = "attachment-" + path
		if part.MediaType == pdfMediaType {
			name += ".pdf"
		}
	}
	return model.AttachmentInfo{
		Filename: name,
		MIMEType: part.MediaType,
		Size:     part.Size,
		PartPath: path,
	}
}

func lookupParam(params map[string]string, key string) string {
	for k, v := range params {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func decodeWord(s string) string {
	if s == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
