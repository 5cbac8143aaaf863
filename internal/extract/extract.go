// Package extract turns uploaded document bytes into plain text.
package extract

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/unidoc/unipdf/v3/common/license"

	"github.com/helixir/orchestration-service/internal/domain"
)

// Supported content types.
const (
	MimePDF      = "application/pdf"
	MimeHTML     = "text/html"
	MimePlain    = "text/plain"
	MimeMarkdown = "text/markdown"
)

// Extractor extracts text from document content.
type Extractor struct {
	maxBytes int64
}

// Config configures an Extractor.
type Config struct {
	// MaxBytes rejects larger documents. Zero disables the check.
	MaxBytes int64
	// PDFLicenseKey is the unipdf metered license key.
	PDFLicenseKey string
}

// New creates an Extractor. The PDF license key, when set, is registered globally.
func New(cfg Config) (*Extractor, error) {
	if cfg.PDFLicenseKey != "" {
		if err := license.SetMeteredKey(cfg.PDFLicenseKey); err != nil {
			return nil, fmt.Errorf("set pdf license: %w", err)
		}
	}
	return &Extractor{maxBytes: cfg.MaxBytes}, nil
}

// Extract returns the text of content. Unsupported types wrap
// domain.ErrUnsupportedContent and documents without text wrap domain.ErrEmptyContent;
// neither is worth retrying.
func (e *Extractor) Extract(content *domain.DocumentContent) (string, error) {
	if content == nil || len(content.Data) == 0 {
		return "", fmt.Errorf("document has no content: %w", domain.ErrEmptyContent)
	}
	if e.maxBytes > 0 && int64(len(content.Data)) > e.maxBytes {
		return "", fmt.Errorf("document is %d bytes, limit is %d: %w", len(content.Data), e.maxBytes, domain.ErrUnsupportedContent)
	}

	var (
		text string
		err  error
	)
	switch contentType := DetectType(content.MimeType, content.Filename, content.Data); contentType {
	case MimePDF:
		text, err = extractPDFText(content.Data)
	case MimeHTML:
		text, err = extractHTMLText(content.Data)
	case MimePlain, MimeMarkdown:
		text, err = extractPlainText(content.Data)
	default:
		return "", fmt.Errorf("content type %q: %w", contentType, domain.ErrUnsupportedContent)
	}
	if err != nil {
		return "", err
	}

	text = normalize(text)
	if text == "" {
		return "", fmt.Errorf("no text extracted from %s: %w", content.Filename, domain.ErrEmptyContent)
	}
	return text, nil
}

// DetectType resolves the content type from the declared MIME type, then the file
// extension, then the leading bytes.
func DetectType(mimeType, filename string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		switch mt {
		case MimePDF, MimeHTML, MimePlain, MimeMarkdown:
			return mt
		case "application/xhtml+xml":
			return MimeHTML
		}
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return MimePDF
	case ".html", ".htm":
		return MimeHTML
	case ".md", ".markdown":
		return MimeMarkdown
	case ".txt", ".text", ".csv", ".log":
		return MimePlain
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return MimePDF
	}
	if mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}

func extractPlainText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("text is not valid UTF-8: %w", domain.ErrUnsupportedContent)
	}
	return string(data), nil
}

// normalize unifies line endings and strips NUL bytes, which Postgres text rejects.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimSpace(text)
}
