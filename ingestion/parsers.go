package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// DocumentPayload is the raw content of one uploaded file.
type DocumentPayload struct {
	Path string
	Data []byte
}

type DocumentParser interface {
	Parse(ctx context.Context, payload DocumentPayload) (*ParsedDocument, error)
}

type ParsedDocument struct {
	Title string
	Text  string
}

func parserFor(format DocumentFormat) (DocumentParser, error) {
	switch format {
	case FormatMarkdown:
		return markdownParser{}, nil
	case FormatText:
		return textParser{}, nil
	case FormatPDF:
		return pdfParser{}, nil
	case FormatDOCX:
		return docxParser{}, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

type markdownParser struct{}

func (markdownParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	content, err := decodeText(payload.Data)
	if err != nil {
		return nil, err
	}
	return &ParsedDocument{
		Title: ExtractTitle(content, baseName(payload.Path)),
		Text:  content,
	}, nil
}

type textParser struct{}

func (textParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	content, err := decodeText(payload.Data)
	if err != nil {
		return nil, err
	}
	title := firstNonEmptyLine(content)
	if title == "" || len(title) > 120 {
		title = baseName(payload.Path)
	}
	return &ParsedDocument{Title: title, Text: content}, nil
}

type pdfParser struct{}

func (pdfParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	reader, err := pdf.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// image-only or malformed pages are skipped
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}

	content := normalizePlainText(sb.String())
	title := firstNonEmptyLine(content)
	if title == "" || len(title) > 120 {
		title = baseName(payload.Path)
	}

	return &ParsedDocument{Title: title, Text: content}, nil
}

// ExtractTitle returns the first markdown heading, or fallback when there is none.
func ExtractTitle(content, fallback string) string {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if title := strings.TrimSpace(strings.TrimLeft(trimmed, "#")); title != "" {
				return title
			}
		}
	}
	return fallback
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("document is not valid UTF-8 text")
	}
	return normalizePlainText(string(data)), nil
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
