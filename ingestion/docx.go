package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	docxBodyPart = "word/document.xml"
	// maxDocxBodyBytes caps the decompressed document body, not the upload.
	maxDocxBodyBytes = 64 << 20
)

type docxParser struct {
	maxBodyBytes int64
}

func (p docxParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	limit := p.maxBodyBytes
	if limit <= 0 {
		limit = maxDocxBodyBytes
	}

	archive, err := zip.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}

	var body *zip.File
	for _, f := range archive.File {
		if f.Name == docxBodyPart {
			body = f
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("open docx: missing %s", docxBodyPart)
	}

	if body.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("%w: docx body is %d bytes (max %d)", ErrDocumentTooLarge, body.UncompressedSize64, limit)
	}

	rc, err := body.Open()
	if err != nil {
		return nil, fmt.Errorf("open docx body: %w", err)
	}
	defer rc.Close()

	// The header size can lie, so the stream is capped as well.
	paragraphs, err := docxParagraphs(&cappedReader{r: rc, remaining: limit})
	if err != nil {
		return nil, err
	}

	content := normalizePlainText(strings.Join(paragraphs, "\n\n"))
	title := ""
	if len(paragraphs) > 0 {
		title = strings.TrimSpace(paragraphs[0])
	}
	if title == "" || len(title) > 120 {
		title = baseName(payload.Path)
	}

	return &ParsedDocument{Title: title, Text: content}, nil
}

// docxParagraphs walks WordprocessingML and returns the text of each non-empty w:p element.
func docxParagraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)

	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
		runDepth   int
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse docx body: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "r":
				runDepth++
			case "t":
				inText = true
			case "tab":
				// w:tab under w:pPr/w:tabs defines a tab stop rather than text.
				if runDepth > 0 {
					current.WriteString("\t")
				}
			case "br", "cr":
				if runDepth > 0 {
					current.WriteString("\n")
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "r":
				runDepth--
			case "t":
				inText = false
			case "p":
				if text := strings.TrimSpace(current.String()); text != "" {
					paragraphs = append(paragraphs, text)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}

	return paragraphs, nil
}

// cappedReader fails with ErrDocumentTooLarge once more than remaining bytes are available.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		var probe [1]byte
		n, err := c.r.Read(probe[:])
		if n > 0 {
			return 0, ErrDocumentTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	return n, err
}
