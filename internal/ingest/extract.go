package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFormat indicates the document format cannot be extracted.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ExtractText converts an uploaded document to plain text. The media type
// wins when present; otherwise the filename extension decides.
func ExtractText(name, mediaType string, data []byte) (string, error) {
	switch detectFormat(name, mediaType) {
	case formatText:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: %q is not valid UTF-8 text", ErrUnsupportedFormat, name)
		}
		return string(data), nil
	case formatPDF:
		return extractPDF(data)
	default:
		return "", fmt.Errorf("%w: %q (media type %q)", ErrUnsupportedFormat, name, mediaType)
	}
}

type format int

const (
	formatUnknown format = iota
	formatText
	formatPDF
)

func detectFormat(name, mediaType string) format {
	// Strip parameters like "; charset=utf-8".
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	switch strings.TrimSpace(strings.ToLower(mediaType)) {
	case "text/plain", "text/markdown":
		return formatText
	case "application/pdf":
		return formatPDF
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown":
		return formatText
	case ".pdf":
		return formatPDF
	}
	return formatUnknown
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: parsing pdf: %v", ErrUnsupportedFormat, err)
	}

	content, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: extracting pdf text: %v", ErrUnsupportedFormat, err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, content); err != nil {
		return "", fmt.Errorf("%w: reading pdf text: %v", ErrUnsupportedFormat, err)
	}
	return buf.String(), nil
}
