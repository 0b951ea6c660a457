// Package ingestion turns uploaded or on-disk files into plain text ready for chunking.
package ingestion

import (
	"mime"
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatMarkdown represents Markdown documents.
	FormatMarkdown DocumentFormat = "markdown"
	// FormatPDF represents PDF documents.
	FormatPDF DocumentFormat = "pdf"
	// FormatCSV represents comma separated values documents.
	FormatCSV DocumentFormat = "csv"
	// FormatText represents plain UTF-8 text.
	FormatText DocumentFormat = "text"
)

// SupportedExtensions lists the file extensions DetectFormat recognises.
var SupportedExtensions = []string{".pdf", ".md", ".markdown", ".csv", ".txt", ".text"}

// DetectFormat infers a document format from the file name's extension,
// falling back to the declared content type.
func DetectFormat(path, contentType string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	case ".csv":
		return FormatCSV
	case ".txt", ".text":
		return FormatText
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatUnknown
	}
	switch mediaType {
	case "application/pdf":
		return FormatPDF
	case "text/markdown", "text/x-markdown":
		return FormatMarkdown
	case "text/csv":
		return FormatCSV
	case "text/plain":
		return FormatText
	default:
		return FormatUnknown
	}
}

// ContentTypeFor returns the media type reported for a file on disk.
func ContentTypeFor(path string) string {
	switch DetectFormat(path, "") {
	case FormatPDF:
		return "application/pdf"
	case FormatMarkdown:
		return "text/markdown"
	case FormatCSV:
		return "text/csv"
	case FormatText:
		return "text/plain"
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
