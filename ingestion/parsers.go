package ingestion

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFormat is returned for payloads no parser understands.
var ErrUnsupportedFormat = errors.New("unsupported document format")

type parser func(data []byte) (string, error)

var parsers = map[DocumentFormat]parser{
	FormatPDF:      parsePDF,
	FormatMarkdown: parsePlain,
	FormatText:     parsePlain,
	FormatCSV:      parseCSV,
}

// ExtractText returns the plain text content of a document payload.
func ExtractText(filename, contentType string, data []byte) (string, error) {
	format := DetectFormat(filename, contentType)
	parse, ok := parsers[format]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
	text, err := parse(data)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filename, err)
	}
	return text, nil
}

func parsePlain(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("content is not valid utf-8")
	}
	return normalizePlainText(string(data)), nil
}

func parsePDF(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	return normalizePlainText(buf.String()), nil
}

// parseCSV renders every data row as a "header: value" paragraph.
func parseCSV(data []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	headers := records[0]
	rows := records[1:]
	paragraphs := make([]string, 0, len(rows))
	for idx, row := range rows {
		paragraphs = append(paragraphs, formatCSVRow(headers, row, idx))
	}
	return strings.Join(paragraphs, "\n\n"), nil
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

func formatCSVRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	builder.WriteString(fmt.Sprintf("Row %d.", idx+1))

	limit := len(headers)
	if len(row) < limit {
		limit = len(row)
	}

	for i := 0; i < limit; i++ {
		header := strings.TrimSpace(headers[i])
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		builder.WriteString("\n")
		builder.WriteString(header)
		builder.WriteString(": ")
		builder.WriteString(strings.TrimSpace(row[i]))
	}

	for i := len(headers); i < len(row); i++ {
		builder.WriteString(fmt.Sprintf("\nExtra %d: %s", i+1, strings.TrimSpace(row[i])))
	}

	return builder.String()
}
