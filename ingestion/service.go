package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Document is an extracted file ready to be chunked into a session.
type Document struct {
	Filename    string
	ContentType string
	Size        int64
	Text        string
}

// IngestFunc stores a document in the target session and reports how many
// chunks it produced.
type IngestFunc func(ctx context.Context, doc Document) (int, error)

// Service walks, reads and watches files on disk and hands their text to an IngestFunc.
type Service struct {
	ingest IngestFunc
	logger *log.Logger
}

func NewService(ingest IngestFunc, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{ingest: ingest, logger: logger}
}

// LoadFile reads a file and extracts its text.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read file: %w", err)
	}
	contentType := ContentTypeFor(path)
	text, err := ExtractText(path, contentType, data)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Size:        int64(len(data)),
		Text:        text,
	}, nil
}

// IngestFile loads a single file and passes it to the ingest callback.
func (s *Service) IngestFile(ctx context.Context, path string) (int, error) {
	if s.ingest == nil {
		return 0, fmt.Errorf("ingest callback not configured")
	}
	doc, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(doc.Text) == "" {
		s.logger.Printf("[INGEST] skip empty document %s", path)
		return 0, nil
	}
	count, err := s.ingest(ctx, doc)
	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", doc.Filename, err)
	}
	s.logger.Printf("[INGEST] ingested %s (%d chunks)", path, count)
	return count, nil
}

// IngestDirectory ingests every supported file below dir. Failures on
// individual files are logged and skipped; the number of files ingested is returned.
func (s *Service) IngestDirectory(ctx context.Context, dir string) (int, error) {
	if s.ingest == nil {
		return 0, fmt.Errorf("ingest callback not configured")
	}
	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("data directory: %w", err)
	}

	entries := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(path, "") != FormatUnknown {
			entries = append(entries, path)
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("walk data directory: %w", err)
	}

	if len(entries) == 0 {
		s.logger.Printf("[INGEST] no supported files found in %s", dir)
		return 0, nil
	}

	ingested := 0
	for _, path := range entries {
		if err := ctx.Err(); err != nil {
			return ingested, err
		}
		if _, err := s.IngestFile(ctx, path); err != nil {
			s.logger.Printf("[INGEST] ingest failed for %s: %v", path, err)
			continue
		}
		ingested++
	}
	return ingested, nil
}

// WatchDirectory ingests files created or modified in dir until ctx is done.
func (s *Service) WatchDirectory(ctx context.Context, dir string) error {
	watcher, err := NewWatcher(SupportedExtensions)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	events, err := watcher.Watch(ctx, dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Printf("[INGEST] watching %s", dir)

	for event := range events {
		switch event.Op {
		case FileCreated, FileModified:
			if _, err := s.IngestFile(ctx, event.Path); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				s.logger.Printf("[INGEST] ingest failed for %s: %v", event.Path, err)
			}
		case FileDeleted:
			s.logger.Printf("[INGEST] %s removed; existing chunks are kept", event.Path)
		case FileError:
			s.logger.Printf("[INGEST] watcher error on %s: %v", dir, event.Err)
		}
	}
	return nil
}
