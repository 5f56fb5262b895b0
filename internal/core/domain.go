package core

import (
	"errors"
	"path/filepath"
	"strings"
)

const (
	// ContentTypePDF is the only statement format the ingestion app accepts.
	ContentTypePDF = "application/pdf"

	// MaxStatementSize is the largest statement accepted for ingestion.
	MaxStatementSize = 10 << 20

	maxFilenameLength = 255
	maxQuestionLength = 2000
)

type (
	// Statement is a bank or card statement to ingest.
	Statement struct {
		Filename    string
		ContentType string
		Data        []byte
	}

	// IngestionPayload is the body sent to the ingestion application.
	IngestionPayload struct {
		FileB64     string `json:"file_b64"`
		ContentType string `json:"content_type"`
		Filename    string `json:"filename"`
	}

	// QueryPayload is the body sent to the query application.
	QueryPayload struct {
		UserQuery string `json:"user_query"`
	}

	// InsightsPayload is the body sent to the insights application.
	InsightsPayload struct {
		ForceRefresh bool `json:"force_refresh"`
	}
)

var (
	ErrEmptyFilename     = errors.New("empty filename")
	ErrFilenameTooLong   = errors.New("filename too long (max 255 characters)")
	ErrNotPDF            = errors.New("only PDF statements are accepted")
	ErrEmptyStatement    = errors.New("statement is empty")
	ErrStatementTooLarge = errors.New("statement is too large (max 10MB)")
	ErrEmptyQuestion     = errors.New("empty question")
	ErrQuestionTooLong   = errors.New("question too long (max 2000 characters)")
)

// Validate checks the statement before any network call.
func (s Statement) Validate() error {
	name := strings.TrimSpace(s.Filename)
	if name == "" {
		return ErrEmptyFilename
	}
	if len(name) > maxFilenameLength {
		return ErrFilenameTooLong
	}
	if !strings.EqualFold(strings.TrimSpace(s.ContentType), ContentTypePDF) {
		return ErrNotPDF
	}
	if len(s.Data) == 0 {
		return ErrEmptyStatement
	}
	if len(s.Data) > MaxStatementSize {
		return ErrStatementTooLarge
	}
	return nil
}

// BaseName returns the filename without directories, as sent upstream.
func (s Statement) BaseName() string {
	return filepath.Base(strings.TrimSpace(s.Filename))
}

// DetectContentType guesses a statement's content type from its name and
// leading bytes. PDF files start with "%PDF-".
func DetectContentType(filename string, data []byte) string {
	if strings.HasPrefix(string(data[:min(len(data), 5)]), "%PDF-") {
		return ContentTypePDF
	}
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return ContentTypePDF
	}
	return "application/octet-stream"
}

// NormalizeQuestion trims a free-text question and validates it.
func NormalizeQuestion(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", ErrEmptyQuestion
	}
	if len(q) > maxQuestionLength {
		return "", ErrQuestionTooLong
	}
	return q, nil
}
