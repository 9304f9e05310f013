package ingestion

import "errors"

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrDocumentLimit     = errors.New("maximum number of documents reached")
	ErrDuplicateSource   = errors.New("source already loaded")
	ErrInvalidURL        = errors.New("invalid url")
	ErrFetchFailed       = errors.New("fetch failed")
	ErrDocumentTooLarge  = errors.New("document too large")
)
