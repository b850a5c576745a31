package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned by queue operations after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrCanceled marks outcomes for jobs that were never fetched because the crawl stopped.
	ErrCanceled = errors.New("crawl canceled")
	// ErrUnknownSpider is returned when a persisted job names a spider that is not registered.
	ErrUnknownSpider = errors.New("unknown spider")
)

// Transport failure reasons.
const (
	ReasonTimeout           = "timeout"
	ReasonDNS               = "dns"
	ReasonConnectionRefused = "connection refused"
	ReasonTLS               = "tls"
	ReasonCanceled          = "canceled"
	ReasonNetwork           = "network"
)

// TransportError is a per-job fetch failure. It never stops the crawl.
type TransportError struct {
	URL    string
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// QueueStorageError means the job queue could not read or write its backing store.
// It is fatal for the crawl.
type QueueStorageError struct {
	Op  string
	Err error
}

func (e *QueueStorageError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueStorageError) Unwrap() error {
	return e.Err
}

// NewQueueStorageError wraps err for op, or returns nil when err is nil.
func NewQueueStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &QueueStorageError{Op: op, Err: err}
}

// ConfigurationError reports an invalid setting detected at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// IsFatal reports whether err should stop the whole crawl rather than a single job.
func IsFatal(err error) bool {
	var storageErr *QueueStorageError
	var cfgErr *ConfigurationError
	return errors.As(err, &storageErr) || errors.As(err, &cfgErr)
}
