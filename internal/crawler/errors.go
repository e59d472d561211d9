package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidURL             = errors.New("invalid url")
	ErrOutOfScope             = errors.New("url out of scope")
	ErrDisallowed             = errors.New("disallowed by robots.txt")
	ErrJobTimeout             = errors.New("job exceeded wall-clock timeout")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrTooManyRedirects       = errors.New("too many redirects")
	ErrQueueClosed            = errors.New("queue closed")
)

// FetchErrorKind groups fetch failures by how the coordinator must react.
type FetchErrorKind string

// Fetch failure classes.
const (
	FetchErrorNetwork     FetchErrorKind = "network"
	FetchErrorClient      FetchErrorKind = "http_4xx"
	FetchErrorServer      FetchErrorKind = "http_5xx"
	FetchErrorContentType FetchErrorKind = "content_type"
	FetchErrorRedirect    FetchErrorKind = "redirect"
)

// FetchError is returned by fetchers for every unsuccessful visit.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case FetchErrorNetwork, FetchErrorServer:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps a non-2xx HTTP status into a FetchError. It returns nil
// for success codes.
func ClassifyStatus(rawURL string, status int) *FetchError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return &FetchError{Kind: FetchErrorServer, StatusCode: status, URL: rawURL}
	case status >= 400 && status < 500:
		return &FetchError{Kind: FetchErrorClient, StatusCode: status, URL: rawURL}
	case status >= 500:
		return &FetchError{Kind: FetchErrorServer, StatusCode: status, URL: rawURL}
	default:
		return &FetchError{Kind: FetchErrorClient, StatusCode: status, URL: rawURL}
	}
}

// KindOf extracts the FetchErrorKind from err, defaulting to network.
func KindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FetchErrorNetwork
}
