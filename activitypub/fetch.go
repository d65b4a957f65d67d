package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	maxFetchBytes = 1 << 20
	acceptHeader  = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// Fetcher retrieves remote documents. Non-2xx answers are reported as
// *StatusError.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// StatusError is a non-2xx HTTP answer.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.URL, e.Code)
}

// permanentStatus reports whether a remote answered in a way that will not
// change on retry.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// classifyFetch turns a fetch failure into a federation error.
func classifyFetch(op, url string, err error) error {
	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == http.StatusNotFound || status.Code == http.StatusGone:
			return newError(KindNotFound, op, "remote object is gone: "+url, err)
		case permanentStatus(status.Code):
			return newError(KindValidation, op, "remote refused "+url, err)
		}
		return newError(KindTransient, op, "remote failed "+url, err)
	}
	var fedErr *Error
	if errors.As(err, &fedErr) {
		return err
	}
	return newError(KindTransient, op, "fetch failed "+url, err)
}

// HTTPFetcher fetches ActivityPub documents, optionally signing every GET with
// the instance actor key.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	keyID     string
	key       *rsa.PrivateKey
}

func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// SignWith makes subsequent fetches authorized GETs as keyID.
func (f *HTTPFetcher) SignWith(keyID string, key *rsa.PrivateKey) {
	f.keyID = keyID
	f.key = key
}

func (f *HTTPFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	var req *http.Request
	var err error
	if f.key != nil {
		req, err = newSignedRequest(http.MethodGet, url, nil, f.key, f.keyID)
	} else {
		req, err = http.NewRequest(http.MethodGet, url, nil)
	}
	if err != nil {
		return nil, validationError("HTTPFetcher.Get", "bad request URL %q", url)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxFetchBytes))
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxFetchBytes {
		return nil, validationError("HTTPFetcher.Get", "response from %s exceeds %d bytes", url, maxFetchBytes)
	}
	return body, nil
}
