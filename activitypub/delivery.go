package activitypub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

// Deliverer posts signed activities to remote inboxes.
type Deliverer struct {
	client    *http.Client
	userAgent string
	links     Links
}

func NewDeliverer(client *http.Client, userAgent string, links Links) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Deliverer{client: client, userAgent: userAgent, links: links}
}

// Post delivers body to inbox signed as acc. The status is returned whenever
// the remote answered; err is set for transport failures and non-2xx answers.
func (d *Deliverer) Post(ctx context.Context, acc *domain.Account, inbox string, body []byte) (int, error) {
	privateKey, err := ParsePrivateKey(acc.WebPrivateKey)
	if err != nil {
		return 0, fmt.Errorf("failed to parse private key: %w", err)
	}

	req, err := newSignedRequest(http.MethodPost, inbox, body, privateKey, d.links.Key(acc.Username))
	if err != nil {
		return 0, validationError("Deliverer.Post", "cannot build request for %s: %v", inbox, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", d.userAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	deliverDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxFetchBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, URL: inbox}
	}
	return resp.StatusCode, nil
}
