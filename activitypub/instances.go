package activitypub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/util"
)

const (
	nodeinfoRefreshInterval = 24 * time.Hour
	nodeinfoTimeout         = 30 * time.Second
)

// InstanceTracker records when remote hosts were last heard from and keeps
// their software information fresh.
type InstanceTracker struct {
	store   InstanceStore
	fetcher Fetcher
	logger  *log.Logger
	now     func() time.Time

	inflight sync.Map
	wg       sync.WaitGroup
}

func NewInstanceTracker(store InstanceStore, fetcher Fetcher, logger *log.Logger) *InstanceTracker {
	return &InstanceTracker{store: store, fetcher: fetcher, logger: logger, now: time.Now}
}

// Received marks host as alive after it sent us an authenticated activity and
// refreshes its nodeinfo in the background when that is stale.
func (t *InstanceTracker) Received(ctx context.Context, host string) {
	host = util.NormalizeHost(host)
	if host == "" {
		return
	}
	if err := t.store.RecordInstanceContact(ctx, host, t.now().UTC()); err != nil {
		t.logger.Warn("InstanceTracker: Failed to record contact", "host", host, "err", err)
		return
	}
	t.maybeRefresh(host)
}

// Delivered records the outcome of posting to host.
func (t *InstanceTracker) Delivered(ctx context.Context, host string, status int, ok bool) {
	host = util.NormalizeHost(host)
	if host == "" {
		return
	}
	if err := t.store.RecordDeliveryResult(ctx, host, status, ok, t.now().UTC()); err != nil {
		t.logger.Warn("InstanceTracker: Failed to record delivery result", "host", host, "err", err)
		return
	}
	if ok {
		t.maybeRefresh(host)
	}
}

func (t *InstanceTracker) maybeRefresh(host string) {
	if t.fetcher == nil {
		return
	}
	if _, loaded := t.inflight.LoadOrStore(host, struct{}{}); loaded {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.inflight.Delete(host)

		ctx, cancel := context.WithTimeout(context.Background(), nodeinfoTimeout)
		defer cancel()

		inst, err := t.store.ReadInstance(ctx, host)
		if err != nil || inst == nil {
			return
		}
		if inst.InfoUpdatedAt != nil && t.now().Sub(*inst.InfoUpdatedAt) < nodeinfoRefreshInterval {
			return
		}
		if err := t.RefreshInfo(ctx, host); err != nil {
			t.logger.Debug("InstanceTracker: Nodeinfo refresh failed", "host", host, "err", err)
		}
	}()
}

// Wait blocks until background refreshes have finished.
func (t *InstanceTracker) Wait() {
	t.wg.Wait()
}

type nodeinfoLinks struct {
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

type nodeinfoDocument struct {
	Software struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
}

// RefreshInfo reads the nodeinfo of host and stores its software name and
// version.
func (t *InstanceTracker) RefreshInfo(ctx context.Context, host string) error {
	const op = "InstanceTracker.RefreshInfo"

	wellKnown := "https://" + host + "/.well-known/nodeinfo"
	body, err := t.fetcher.Get(ctx, wellKnown)
	if err != nil {
		return classifyFetch(op, wellKnown, err)
	}
	var links nodeinfoLinks
	if err := json.Unmarshal(body, &links); err != nil {
		return newError(KindValidation, op, "malformed nodeinfo links", err)
	}

	var href string
	for _, l := range links.Links {
		if strings.HasPrefix(l.Rel, "http://nodeinfo.diaspora.software/ns/schema/") && util.HostOf(l.Href) == host {
			href = l.Href
		}
	}
	if href == "" {
		return newError(KindNotFound, op, "no nodeinfo link on "+host, nil)
	}

	body, err = t.fetcher.Get(ctx, href)
	if err != nil {
		return classifyFetch(op, href, err)
	}
	var doc nodeinfoDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return newError(KindValidation, op, "malformed nodeinfo document", err)
	}
	return t.store.UpdateInstanceInfo(ctx, host,
		util.Truncate(doc.Software.Name, 64),
		util.Truncate(doc.Software.Version, 64),
		t.now().UTC())
}
