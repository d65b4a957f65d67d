package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

const (
	maxNameLength    = 128
	maxSummaryLength = 2048
	maxUsername      = 128
	maxPinnedNotes   = 5

	// DefaultFetchBudget bounds the remote fetches one inbound job may cause.
	DefaultFetchBudget = 32
)

var quoteKeys = []string{"quoteUrl", "_misskey_quote", "quoteUri", "quote"}

// Resolver turns remote URIs into stored records, creating each at most once.
type Resolver struct {
	store   Store
	fetcher Fetcher
	policy  HostPolicy
	locks   *LockRegistry
	cache   *ActorCache
	links   Links
	fanout  int
	logger  *log.Logger
	now     func() time.Time
}

func NewResolver(store Store, fetcher Fetcher, policy HostPolicy, cache *ActorCache, links Links, fanout int, logger *log.Logger) *Resolver {
	return &Resolver{
		store:   store,
		fetcher: fetcher,
		policy:  policy,
		locks:   NewLockRegistry(),
		cache:   cache,
		links:   links,
		fanout:  fanout,
		logger:  logger,
		now:     time.Now,
	}
}

type budgetKey struct{}

// WithFetchBudget limits the number of remote fetches made with ctx.
func WithFetchBudget(ctx context.Context, n int) context.Context {
	b := new(atomic.Int32)
	b.Store(int32(n))
	return context.WithValue(ctx, budgetKey{}, b)
}

func spendFetch(ctx context.Context) bool {
	b, ok := ctx.Value(budgetKey{}).(*atomic.Int32)
	if !ok {
		return true
	}
	return b.Add(-1) >= 0
}

type heldKey struct{}

type heldLock struct {
	uri  string
	next *heldLock
}

func holds(ctx context.Context, uri string) bool {
	for h, _ := ctx.Value(heldKey{}).(*heldLock); h != nil; h = h.next {
		if h.uri == uri {
			return true
		}
	}
	return false
}

// enter marks uri as being resolved by this call chain. Entering a uri
// already being resolved further up the chain is a resolution cycle.
func enter(ctx context.Context, uri string) (context.Context, error) {
	if holds(ctx, uri) {
		return nil, validationError("Resolver.enter", "resolution cycle through %s", uri)
	}
	parent, _ := ctx.Value(heldKey{}).(*heldLock)
	return context.WithValue(ctx, heldKey{}, &heldLock{uri: uri, next: parent}), nil
}

// withLock runs f while holding the resolution lock of uri.
func (r *Resolver) withLock(ctx context.Context, uri string, f func(ctx context.Context) error) error {
	inner, err := enter(ctx, uri)
	if err != nil {
		return err
	}
	return r.locks.With(ctx, uri, func() error { return f(inner) })
}

// canonicalURI lowercases scheme and host, converts the host to ASCII and
// drops the fragment.
func canonicalURI(raw string) (string, error) {
	const op = "canonicalURI"
	if raw == "" {
		return "", validationError(op, "missing id")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", newError(KindValidation, op, "unparseable URI", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", validationError(op, "%q is not an absolute http(s) URI", raw)
	}
	u.Host = util.NormalizeHost(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

func (r *Resolver) isLocal(uri string) bool {
	return util.HostOf(uri) == r.links.Host()
}

// fetchObject retrieves a remote document and checks that it is what was
// asked for: its id must live on the requested host.
func (r *Resolver) fetchObject(ctx context.Context, uri string) (map[string]any, error) {
	const op = "Resolver.fetchObject"

	host := util.HostOf(uri)
	if r.isLocal(uri) {
		return nil, validationError(op, "refusing to fetch local object %s", uri)
	}
	if r.policy.IsHostBlocked(ctx, host) {
		return nil, newError(KindBlocked, op, "host is blocked: "+host, nil)
	}
	if !spendFetch(ctx) {
		return nil, validationError(op, "fetch budget exhausted at %s", uri)
	}

	body, err := r.fetcher.Get(ctx, uri)
	if err != nil {
		return nil, classifyFetch(op, uri, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, newError(KindValidation, op, "response is not a JSON object", err)
	}
	id, err := canonicalURI(stringField(doc, "id"))
	if err != nil {
		return nil, err
	}
	if util.HostOf(id) != host {
		return nil, validationError(op, "object %s fetched from %s", id, host)
	}
	return doc, nil
}

// FetchObject fetches a document without storing anything.
func (r *Resolver) FetchObject(ctx context.Context, uri string) (map[string]any, error) {
	uri, err := canonicalURI(uri)
	if err != nil {
		return nil, err
	}
	return r.fetchObject(ctx, uri)
}

// resolveLocal answers for URIs on this server without touching the network.
func (r *Resolver) resolveLocal(ctx context.Context, uri string) (domain.Record, error) {
	const op = "Resolver.resolveLocal"
	username, noteId, ok := r.links.ParseLocal(uri)
	if !ok {
		return nil, newError(KindNotFound, op, "unknown local object "+uri, nil)
	}
	if username != "" {
		acc, err := r.store.ReadAccByUsername(ctx, username)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, newError(KindNotFound, op, "no local account "+username, nil)
		}
		return acc, nil
	}
	note, err := r.store.ReadNoteById(ctx, noteId)
	if err != nil {
		return nil, err
	}
	if note == nil {
		return nil, newError(KindNotFound, op, "no local note "+noteId.String(), nil)
	}
	return note, nil
}

// Resolve returns the record for a URI or inline object: a local account or
// note, or a stored or freshly fetched remote actor or post. Inline objects
// are only used for their id and type.
func (r *Resolver) Resolve(ctx context.Context, ref any) (domain.Record, error) {
	const op = "Resolver.Resolve"

	uri, err := canonicalURI(idOf(ref))
	if err != nil {
		return nil, err
	}
	if r.isLocal(uri) {
		rec, err := r.resolveLocal(ctx, uri)
		if err == nil {
			resolveCounter.WithLabelValues("any", "local").Inc()
		}
		return rec, err
	}

	if inline, ok := ref.(map[string]any); ok {
		typ := typeOf(inline)
		switch {
		case actorTypes[typ]:
			return r.ResolvePerson(ctx, uri)
		case noteTypes[typ]:
			return r.ResolveNote(ctx, uri, nil)
		}
	}

	if acc, err := r.store.ReadRemoteAccountByURI(ctx, uri); err != nil || acc != nil {
		return recordOrNil(acc, err)
	}
	if note, err := r.store.ReadRemoteNoteByURI(ctx, uri); err != nil || note != nil {
		return recordOrNil(note, err)
	}
	if holds(ctx, uri) {
		return nil, validationError(op, "resolution cycle through %s", uri)
	}

	doc, err := r.fetchObject(ctx, uri)
	if err != nil {
		return nil, err
	}
	typ := typeOf(doc)
	switch {
	case actorTypes[typ]:
		return r.createPerson(ctx, uri, doc)
	case noteTypes[typ]:
		return r.createNote(ctx, uri, doc)
	}
	return nil, validationError(op, "unsupported object type %q at %s", typ, uri)
}

func recordOrNil[T domain.Record](rec T, err error) (domain.Record, error) {
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ResolvePerson returns the stored actor for uri, fetching and storing it
// on first use.
func (r *Resolver) ResolvePerson(ctx context.Context, uri string) (*domain.RemoteAccount, error) {
	const op = "Resolver.ResolvePerson"

	uri, err := canonicalURI(uri)
	if err != nil {
		return nil, err
	}
	if r.isLocal(uri) {
		return nil, validationError(op, "%s is a local actor", uri)
	}
	if r.policy.IsHostBlocked(ctx, util.HostOf(uri)) {
		return nil, newError(KindBlocked, op, "host is blocked: "+util.HostOf(uri), nil)
	}
	if acc, ok := r.cache.Get(uri); ok {
		resolveCounter.WithLabelValues("actor", "cache").Inc()
		return acc, nil
	}
	acc, err := r.store.ReadRemoteAccountByURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	if acc != nil {
		resolveCounter.WithLabelValues("actor", "stored").Inc()
		r.cache.Put(acc)
		return acc, nil
	}
	return r.createPerson(ctx, uri, nil)
}

// CreatePerson fetches and stores the actor at uri. Concurrent callers for
// the same uri all receive the single stored row.
func (r *Resolver) CreatePerson(ctx context.Context, uri string) (*domain.RemoteAccount, error) {
	uri, err := canonicalURI(uri)
	if err != nil {
		return nil, err
	}
	return r.createPerson(ctx, uri, nil)
}

func (r *Resolver) createPerson(ctx context.Context, uri string, doc map[string]any) (*domain.RemoteAccount, error) {
	var acc *domain.RemoteAccount
	var created bool
	err := r.withLock(ctx, uri, func(ctx context.Context) error {
		existing, err := r.store.ReadRemoteAccountByURI(ctx, uri)
		if err != nil {
			return err
		}
		if existing != nil {
			acc = existing
			return nil
		}

		if doc == nil {
			if doc, err = r.fetchObject(ctx, uri); err != nil {
				return err
			}
		}
		parsed, err := r.parseActor(doc, uri)
		if err != nil {
			return err
		}
		if parsed.ActorURI != uri {
			existing, err := r.store.ReadRemoteAccountByURI(ctx, parsed.ActorURI)
			if err != nil {
				return err
			}
			if existing != nil {
				acc = existing
				return nil
			}
		}

		err = r.store.CreateRemoteAccount(ctx, parsed)
		if errors.Is(err, domain.ErrDuplicate) {
			existing, rerr := r.store.ReadRemoteAccountByURI(ctx, parsed.ActorURI)
			if rerr != nil {
				return rerr
			}
			if existing == nil {
				return newError(KindTransient, "Resolver.createPerson", "actor vanished after duplicate insert", err)
			}
			acc = existing
			return nil
		}
		if err != nil {
			return err
		}
		acc, created = parsed, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.cache.Put(acc)
	if created {
		resolveCounter.WithLabelValues("actor", "fetched").Inc()
		r.logger.Info("Resolver: Stored remote actor", "actor", acc.ActorURI)
		r.refreshFeatured(ctx, acc)
	} else {
		resolveCounter.WithLabelValues("actor", "stored").Inc()
	}
	return acc, nil
}

// parseActor validates an actor document fetched for requested.
func (r *Resolver) parseActor(doc map[string]any, requested string) (*domain.RemoteAccount, error) {
	const op = "Resolver.parseActor"

	typ := typeOf(doc)
	if !actorTypes[typ] {
		return nil, validationError(op, "%s is a %q, not an actor", requested, typ)
	}
	id, err := canonicalURI(stringField(doc, "id"))
	if err != nil {
		return nil, err
	}
	host := util.HostOf(id)
	if host != util.HostOf(requested) {
		return nil, validationError(op, "actor %s fetched for %s", id, requested)
	}
	if r.isLocal(id) {
		return nil, validationError(op, "remote document claims local actor %s", id)
	}

	inbox := idOf(doc["inbox"])
	if !isHTTPURI(inbox) {
		return nil, validationError(op, "actor %s has no valid inbox", id)
	}

	username := stringField(doc, "preferredUsername")
	if username == "" || len(username) > maxUsername || strings.ContainsAny(username, " \t\n/@") {
		return nil, validationError(op, "actor %s has an invalid preferredUsername", id)
	}

	var key map[string]any
	for _, k := range asList(doc["publicKey"]) {
		if m, ok := k.(map[string]any); ok {
			key = m
			break
		}
	}
	keyID := stringField(key, "id")
	pemKey := stringField(key, "publicKeyPem")
	if keyID == "" || pemKey == "" {
		return nil, validationError(op, "actor %s has no public key", id)
	}
	if util.HostOf(keyID) != host {
		return nil, validationError(op, "public key %s does not live on %s", keyID, host)
	}
	if owner := stringField(key, "owner"); owner != "" {
		if canonical, err := canonicalURI(owner); err != nil || canonical != id {
			return nil, validationError(op, "public key %s is owned by %s, not %s", keyID, owner, id)
		}
	}

	var shared string
	if endpoints, ok := doc["endpoints"].(map[string]any); ok {
		if s := stringField(endpoints, "sharedInbox"); isHTTPURI(s) {
			shared = s
		}
	}

	return &domain.RemoteAccount{
		Username:       username,
		Domain:         host,
		ActorURI:       id,
		ActorType:      typ,
		DisplayName:    util.Truncate(stringField(doc, "name"), maxNameLength),
		Summary:        util.Truncate(stringField(doc, "summary"), maxSummaryLength),
		InboxURI:       inbox,
		SharedInboxURI: shared,
		OutboxURI:      idOf(doc["outbox"]),
		FollowersURI:   idOf(doc["followers"]),
		FeaturedURI:    idOf(doc["featured"]),
		PublicKeyId:    keyID,
		PublicKeyPem:   pemKey,
		AvatarURL:      imageURL(doc["icon"]),
		BannerURL:      imageURL(doc["image"]),
		LastFetchedAt:  r.now().UTC(),
	}, nil
}

// imageURL accepts a URL string, an Image object or a list of either.
func imageURL(v any) string {
	switch t := v.(type) {
	case string:
		if isHTTPURI(t) {
			return t
		}
	case map[string]any:
		return imageURL(firstOf(t["url"]))
	case []any:
		for _, e := range t {
			if u := imageURL(e); u != "" {
				return u
			}
		}
	}
	return ""
}

func firstOf(v any) any {
	if list, ok := v.([]any); ok && len(list) > 0 {
		return list[0]
	}
	if m, ok := v.(map[string]any); ok {
		if href, ok := m["href"]; ok {
			return href
		}
	}
	return v
}

// ResolvePersonByKeyID finds the owner of a signing key. Unknown keys are
// resolved through the claimed actor, or the key id without its fragment. A
// stored actor whose key does not match is refreshed once, for key rotation.
func (r *Resolver) ResolvePersonByKeyID(ctx context.Context, keyID, claimedActor string) (*domain.RemoteAccount, error) {
	acc, err := r.store.ReadRemoteAccountByKeyId(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if acc != nil {
		if r.policy.IsHostBlocked(ctx, acc.Domain) {
			return nil, newError(KindBlocked, "Resolver.ResolvePersonByKeyID", "host is blocked: "+acc.Domain, nil)
		}
		return acc, nil
	}

	uri := claimedActor
	if uri == "" {
		uri, _, _ = strings.Cut(keyID, "#")
	}
	acc, err = r.ResolvePerson(ctx, uri)
	if err != nil {
		return nil, err
	}
	if acc.PublicKeyId != keyID && util.HostOf(keyID) == acc.Domain && acc.LastFetchedAt.Before(r.now().Add(-time.Minute)) {
		return r.UpdatePerson(ctx, acc, nil)
	}
	return acc, nil
}

// UpdatePerson refreshes a stored actor from doc, or from the network when
// doc is nil, and drops it from the cache.
func (r *Resolver) UpdatePerson(ctx context.Context, acc *domain.RemoteAccount, doc map[string]any) (*domain.RemoteAccount, error) {
	var updated *domain.RemoteAccount
	err := r.withLock(ctx, acc.ActorURI, func(ctx context.Context) error {
		var err error
		if doc == nil {
			if doc, err = r.fetchObject(ctx, acc.ActorURI); err != nil {
				return err
			}
		}
		parsed, err := r.parseActor(doc, acc.ActorURI)
		if err != nil {
			return err
		}
		if parsed.ActorURI != acc.ActorURI {
			return validationError("Resolver.UpdatePerson", "update for %s carries id %s", acc.ActorURI, parsed.ActorURI)
		}
		parsed.Id = acc.Id
		if err := r.store.UpdateRemoteAccount(ctx, parsed); err != nil {
			return err
		}
		updated = parsed
		return nil
	})
	r.cache.Invalidate(acc.ActorURI)
	if err != nil {
		return nil, err
	}
	r.refreshFeatured(ctx, updated)
	return updated, nil
}

// refreshFeatured mirrors the actor's pinned posts. Failures are logged only.
func (r *Resolver) refreshFeatured(ctx context.Context, acc *domain.RemoteAccount) {
	if acc.FeaturedURI == "" || util.HostOf(acc.FeaturedURI) != acc.Domain {
		return
	}
	doc, err := r.FetchObject(ctx, acc.FeaturedURI)
	if err != nil {
		r.logger.Debug("Resolver: Featured collection unavailable", "actor", acc.ActorURI, "err", err)
		return
	}
	items := asList(doc["orderedItems"])
	if items == nil {
		items = asList(doc["items"])
	}
	if items == nil {
		if first, ok := doc["first"].(map[string]any); ok {
			items = asList(first["orderedItems"])
			if items == nil {
				items = asList(first["items"])
			}
		}
	}

	var refs []string
	for _, item := range items {
		if id := idOf(item); id != "" && util.HostOf(id) == acc.Domain {
			refs = append(refs, id)
		}
		if len(refs) == maxPinnedNotes {
			break
		}
	}

	var mu sync.Mutex
	found := make(map[string]uuid.UUID)
	errs := fanOutAll(ctx, r.fanout, refs, func(ctx context.Context, ref string) error {
		note, err := r.ResolveNote(ctx, ref, nil)
		if err != nil {
			return err
		}
		if note.RemoteAccountId == acc.Id {
			mu.Lock()
			found[ref] = note.Id
			mu.Unlock()
		}
		return nil
	})

	ids := make([]uuid.UUID, 0, len(found))
	for i, ref := range refs {
		if errs[i] != nil {
			r.logger.Debug("Resolver: Skipping pinned note", "note", ref, "err", errs[i])
			continue
		}
		if id, ok := found[ref]; ok {
			ids = append(ids, id)
		}
	}
	if err := r.store.ReplaceRemotePins(ctx, acc.Id, ids); err != nil {
		r.logger.Warn("Resolver: Failed to store pinned notes", "actor", acc.ActorURI, "err", err)
	}
}

// ResolveNote returns the stored remote post for uri, creating it on first
// use. inline is used instead of fetching; callers pass it only when the
// object came from its own origin.
func (r *Resolver) ResolveNote(ctx context.Context, uri string, inline map[string]any) (*domain.RemoteNote, error) {
	const op = "Resolver.ResolveNote"

	uri, err := canonicalURI(uri)
	if err != nil {
		return nil, err
	}
	if r.isLocal(uri) {
		return nil, validationError(op, "%s is a local note", uri)
	}
	if r.policy.IsHostBlocked(ctx, util.HostOf(uri)) {
		return nil, newError(KindBlocked, op, "host is blocked: "+util.HostOf(uri), nil)
	}
	note, err := r.store.ReadRemoteNoteByURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	if note != nil {
		resolveCounter.WithLabelValues("note", "stored").Inc()
		return note, nil
	}
	return r.createNote(ctx, uri, inline)
}

// CreateNote fetches (or takes inline) and stores the post at uri.
// Concurrent callers for the same uri all receive the single stored row.
func (r *Resolver) CreateNote(ctx context.Context, uri string, inline map[string]any) (*domain.RemoteNote, error) {
	uri, err := canonicalURI(uri)
	if err != nil {
		return nil, err
	}
	return r.createNote(ctx, uri, inline)
}

func (r *Resolver) createNote(ctx context.Context, uri string, doc map[string]any) (*domain.RemoteNote, error) {
	const op = "Resolver.createNote"

	ctx, err := enter(ctx, uri)
	if err != nil {
		return nil, err
	}

	// The lock of uri covers the fetch and the insert. Author and quote
	// lookups run between the two without it since they take other locks.
	var note, parsed *domain.RemoteNote
	var authorURI string
	var quotes []string
	err = r.locks.With(ctx, uri, func() error {
		existing, err := r.store.ReadRemoteNoteByURI(ctx, uri)
		if err != nil {
			return err
		}
		if existing != nil {
			note = existing
			return nil
		}

		if doc == nil {
			if doc, err = r.fetchObject(ctx, uri); err != nil {
				return err
			}
		}
		if parsed, authorURI, quotes, err = r.parseNote(doc, uri); err != nil {
			return err
		}
		if parsed.ObjectURI != uri {
			existing, err := r.store.ReadRemoteNoteByURI(ctx, parsed.ObjectURI)
			if err != nil {
				return err
			}
			note = existing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if note != nil {
		return note, nil
	}

	author, err := r.ResolvePerson(ctx, authorURI)
	if err != nil {
		return nil, err
	}
	parsed.RemoteAccountId = author.Id
	parsed.Visibility = visibilityOf(doc, author.FollowersURI)

	if len(quotes) > 0 {
		quote, err := r.resolveQuote(ctx, quotes)
		if err != nil {
			return nil, err
		}
		parsed.QuoteURI = quote
	}

	var created bool
	err = r.locks.With(ctx, uri, func() error {
		existing, err := r.store.ReadRemoteNoteByURI(ctx, parsed.ObjectURI)
		if err != nil {
			return err
		}
		if existing != nil {
			note = existing
			return nil
		}

		err = r.store.CreateRemoteNote(ctx, parsed)
		if errors.Is(err, domain.ErrDuplicate) {
			existing, rerr := r.store.ReadRemoteNoteByURI(ctx, parsed.ObjectURI)
			if rerr != nil {
				return rerr
			}
			if existing == nil {
				return newError(KindTransient, op, "note vanished after duplicate insert", err)
			}
			note = existing
			return nil
		}
		if err != nil {
			return err
		}
		note, created = parsed, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		resolveCounter.WithLabelValues("note", "fetched").Inc()
	}
	return note, nil
}

// parseNote validates a post document fetched for requested and returns it
// with its author URI and quote candidates.
func (r *Resolver) parseNote(doc map[string]any, requested string) (*domain.RemoteNote, string, []string, error) {
	const op = "Resolver.parseNote"

	typ := typeOf(doc)
	if !noteTypes[typ] {
		return nil, "", nil, validationError(op, "%s is a %q, not a post", requested, typ)
	}
	id, err := canonicalURI(stringField(doc, "id"))
	if err != nil {
		return nil, "", nil, err
	}
	if util.HostOf(id) != util.HostOf(requested) {
		return nil, "", nil, validationError(op, "post %s fetched for %s", id, requested)
	}
	if r.isLocal(id) {
		return nil, "", nil, validationError(op, "remote document claims local post %s", id)
	}

	authorURI, err := canonicalURI(attributedTo(doc["attributedTo"]))
	if err != nil {
		return nil, "", nil, validationError(op, "post %s has no valid attributedTo", id)
	}
	if util.HostOf(authorURI) != util.HostOf(id) {
		return nil, "", nil, validationError(op, "post %s attributed to %s on another host", id, authorURI)
	}
	if authorURI == id {
		return nil, "", nil, validationError(op, "post %s is attributed to itself", id)
	}

	note := &domain.RemoteNote{
		ObjectURI:    id,
		AuthorURI:    authorURI,
		Content:      stringField(doc, "content"),
		Summary:      util.Truncate(stringField(doc, "summary"), maxSummaryLength),
		InReplyToURI: idOf(doc["inReplyTo"]),
		PublishedAt:  r.now().UTC(),
	}
	if note.Content == "" && typ != "Note" {
		note.Content = stringField(doc, "name")
	}
	if sensitive, ok := doc["sensitive"].(bool); ok {
		note.Sensitive = sensitive
	}
	if published, err := time.Parse(time.RFC3339, stringField(doc, "published")); err == nil {
		note.PublishedAt = published.UTC()
	}
	if updated, err := time.Parse(time.RFC3339, stringField(doc, "updated")); err == nil {
		u := updated.UTC()
		note.UpdatedAt = &u
	}

	var quotes []string
	seen := map[string]bool{id: true}
	for _, key := range quoteKeys {
		q := idOf(doc[key])
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		quotes = append(quotes, q)
	}
	return note, authorURI, quotes, nil
}

// attributedTo picks the author from a string, an object or a list that may
// mix actors with other attributions.
func attributedTo(v any) string {
	for _, item := range asList(v) {
		switch t := item.(type) {
		case string:
			return t
		case map[string]any:
			if typ := typeOf(t); typ == "" || actorTypes[typ] {
				if id := stringField(t, "id"); id != "" {
					return id
				}
			}
		}
	}
	return ""
}

// resolveQuote walks quote candidates in order and returns the URI of the
// first one that resolves to a post. Permanent failures move on to the next
// candidate. When nothing resolves and at least one failure was temporary the
// whole resolution fails so it can be retried; otherwise there is no quote.
func (r *Resolver) resolveQuote(ctx context.Context, candidates []string) (string, error) {
	var temporary error
	for _, candidate := range candidates {
		uri, err := canonicalURI(candidate)
		if err != nil {
			continue
		}
		rec, err := r.Resolve(ctx, uri)
		if err != nil {
			if IsRetryable(err) {
				temporary = err
			}
			r.logger.Debug("Resolver: Quote candidate failed", "quote", uri, "err", err)
			continue
		}
		switch q := rec.(type) {
		case *domain.RemoteNote:
			return q.ObjectURI, nil
		case *domain.Note:
			return r.links.Note(q.Id), nil
		}
	}
	if temporary != nil {
		return "", newError(KindTransient, "Resolver.resolveQuote", "no quote candidate resolved", temporary)
	}
	return "", nil
}

// UpdateNote applies an edit received from the post's author. A changed
// quote is resolved before the post's lock is taken.
func (r *Resolver) UpdateNote(ctx context.Context, author *domain.RemoteAccount, doc map[string]any) (*domain.RemoteNote, error) {
	const op = "Resolver.UpdateNote"

	uri, err := canonicalURI(stringField(doc, "id"))
	if err != nil {
		return nil, err
	}
	ctx, err = enter(ctx, uri)
	if err != nil {
		return nil, err
	}
	existing, err := r.store.ReadRemoteNoteByURI(ctx, uri)
	if err != nil || existing == nil {
		return nil, err
	}
	if existing.RemoteAccountId != author.Id {
		return nil, authError(op, "%s may not edit %s", author.ActorURI, uri)
	}
	parsed, authorURI, quotes, err := r.parseNote(doc, uri)
	if err != nil {
		return nil, err
	}
	if authorURI != author.ActorURI {
		return nil, authError(op, "edit of %s changes its author", uri)
	}
	var quote string
	if len(quotes) > 0 {
		if quote, err = r.resolveQuote(ctx, quotes); err != nil {
			return nil, err
		}
	}

	var note *domain.RemoteNote
	err = r.locks.With(ctx, uri, func() error {
		current, err := r.store.ReadRemoteNoteByURI(ctx, uri)
		if err != nil || current == nil {
			return err
		}
		current.Content = parsed.Content
		current.Summary = parsed.Summary
		current.Sensitive = parsed.Sensitive
		current.UpdatedAt = parsed.UpdatedAt
		if current.UpdatedAt == nil {
			now := r.now().UTC()
			current.UpdatedAt = &now
		}
		if len(quotes) > 0 {
			current.QuoteURI = quote
		}
		if err := r.store.UpdateRemoteNote(ctx, current); err != nil {
			return err
		}
		note = current
		return nil
	})
	return note, err
}
