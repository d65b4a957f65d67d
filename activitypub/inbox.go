package activitypub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

const maxCollectionDepth = 3

// Outcome tells the inbox queue what became of a job that did not fail.
type Outcome int

const (
	// OutcomeProcessed means the activity changed or confirmed local state.
	OutcomeProcessed Outcome = iota
	// OutcomeSkipped means the activity was deliberately ignored.
	OutcomeSkipped
)

func (o Outcome) String() string {
	if o == OutcomeProcessed {
		return "processed"
	}
	return "skipped"
}

// FollowAccepter answers remote follow requests.
type FollowAccepter interface {
	SendAccept(ctx context.Context, acc *domain.Account, follower *domain.RemoteAccount, follow map[string]any) error
}

// InboxProcessor authenticates received activities and applies them.
type InboxProcessor struct {
	store    Store
	resolver *Resolver
	policy   HostPolicy
	ld       *LDSigner
	tracker  *InstanceTracker
	accepter FollowAccepter
	links    Links
	logger   *log.Logger
	now      func() time.Time
}

func NewInboxProcessor(store Store, resolver *Resolver, policy HostPolicy, ld *LDSigner, tracker *InstanceTracker, accepter FollowAccepter, links Links, logger *log.Logger) *InboxProcessor {
	return &InboxProcessor{
		store:    store,
		resolver: resolver,
		policy:   policy,
		ld:       ld,
		tracker:  tracker,
		accepter: accepter,
		links:    links,
		logger:   logger,
		now:      time.Now,
	}
}

// keyIDHost returns the host a key id points at, including legacy acct: ids.
func keyIDHost(keyID string) string {
	if rest, ok := strings.CutPrefix(keyID, "acct:"); ok {
		_, host, _ := strings.Cut(rest, "@")
		return util.NormalizeHost(host)
	}
	return util.HostOf(keyID)
}

// Process authenticates one received activity and dispatches it. A nil error
// with OutcomeSkipped means the activity was dropped on purpose. Errors are
// classified; only transient ones are worth retrying.
func (p *InboxProcessor) Process(ctx context.Context, sig *Signature, body []byte) (Outcome, error) {
	const op = "InboxProcessor.Process"

	if sig == nil {
		return OutcomeSkipped, authError(op, "activity arrived without a signature")
	}
	keyHost := keyIDHost(sig.KeyID)
	if keyHost != "" && p.policy.IsHostBlocked(ctx, keyHost) {
		p.logger.Debug("Inbox: Dropping activity from blocked host", "host", keyHost)
		return OutcomeSkipped, nil
	}
	if strings.HasPrefix(sig.KeyID, "acct:") {
		return OutcomeSkipped, authError(op, "legacy acct: key id %q", sig.KeyID)
	}
	if keyHost == "" {
		return OutcomeSkipped, authError(op, "key id %q is not a URI", sig.KeyID)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return OutcomeSkipped, newError(KindValidation, op, "activity is not a JSON object", err)
	}

	ctx = WithFetchBudget(ctx, DefaultFetchBudget)
	claimed := idOf(raw["actor"])

	actor, err := p.resolver.ResolvePersonByKeyID(ctx, sig.KeyID, claimed)
	if err != nil {
		switch KindOf(err) {
		case KindNotFound, KindValidation, KindBlocked:
			p.logger.Info("Inbox: Signer cannot be resolved, skipping", "keyId", sig.KeyID, "err", err)
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}

	if httpErr := p.verifyHTTP(sig, body, actor, claimed); httpErr != nil {
		ldActor, skip, err := p.verifyLD(ctx, raw, claimed)
		if skip {
			return OutcomeSkipped, nil
		}
		if err != nil {
			if ldActor == nil && IsKind(err, KindAuthentication) && !hasLDSignature(raw) {
				err = httpErr
			}
			p.logger.Warn("Inbox: Authentication failed", "keyId", sig.KeyID, "actor", claimed, "err", err)
			return OutcomeSkipped, err
		}
		actor = ldActor
	}

	act, err := ParseActivity(raw)
	if err != nil {
		return OutcomeSkipped, err
	}
	if act.ID() != "" && util.HostOf(act.ID()) != actor.Domain {
		return OutcomeSkipped, authError(op, "activity %s does not live on %s", act.ID(), actor.Domain)
	}

	if p.tracker != nil {
		p.tracker.Received(ctx, actor.Domain)
	}

	p.logger.Info("Inbox: Received activity", "type", typeOf(raw), "actor", actor.ActorURI)
	return p.dispatch(ctx, actor, act, 0)
}

// verifyHTTP checks the captured HTTP signature against the actor resolved for
// its key, and that this actor is the one the activity claims.
func (p *InboxProcessor) verifyHTTP(sig *Signature, body []byte, actor *domain.RemoteAccount, claimed string) error {
	const op = "InboxProcessor.verifyHTTP"
	if actor.PublicKeyId != sig.KeyID {
		return authError(op, "key %s does not belong to %s", sig.KeyID, actor.ActorURI)
	}
	if err := VerifySignature(sig, body, actor.PublicKeyPem); err != nil {
		return err
	}
	if !sameActor(actor, claimed) {
		return authError(op, "signer %s is not the activity actor %s", actor.ActorURI, claimed)
	}
	return nil
}

func sameActor(actor *domain.RemoteAccount, claimed string) bool {
	canonical, err := canonicalURI(claimed)
	return err == nil && canonical == actor.ActorURI
}

func hasLDSignature(raw map[string]any) bool {
	_, ok := extractLDSignature(raw)
	return ok
}

// verifyLD authenticates the activity through its embedded signature. skip
// is set when the creator's host is blocked or the creator is gone.
func (p *InboxProcessor) verifyLD(ctx context.Context, raw map[string]any, claimed string) (*domain.RemoteAccount, bool, error) {
	const op = "InboxProcessor.verifyLD"

	ldSig, ok := extractLDSignature(raw)
	if !ok || p.ld == nil {
		return nil, false, authError(op, "no usable signature")
	}
	if ldSig.Type != ldSignatureType {
		return nil, false, authError(op, "unsupported LD signature type %q", ldSig.Type)
	}
	creator, _, _ := strings.Cut(ldSig.Creator, "#")
	creatorHost := util.HostOf(creator)
	if creatorHost == "" {
		return nil, false, authError(op, "LD signature creator %q is not a URI", ldSig.Creator)
	}
	if p.policy.IsHostBlocked(ctx, creatorHost) {
		return nil, true, nil
	}

	actor, err := p.resolver.ResolvePersonByKeyID(ctx, ldSig.Creator, creator)
	if err != nil {
		switch KindOf(err) {
		case KindNotFound, KindBlocked:
			return nil, true, nil
		case KindValidation:
			return nil, false, newError(KindAuthentication, op, "LD signature creator unusable", err)
		}
		return nil, false, err
	}
	if actor.PublicKeyId != ldSig.Creator {
		return actor, false, authError(op, "key %s does not belong to %s", ldSig.Creator, actor.ActorURI)
	}
	pub, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return actor, false, newError(KindAuthentication, op, "unusable public key", err)
	}
	if err := p.ld.Verify(raw, pub); err != nil {
		return actor, false, err
	}
	if !sameActor(actor, claimed) {
		return actor, false, authError(op, "LD signer %s is not the activity actor %s", actor.ActorURI, claimed)
	}
	return actor, false, nil
}

// settle turns resolution failures that mean "nothing to do" into a skip.
func (p *InboxProcessor) settle(what string, err error) (Outcome, error) {
	switch KindOf(err) {
	case KindNotFound, KindBlocked:
		p.logger.Debug("Inbox: Skipping "+what, "err", err)
		return OutcomeSkipped, nil
	}
	return OutcomeSkipped, err
}

func (p *InboxProcessor) dispatch(ctx context.Context, actor *domain.RemoteAccount, act Activity, depth int) (Outcome, error) {
	switch a := act.(type) {
	case Create:
		return p.handleCreate(ctx, actor, a)
	case Update:
		return p.handleUpdate(ctx, actor, a)
	case Delete:
		return p.handleDelete(ctx, actor, a)
	case Follow:
		return p.handleFollow(ctx, actor, a)
	case Accept:
		return p.handleAccept(ctx, actor, a)
	case Reject:
		return p.handleReject(ctx, actor, a)
	case Undo:
		return p.handleUndo(ctx, actor, a)
	case Announce:
		return p.handleAnnounce(ctx, actor, a)
	case Like:
		return p.handleLike(ctx, actor, a)
	case Add:
		return p.handlePin(ctx, actor, a.ObjectID(), a.Target(), true)
	case Remove:
		return p.handlePin(ctx, actor, a.ObjectID(), a.Target(), false)
	case Block:
		return p.handleBlock(ctx, actor, a)
	case Flag:
		return p.handleFlag(ctx, actor, a)
	case Read:
		return OutcomeSkipped, nil
	case Collection:
		return p.handleCollection(ctx, actor, a, depth)
	case Unsupported:
		p.logger.Debug("Inbox: Unsupported activity type", "type", a.Type, "actor", actor.ActorURI)
		return OutcomeSkipped, nil
	}
	return OutcomeSkipped, validationError("InboxProcessor.dispatch", "unhandled activity %T", act)
}

func (p *InboxProcessor) handleCreate(ctx context.Context, actor *domain.RemoteAccount, a Create) (Outcome, error) {
	const op = "InboxProcessor.handleCreate"

	uri, err := canonicalURI(a.ObjectID())
	if err != nil {
		return OutcomeSkipped, err
	}
	var inline map[string]any
	if m, ok := a.Object().(map[string]any); ok {
		if !noteTypes[typeOf(m)] {
			p.logger.Debug("Inbox: Ignoring Create of unsupported object", "type", typeOf(m))
			return OutcomeSkipped, nil
		}
		if !sameActor(actor, attributedTo(m["attributedTo"])) {
			return OutcomeSkipped, authError(op, "%s is not attributed to %s", uri, actor.ActorURI)
		}
		if util.HostOf(uri) == actor.Domain {
			inline = m
		}
	}

	note, err := p.resolver.CreateNote(ctx, uri, inline)
	if err != nil {
		return p.settle("Create", err)
	}
	if note.RemoteAccountId != actor.Id {
		return OutcomeSkipped, authError(op, "%s was not written by %s", uri, actor.ActorURI)
	}
	return OutcomeProcessed, nil
}

func (p *InboxProcessor) handleUpdate(ctx context.Context, actor *domain.RemoteAccount, a Update) (Outcome, error) {
	const op = "InboxProcessor.handleUpdate"

	obj, ok := a.Object().(map[string]any)
	if !ok {
		if sameActor(actor, a.ObjectID()) {
			if _, err := p.resolver.UpdatePerson(ctx, actor, nil); err != nil {
				return p.settle("Update", err)
			}
			return OutcomeProcessed, nil
		}
		return OutcomeSkipped, nil
	}

	typ := typeOf(obj)
	switch {
	case actorTypes[typ]:
		if !sameActor(actor, stringField(obj, "id")) {
			return OutcomeSkipped, authError(op, "%s may not update another actor", actor.ActorURI)
		}
		if _, err := p.resolver.UpdatePerson(ctx, actor, obj); err != nil {
			return p.settle("Update", err)
		}
		return OutcomeProcessed, nil
	case noteTypes[typ]:
		if util.HostOf(stringField(obj, "id")) != actor.Domain {
			return OutcomeSkipped, authError(op, "%s may not update objects of another host", actor.ActorURI)
		}
		note, err := p.resolver.UpdateNote(ctx, actor, obj)
		if err != nil {
			return p.settle("Update", err)
		}
		if note == nil {
			return OutcomeSkipped, nil
		}
		return OutcomeProcessed, nil
	}
	return OutcomeSkipped, nil
}

func (p *InboxProcessor) handleDelete(ctx context.Context, actor *domain.RemoteAccount, a Delete) (Outcome, error) {
	uri, err := canonicalURI(a.ObjectID())
	if err != nil {
		return OutcomeSkipped, err
	}
	if uri == actor.ActorURI {
		if err := p.store.DeleteRemoteAccount(ctx, actor.Id); err != nil {
			return OutcomeSkipped, err
		}
		p.resolver.cache.Invalidate(actor.ActorURI)
		p.logger.Info("Inbox: Deleted remote actor", "actor", actor.ActorURI)
		return OutcomeProcessed, nil
	}
	if util.HostOf(uri) != actor.Domain {
		return OutcomeSkipped, nil
	}
	deleted, err := p.store.DeleteRemoteNoteByURI(ctx, uri, actor.Id)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !deleted {
		return OutcomeSkipped, nil
	}
	return OutcomeProcessed, nil
}

// localAccount returns the active local account an IRI names.
func (p *InboxProcessor) localAccount(ctx context.Context, iri string) (*domain.Account, error) {
	username, _, ok := p.links.ParseLocal(iri)
	if !ok || username == "" {
		return nil, nil
	}
	acc, err := p.store.ReadAccByUsername(ctx, username)
	if err != nil || acc == nil {
		return nil, err
	}
	if acc.Suspended {
		return nil, nil
	}
	return acc, nil
}

func (p *InboxProcessor) handleFollow(ctx context.Context, actor *domain.RemoteAccount, a Follow) (Outcome, error) {
	acc, err := p.localAccount(ctx, a.ObjectID())
	if err != nil {
		return OutcomeSkipped, err
	}
	if acc == nil || acc.Username == InstanceActorName {
		return OutcomeSkipped, nil
	}

	existing, err := p.store.ReadFollow(ctx, actor.Id, acc.Id)
	if err != nil {
		return OutcomeSkipped, err
	}
	if existing != nil && existing.URI == a.ID() {
		return OutcomeProcessed, nil
	}
	if existing == nil {
		follow := &domain.Follow{
			Id:              uuid.New(),
			AccountId:       actor.Id,
			TargetAccountId: acc.Id,
			URI:             a.ID(),
			Accepted:        true,
			CreatedAt:       p.now().UTC(),
		}
		if _, err := p.store.CreateFollow(ctx, follow); err != nil {
			return OutcomeSkipped, err
		}
		p.logger.Info("Inbox: New follower", "follower", actor.ActorURI, "account", acc.Username)
	}

	if p.accepter != nil {
		if err := p.accepter.SendAccept(ctx, acc, actor, a.Raw()); err != nil {
			return OutcomeSkipped, err
		}
	}
	return OutcomeProcessed, nil
}

// outgoingFollow finds the follow a local account sent to actor, by the
// Follow's id or by its inline actor.
func (p *InboxProcessor) outgoingFollow(ctx context.Context, actor *domain.RemoteAccount, object any) (*domain.Follow, error) {
	if uri := idOf(object); uri != "" {
		f, err := p.store.ReadFollowByURI(ctx, uri)
		if err != nil || f != nil {
			return f, err
		}
	}
	m, ok := object.(map[string]any)
	if !ok {
		return nil, nil
	}
	acc, err := p.localAccount(ctx, idOf(m["actor"]))
	if err != nil || acc == nil {
		return nil, err
	}
	return p.store.ReadFollow(ctx, acc.Id, actor.Id)
}

func (p *InboxProcessor) handleAccept(ctx context.Context, actor *domain.RemoteAccount, a Accept) (Outcome, error) {
	f, err := p.outgoingFollow(ctx, actor, a.Object())
	if err != nil {
		return OutcomeSkipped, err
	}
	if f == nil {
		return OutcomeSkipped, nil
	}
	if f.TargetAccountId != actor.Id {
		return OutcomeSkipped, authError("InboxProcessor.handleAccept", "%s cannot accept a follow of someone else", actor.ActorURI)
	}
	if f.Accepted {
		return OutcomeProcessed, nil
	}
	if err := p.store.AcceptFollow(ctx, f.Id); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeProcessed, nil
}

func (p *InboxProcessor) handleReject(ctx context.Context, actor *domain.RemoteAccount, a Reject) (Outcome, error) {
	f, err := p.outgoingFollow(ctx, actor, a.Object())
	if err != nil {
		return OutcomeSkipped, err
	}
	if f == nil {
		return OutcomeSkipped, nil
	}
	if f.TargetAccountId != actor.Id {
		return OutcomeSkipped, authError("InboxProcessor.handleReject", "%s cannot reject a follow of someone else", actor.ActorURI)
	}
	if _, err := p.store.DeleteFollow(ctx, f.Id); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeProcessed, nil
}

func (p *InboxProcessor) handleUndo(ctx context.Context, actor *domain.RemoteAccount, a Undo) (Outcome, error) {
	const op = "InboxProcessor.handleUndo"

	uri := a.ObjectID()
	m, inline := a.Object().(map[string]any)
	if inline {
		if inner := idOf(m["actor"]); inner != "" && !sameActor(actor, inner) {
			return OutcomeSkipped, authError(op, "%s cannot undo an activity of %s", actor.ActorURI, inner)
		}
	}

	var changed bool
	var err error
	switch typeOf(m) {
	case "Follow":
		changed, err = p.undoFollow(ctx, actor, uri, idOf(m["object"]))
	case "Like", "EmojiReaction", "EmojiReact":
		_, noteId, _ := p.links.ParseLocal(idOf(m["object"]))
		changed, err = p.store.DeleteLike(ctx, actor.Id, uri, noteId)
	case "Announce":
		changed, err = p.store.DeleteAnnounce(ctx, actor.Id, uri)
	case "Block":
		var acc *domain.Account
		if acc, err = p.localAccount(ctx, idOf(m["object"])); err == nil && acc != nil {
			changed, err = p.store.DeleteBlock(ctx, actor.Id, acc.Id)
		}
	case "":
		// Bare reference: the kind of the undone activity is unknown.
		if changed, err = p.undoFollow(ctx, actor, uri, ""); err == nil && !changed {
			if changed, err = p.store.DeleteLike(ctx, actor.Id, uri, uuid.Nil); err == nil && !changed {
				changed, err = p.store.DeleteAnnounce(ctx, actor.Id, uri)
			}
		}
	}
	if err != nil {
		return OutcomeSkipped, err
	}
	if !changed {
		return OutcomeSkipped, nil
	}
	return OutcomeProcessed, nil
}

func (p *InboxProcessor) undoFollow(ctx context.Context, actor *domain.RemoteAccount, uri, target string) (bool, error) {
	f, err := p.store.ReadFollowByURI(ctx, uri)
	if err != nil {
		return false, err
	}
	if f == nil && target != "" {
		acc, err := p.localAccount(ctx, target)
		if err != nil || acc == nil {
			return false, err
		}
		if f, err = p.store.ReadFollow(ctx, actor.Id, acc.Id); err != nil {
			return false, err
		}
	}
	if f == nil || f.AccountId != actor.Id {
		return false, nil
	}
	return p.store.DeleteFollow(ctx, f.Id)
}

func (p *InboxProcessor) handleAnnounce(ctx context.Context, actor *domain.RemoteAccount, a Announce) (Outcome, error) {
	const op = "InboxProcessor.handleAnnounce"

	rec, err := p.resolver.Resolve(ctx, a.ObjectID())
	if err != nil {
		if IsKind(err, KindBlocked) {
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}
	var objectURI string
	switch o := rec.(type) {
	case *domain.RemoteNote:
		objectURI = o.ObjectURI
	case *domain.Note:
		objectURI = p.links.Note(o.Id)
	default:
		return OutcomeSkipped, validationError(op, "announced object %s is not a post", a.ObjectID())
	}

	announce := &domain.Announce{
		Id:        uuid.New(),
		AccountId: actor.Id,
		ObjectURI: objectURI,
		URI:       a.ID(),
		CreatedAt: p.now().UTC(),
	}
	if _, err := p.store.CreateAnnounce(ctx, announce); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeProcessed, nil
}

func (p *InboxProcessor) handleLike(ctx context.Context, actor *domain.RemoteAccount, a Like) (Outcome, error) {
	_, noteId, ok := p.links.ParseLocal(a.ObjectID())
	if !ok || noteId == uuid.Nil {
		return OutcomeSkipped, nil
	}
	note, err := p.store.ReadNoteById(ctx, noteId)
	if err != nil {
		return OutcomeSkipped, err
	}
	if note == nil {
		return OutcomeSkipped, nil
	}
	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: actor.Id,
		NoteId:    note.Id,
		URI:       a.ID(),
		Reaction:  util.Truncate(a.Reaction, 64),
		CreatedAt: p.now().UTC(),
	}
	if _, err := p.store.CreateLike(ctx, like); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeProcessed, nil
}

func (p *InboxProcessor) handlePin(ctx context.Context, actor *domain.RemoteAccount, object, target string, pinned bool) (Outcome, error) {
	const op = "InboxProcessor.handlePin"

	if actor.FeaturedURI == "" {
		return OutcomeSkipped, nil
	}
	if t, err := canonicalURI(target); err != nil || t != actor.FeaturedURI {
		return OutcomeSkipped, nil
	}

	var note *domain.RemoteNote
	var err error
	if pinned {
		note, err = p.resolver.ResolveNote(ctx, object, nil)
		if err != nil {
			return p.settle("Add", err)
		}
	} else {
		uri, err := canonicalURI(object)
		if err != nil {
			return OutcomeSkipped, err
		}
		if note, err = p.store.ReadRemoteNoteByURI(ctx, uri); err != nil {
			return OutcomeSkipped, err
		}
		if note == nil {
			return OutcomeSkipped, nil
		}
	}
	if note.RemoteAccountId != actor.Id {
		return OutcomeSkipped, authError(op, "%s cannot pin a post of someone else", actor.ActorURI)
	}
	if err := p.store.SetRemotePin(ctx, actor.Id, note.Id, pinned); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeProcessed, nil
}

func (p *InboxProcessor) handleBlock(ctx context.Context, actor *domain.RemoteAccount, a Block) (Outcome, error) {
	acc, err := p.localAccount(ctx, a.ObjectID())
	if err != nil {
		return OutcomeSkipped, err
	}
	if acc == nil {
		return OutcomeSkipped, nil
	}
	block := &domain.Block{
		Id:              uuid.New(),
		AccountId:       actor.Id,
		TargetAccountId: acc.Id,
		URI:             a.ID(),
		CreatedAt:       p.now().UTC(),
	}
	if _, err := p.store.CreateBlock(ctx, block); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeProcessed, nil
}

// handleFlag stores a report about a local account. The reported account is
// named directly or is the author of a reported local note.
func (p *InboxProcessor) handleFlag(ctx context.Context, actor *domain.RemoteAccount, a Flag) (Outcome, error) {
	var target *domain.Account
	for _, obj := range a.Objects {
		username, noteId, ok := p.links.ParseLocal(obj)
		if !ok {
			continue
		}
		var err error
		if username != "" {
			target, err = p.localAccount(ctx, obj)
		} else {
			var note *domain.Note
			if note, err = p.store.ReadNoteById(ctx, noteId); err == nil && note != nil {
				target, err = p.store.ReadAccById(ctx, note.UserId)
			}
		}
		if err != nil {
			return OutcomeSkipped, err
		}
		if target != nil {
			break
		}
	}
	if target == nil {
		return OutcomeSkipped, nil
	}

	report := &domain.Report{
		Id:              uuid.New(),
		ReporterId:      actor.Id,
		TargetAccountId: target.Id,
		URI:             a.ID(),
		Comment:         util.Truncate(a.Content, maxSummaryLength),
		ObjectURIs:      a.Objects,
		CreatedAt:       p.now().UTC(),
	}
	if _, err := p.store.CreateReport(ctx, report); err != nil {
		return OutcomeSkipped, err
	}
	p.logger.Info("Inbox: Received report", "reporter", actor.ActorURI, "account", target.Username)
	return OutcomeProcessed, nil
}

// handleCollection processes every item on its own, in document order. Items
// must come from the collection's actor; referenced items are fetched from the
// actor's host only. A temporary failure of any item fails the collection
// after all items were tried, since every handler is idempotent.
func (p *InboxProcessor) handleCollection(ctx context.Context, actor *domain.RemoteAccount, a Collection, depth int) (Outcome, error) {
	if depth >= maxCollectionDepth {
		return OutcomeSkipped, validationError("InboxProcessor.handleCollection", "collections nested deeper than %d", maxCollectionDepth)
	}

	var retry error
	outcome := OutcomeSkipped
	for i, item := range a.Items {
		raw, ok := item.(map[string]any)
		if ref, isRef := item.(string); isRef {
			if util.HostOf(ref) != actor.Domain {
				p.logger.Debug("Inbox: Skipping foreign collection item", "item", ref)
				continue
			}
			doc, err := p.resolver.FetchObject(ctx, ref)
			if err != nil {
				p.logger.Warn("Inbox: Collection item unavailable", "item", ref, "err", err)
				if IsRetryable(err) && retry == nil {
					retry = err
				}
				continue
			}
			raw, ok = doc, true
		}
		if !ok {
			continue
		}
		if id := idOf(raw); id != "" && util.HostOf(id) != actor.Domain {
			p.logger.Debug("Inbox: Skipping foreign collection item", "item", id)
			continue
		}
		if typ := typeOf(raw); typ != "Collection" && typ != "OrderedCollection" && !sameActor(actor, idOf(raw["actor"])) {
			p.logger.Debug("Inbox: Skipping collection item of another actor", "index", i)
			continue
		}

		sub, err := ParseActivity(raw)
		if err != nil {
			p.logger.Debug("Inbox: Invalid collection item", "index", i, "err", err)
			continue
		}
		res, err := p.dispatch(ctx, actor, sub, depth+1)
		if err != nil {
			p.logger.Warn("Inbox: Collection item failed", "index", i, "err", err)
			if IsRetryable(err) && retry == nil {
				retry = err
			}
			continue
		}
		if res == OutcomeProcessed {
			outcome = OutcomeProcessed
		}
	}
	if retry != nil {
		return OutcomeSkipped, retry
	}
	return outcome, nil
}
