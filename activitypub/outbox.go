package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// Outbox turns local actions into stored state plus queued activities.
type Outbox struct {
	store    Store
	resolver *Resolver
	manager  *DeliverManager
	queue    *Queue
	ld       *LDSigner
	links    Links
	logger   *log.Logger
}

func NewOutbox(store Store, resolver *Resolver, manager *DeliverManager, queue *Queue, ld *LDSigner, links Links, logger *log.Logger) *Outbox {
	return &Outbox{
		store:    store,
		resolver: resolver,
		manager:  manager,
		queue:    queue,
		ld:       ld,
		links:    links,
		logger:   logger,
	}
}

// PublishNote stores a new note of acc and sends a Create to its audience:
// followers and mentions, or only the mentions for specified visibility.
func (o *Outbox) PublishNote(ctx context.Context, acc *domain.Account, note *domain.Note, mentions []*domain.RemoteAccount) error {
	note.UserId = acc.Id
	note.CreatedBy = acc.Username
	if err := o.store.CreateNote(ctx, note); err != nil {
		return fmt.Errorf("failed to store note: %w", err)
	}

	mentionURIs := make([]string, 0, len(mentions))
	for _, m := range mentions {
		mentionURIs = append(mentionURIs, m.ActorURI)
	}
	obj := o.links.NoteObject(note, acc.Username, mentionURIs)
	to, cc := o.links.Audience(note, acc.Username, mentionURIs)
	create := o.links.wrap("Create", o.links.Actor(acc.Username), obj, to, cc)
	create["published"] = obj["published"]

	if note.Visibility == domain.VisibilityPublic && o.ld != nil {
		create = o.ldSign(acc, create)
	}

	var recipes []Recipe
	if note.Visibility != domain.VisibilitySpecified {
		recipes = append(recipes, Followers{})
	}
	for _, m := range mentions {
		recipes = append(recipes, Direct{Target: m})
	}
	o.logger.Info("Outbox: Publishing note", "note", note.Id, "visibility", note.Visibility)
	return o.manager.Deliver(ctx, acc, create, recipes...)
}

// ldSign embeds an LD signature so relays and boosts can forward the
// activity. On failure the unsigned activity is returned.
func (o *Outbox) ldSign(acc *domain.Account, activity map[string]any) map[string]any {
	key, err := ParsePrivateKey(acc.WebPrivateKey)
	if err != nil {
		o.logger.Warn("Outbox: Cannot LD-sign activity", "account", acc.Username, "err", err)
		return activity
	}
	signed, err := o.ld.Sign(activity, key, o.links.Key(acc.Username))
	if err != nil {
		o.logger.Warn("Outbox: Cannot LD-sign activity", "account", acc.Username, "err", err)
		return activity
	}
	return signed
}

// Follow sends a Follow from acc to the remote actor at actorURI. Following
// an actor twice returns the existing relationship.
func (o *Outbox) Follow(ctx context.Context, acc *domain.Account, actorURI string) (*domain.Follow, error) {
	remote, err := o.resolver.ResolvePerson(ctx, actorURI)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve remote actor: %w", err)
	}
	existing, err := o.store.ReadFollow(ctx, acc.Id, remote.Id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	follow := o.links.wrap("Follow", o.links.Actor(acc.Username), remote.ActorURI, nil, nil)
	record := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       acc.Id,
		TargetAccountId: remote.Id,
		URI:             follow["id"].(string),
		Accepted:        false,
		CreatedAt:       time.Now().UTC(),
	}
	if _, err := o.store.CreateFollow(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store follow: %w", err)
	}
	if err := o.manager.DeliverToUser(ctx, acc, follow, remote); err != nil {
		return nil, err
	}
	return record, nil
}

// Unfollow removes the follow of acc on actorURI and sends an Undo.
func (o *Outbox) Unfollow(ctx context.Context, acc *domain.Account, actorURI string) error {
	uri, err := canonicalURI(actorURI)
	if err != nil {
		return err
	}
	remote, err := o.store.ReadRemoteAccountByURI(ctx, uri)
	if err != nil || remote == nil {
		return err
	}
	f, err := o.store.ReadFollow(ctx, acc.Id, remote.Id)
	if err != nil || f == nil {
		return err
	}
	if _, err := o.store.DeleteFollow(ctx, f.Id); err != nil {
		return err
	}

	actor := o.links.Actor(acc.Username)
	undo := o.links.wrap("Undo", actor, map[string]any{
		"id":     f.URI,
		"type":   "Follow",
		"actor":  actor,
		"object": remote.ActorURI,
	}, nil, nil)
	return o.manager.DeliverToUser(ctx, acc, undo, remote)
}

// SendAccept answers a Follow received from follower.
func (o *Outbox) SendAccept(ctx context.Context, acc *domain.Account, follower *domain.RemoteAccount, follow map[string]any) error {
	actor := o.links.Actor(acc.Username)
	accept := o.links.wrap("Accept", actor, map[string]any{
		"id":     idOf(follow),
		"type":   "Follow",
		"actor":  follower.ActorURI,
		"object": actor,
	}, nil, nil)
	return o.manager.DeliverToUser(ctx, acc, accept, follower)
}

// DeleteNote removes a note of acc and tells its followers.
func (o *Outbox) DeleteNote(ctx context.Context, acc *domain.Account, noteId uuid.UUID) error {
	note, err := o.store.ReadNoteById(ctx, noteId)
	if err != nil {
		return err
	}
	if note == nil || note.UserId != acc.Id {
		return newError(KindNotFound, "Outbox.DeleteNote", "no such note of "+acc.Username, nil)
	}
	if err := o.store.DeleteNote(ctx, noteId); err != nil {
		return err
	}

	del := o.links.wrap("Delete", o.links.Actor(acc.Username), map[string]any{
		"id":   o.links.Note(noteId),
		"type": "Tombstone",
	}, []any{publicCollection}, []any{o.links.Followers(acc.Username)})
	return o.manager.DeliverToFollowers(ctx, acc, del)
}

// UpdateProfile stores profile changes of acc and announces them to every
// known server.
func (o *Outbox) UpdateProfile(ctx context.Context, acc *domain.Account) error {
	if err := o.store.UpdateAccountProfile(ctx, acc); err != nil {
		return err
	}
	doc := o.links.ActorDocument(acc)
	delete(doc, "@context")
	update := o.links.wrap("Update", o.links.Actor(acc.Username), doc, []any{publicCollection}, nil)
	return o.manager.Deliver(ctx, acc, update, Everyone{}, Followers{})
}

// DeleteAccount suspends acc and queues a Delete of the actor to every known
// server. The account's data is purged once the last of those deliveries has
// finished, successfully or not.
func (o *Outbox) DeleteAccount(ctx context.Context, acc *domain.Account) (*domain.Deletion, error) {
	actor := o.links.Actor(acc.Username)
	del := o.links.wrap("Delete", actor, actor, []any{publicCollection}, nil)
	if o.ld != nil {
		del = o.ldSign(acc, del)
	}

	inboxes, err := o.manager.Build(ctx, acc, []Recipe{Everyone{}, Followers{}})
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(del)
	if err != nil {
		return nil, err
	}
	deletion, err := o.store.StartAccountDeletion(ctx, acc.Id, o.queue.DeliveryJobs(acc, payload, inboxes))
	if err != nil {
		return nil, err
	}
	o.queue.WakeDeliver()
	o.logger.Info("Outbox: Account deletion started", "account", acc.Username, "deliveries", len(inboxes))
	return deletion, nil
}
