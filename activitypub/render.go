package activitypub

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

const (
	activityStreamsContext = "https://www.w3.org/ns/activitystreams"
	securityContext        = "https://w3id.org/security/v1"
	publicCollection       = "https://www.w3.org/ns/activitystreams#Public"

	// InstanceActorName is the local account used for signed fetches.
	InstanceActorName = "instance.actor"
)

type action uint

const (
	actorIRI action = iota
	keyIRI
	inboxIRI
	outboxIRI
	followersIRI
	followingIRI
	featuredIRI
)

// Links builds the IRIs of local objects.
type Links struct {
	Domain string
}

func (l Links) Base() string {
	return "https://" + l.Domain
}

// Host is the normalized local host.
func (l Links) Host() string {
	return util.NormalizeHost(l.Domain)
}

func (l Links) user(username string, a action) string {
	prefix := fmt.Sprintf("%s/users/%s", l.Base(), username)
	switch a {
	case keyIRI:
		return prefix + "#main-key"
	case inboxIRI:
		return prefix + "/inbox"
	case outboxIRI:
		return prefix + "/outbox"
	case followersIRI:
		return prefix + "/followers"
	case followingIRI:
		return prefix + "/following"
	case featuredIRI:
		return prefix + "/collections/featured"
	}
	return prefix
}

func (l Links) Actor(username string) string     { return l.user(username, actorIRI) }
func (l Links) Key(username string) string       { return l.user(username, keyIRI) }
func (l Links) Inbox(username string) string     { return l.user(username, inboxIRI) }
func (l Links) Outbox(username string) string    { return l.user(username, outboxIRI) }
func (l Links) Followers(username string) string { return l.user(username, followersIRI) }
func (l Links) Following(username string) string { return l.user(username, followingIRI) }
func (l Links) Featured(username string) string  { return l.user(username, featuredIRI) }
func (l Links) SharedInbox() string              { return l.Base() + "/inbox" }

func (l Links) Note(id uuid.UUID) string {
	return fmt.Sprintf("%s/notes/%s", l.Base(), id)
}

// Activity returns a fresh IRI for an activity we emit.
func (l Links) Activity() string {
	return fmt.Sprintf("%s/activities/%s", l.Base(), uuid.New())
}

// ParseLocal splits a local IRI into the username or note id it names.
func (l Links) ParseLocal(iri string) (username string, noteId uuid.UUID, ok bool) {
	u, err := url.Parse(iri)
	if err != nil || util.NormalizeHost(u.Host) != l.Host() {
		return "", uuid.Nil, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 {
		return "", uuid.Nil, false
	}
	switch parts[0] {
	case "users":
		return parts[1], uuid.Nil, true
	case "notes":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return "", uuid.Nil, false
		}
		return "", id, true
	}
	return "", uuid.Nil, false
}

// ActorDocument renders a local account as an ActivityPub actor.
func (l Links) ActorDocument(acc *domain.Account) map[string]any {
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}
	actorType := "Person"
	if acc.Username == InstanceActorName {
		actorType = "Application"
	}

	doc := map[string]any{
		"@context":                  []any{activityStreamsContext, securityContext},
		"id":                        l.Actor(acc.Username),
		"type":                      actorType,
		"preferredUsername":         acc.Username,
		"name":                      displayName,
		"summary":                   util.MarkdownLinksToHTML(acc.Summary),
		"inbox":                     l.Inbox(acc.Username),
		"outbox":                    l.Outbox(acc.Username),
		"followers":                 l.Followers(acc.Username),
		"following":                 l.Following(acc.Username),
		"featured":                  l.Featured(acc.Username),
		"url":                       l.Actor(acc.Username),
		"manuallyApprovesFollowers": false,
		"discoverable":              actorType == "Person",
		"published":                 acc.CreatedAt.UTC().Format(time.RFC3339),
		"endpoints": map[string]any{
			"sharedInbox": l.SharedInbox(),
		},
		"publicKey": map[string]any{
			"id":           l.Key(acc.Username),
			"owner":        l.Actor(acc.Username),
			"publicKeyPem": acc.WebPublicKey,
		},
	}
	if acc.AvatarURL != "" {
		doc["icon"] = map[string]any{"type": "Image", "url": acc.AvatarURL}
	}
	return doc
}

// Audience returns the to and cc addressing of a note.
func (l Links) Audience(note *domain.Note, author string, mentions []string) (to, cc []any) {
	followers := l.Followers(author)
	switch note.Visibility {
	case domain.VisibilityHome:
		to = []any{followers}
		cc = []any{publicCollection}
	case domain.VisibilityFollowers:
		to = []any{followers}
	case domain.VisibilitySpecified:
		to = []any{}
		for _, m := range mentions {
			to = append(to, m)
		}
		return to, nil
	default:
		to = []any{publicCollection}
		cc = []any{followers}
	}
	for _, m := range mentions {
		cc = append(cc, m)
	}
	return to, cc
}

// NoteObject renders a local note.
func (l Links) NoteObject(note *domain.Note, author string, mentions []string) map[string]any {
	to, cc := l.Audience(note, author, mentions)
	obj := map[string]any{
		"id":           l.Note(note.Id),
		"type":         "Note",
		"attributedTo": l.Actor(author),
		"content":      util.MarkdownLinksToHTML(note.Message),
		"published":    note.CreatedAt.UTC().Format(time.RFC3339),
		"url":          l.Note(note.Id),
		"to":           to,
		"sensitive":    note.Sensitive,
	}
	if cc != nil {
		obj["cc"] = cc
	}
	if note.ContentWarning != "" {
		obj["summary"] = note.ContentWarning
	}
	if note.InReplyToURI != "" {
		obj["inReplyTo"] = note.InReplyToURI
	}
	if note.EditedAt != nil {
		obj["updated"] = note.EditedAt.UTC().Format(time.RFC3339)
	}
	return obj
}

// CreateOf renders the Create that published note, as an outbox lists it.
func (l Links) CreateOf(note *domain.Note, author string) map[string]any {
	obj := l.NoteObject(note, author, nil)
	to, cc := l.Audience(note, author, nil)
	act := l.wrap("Create", l.Actor(author), obj, to, cc)
	delete(act, "@context")
	act["id"] = l.Note(note.Id) + "/activity"
	act["published"] = obj["published"]
	return act
}

// wrap builds an activity envelope around object.
func (l Links) wrap(typ, actor string, object any, to, cc []any) map[string]any {
	act := map[string]any{
		"@context": []any{activityStreamsContext, securityContext},
		"id":       l.Activity(),
		"type":     typ,
		"actor":    actor,
		"object":   object,
	}
	if to != nil {
		act["to"] = to
	}
	if cc != nil {
		act["cc"] = cc
	}
	return act
}

// visibilityOf derives the visibility of a remote post from its addressing.
func visibilityOf(obj map[string]any, followersURI string) domain.Visibility {
	to := asList(obj["to"])
	cc := asList(obj["cc"])
	contains := func(list []any, want string) bool {
		for _, v := range list {
			if s := idOf(v); s == want || (want == publicCollection && (s == "Public" || s == "as:Public")) {
				return true
			}
		}
		return false
	}
	switch {
	case contains(to, publicCollection):
		return domain.VisibilityPublic
	case contains(cc, publicCollection):
		return domain.VisibilityHome
	case followersURI != "" && (contains(to, followersURI) || contains(cc, followersURI)):
		return domain.VisibilityFollowers
	}
	return domain.VisibilitySpecified
}
