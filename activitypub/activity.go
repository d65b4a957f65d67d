package activitypub

import (
	"net/url"
	"strings"
)

// maxActivityIDLength bounds activity ids accepted from remote servers.
const maxActivityIDLength = 2048

// Activity is one received activity, validated once by ParseActivity. The set
// of implementations is closed; handlers switch over the concrete types.
type Activity interface {
	ID() string
	Actor() string
	Raw() map[string]any
	activity()
}

type base struct {
	id    string
	actor string
	raw   map[string]any
}

func (b base) ID() string          { return b.id }
func (b base) Actor() string       { return b.actor }
func (b base) Raw() map[string]any { return b.raw }
func (base) activity()             {}

// Object returns the activity's object as either a URI string or an inline map.
func (b base) Object() any { return b.raw["object"] }

// ObjectID returns the id of the activity's object, inline or referenced.
func (b base) ObjectID() string { return idOf(b.raw["object"]) }

type (
	Create   struct{ base }
	Update   struct{ base }
	Delete   struct{ base }
	Follow   struct{ base }
	Accept   struct{ base }
	Reject   struct{ base }
	Announce struct{ base }
	Undo     struct{ base }
	Block    struct{ base }
	Read     struct{ base }

	// Add and Remove manage an actor's featured collection.
	Add    struct{ base }
	Remove struct{ base }

	// Like also carries Misskey style emoji reactions.
	Like struct {
		base
		Reaction string
	}

	Flag struct {
		base
		Content string
		Objects []string
	}

	// Collection wraps Collection and OrderedCollection payloads.
	Collection struct {
		base
		Items []any
	}

	// Unsupported is any type the engine does not handle.
	Unsupported struct {
		base
		Type string
	}
)

// Target returns the target collection of Add and Remove.
func (a Add) Target() string    { return idOf(a.raw["target"]) }
func (r Remove) Target() string { return idOf(r.raw["target"]) }

// ParseActivity validates the envelope of a received activity and returns its
// typed form.
func ParseActivity(raw map[string]any) (Activity, error) {
	const op = "ParseActivity"

	typ := typeOf(raw)
	if typ == "" {
		return nil, validationError(op, "activity has no type")
	}

	b := base{raw: raw, actor: idOf(raw["actor"])}
	if id, ok := raw["id"].(string); ok {
		b.id = id
	}

	if typ == "Collection" || typ == "OrderedCollection" {
		items := raw["orderedItems"]
		if items == nil {
			items = raw["items"]
		}
		return Collection{base: b, Items: asList(items)}, nil
	}

	if b.id == "" {
		return nil, validationError(op, "%s activity has no id", typ)
	}
	if len(b.id) > maxActivityIDLength {
		return nil, validationError(op, "activity id longer than %d characters", maxActivityIDLength)
	}
	if !isHTTPURI(b.id) {
		return nil, validationError(op, "activity id %q is not an absolute http(s) URI", b.id)
	}
	if b.actor == "" {
		return nil, validationError(op, "%s activity has no actor", typ)
	}

	switch typ {
	case "Create":
		return Create{b}, nil
	case "Update":
		return Update{b}, nil
	case "Delete":
		return Delete{b}, nil
	case "Follow":
		return Follow{b}, nil
	case "Accept":
		return Accept{b}, nil
	case "Reject":
		return Reject{b}, nil
	case "Announce":
		return Announce{b}, nil
	case "Undo":
		return Undo{b}, nil
	case "Block":
		return Block{b}, nil
	case "Read":
		return Read{b}, nil
	case "Add":
		return Add{b}, nil
	case "Remove":
		return Remove{b}, nil
	case "Like", "EmojiReaction", "EmojiReact":
		reaction, _ := raw["_misskey_reaction"].(string)
		if reaction == "" && typ != "Like" {
			reaction, _ = raw["content"].(string)
		}
		return Like{base: b, Reaction: reaction}, nil
	case "Flag":
		content, _ := raw["content"].(string)
		var objects []string
		for _, o := range asList(raw["object"]) {
			if id := idOf(o); id != "" {
				objects = append(objects, id)
			}
		}
		return Flag{base: b, Content: content, Objects: objects}, nil
	}
	return Unsupported{base: b, Type: typ}, nil
}

// typeOf returns the first type of an object. The type may be a string or an
// array of strings.
func typeOf(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	switch t := m["type"].(type) {
	case string:
		return t
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// idOf returns the id of a reference: the string itself, the id of an inline
// object, or the first resolvable entry of an array.
func idOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if id, ok := t["id"].(string); ok {
			return id
		}
		if href, ok := t["href"].(string); ok {
			return href
		}
	case []any:
		for _, e := range t {
			if id := idOf(e); id != "" {
				return id
			}
		}
	}
	return ""
}

// asList accepts a single value or an array.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	}
	return []any{v}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func isHTTPURI(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "https" || scheme == "http"
}

var actorTypes = map[string]bool{
	"Person": true, "Service": true, "Application": true, "Group": true, "Organization": true,
}

var noteTypes = map[string]bool{
	"Note": true, "Question": true, "Article": true, "Page": true,
}
