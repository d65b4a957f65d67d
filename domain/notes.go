package domain

import (
	"time"

	"github.com/google/uuid"
)

// Visibility controls who a note is addressed to and therefore which delivery
// recipes it is sent with.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityHome      Visibility = "home"
	VisibilityFollowers Visibility = "followers"
	VisibilitySpecified Visibility = "specified"
)

// Note is a post authored by a local account.
type Note struct {
	Id             uuid.UUID
	UserId         uuid.UUID
	CreatedBy      string
	Message        string
	CreatedAt      time.Time
	EditedAt       *time.Time
	Visibility     Visibility
	InReplyToURI   string
	Sensitive      bool
	ContentWarning string
}

func (note *Note) RecordID() uuid.UUID {
	return note.Id
}

// RemoteNote is the local copy of a post that lives on another server.
type RemoteNote struct {
	Id              uuid.UUID
	ObjectURI       string
	RemoteAccountId uuid.UUID
	AuthorURI       string
	Content         string
	Summary         string
	Sensitive       bool
	InReplyToURI    string
	QuoteURI        string
	Visibility      Visibility
	PublishedAt     time.Time
	UpdatedAt       *time.Time
	CreatedAt       time.Time
}

func (n *RemoteNote) RecordID() uuid.UUID {
	return n.Id
}
