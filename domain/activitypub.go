package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount represents a cached federated user
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	ActorType      string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	FeaturedURI    string
	PublicKeyId    string
	PublicKeyPem   string
	AvatarURL      string
	BannerURL      string
	LastFetchedAt  time.Time
}

func (ra *RemoteAccount) RecordID() uuid.UUID {
	return ra.Id
}

// DeliveryInbox is where activities for this actor should go, preferring the
// shared inbox of its server.
func (ra *RemoteAccount) DeliveryInbox() string {
	if ra.SharedInboxURI != "" {
		return ra.SharedInboxURI
	}
	return ra.InboxURI
}

// Follow represents a follow relationship
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // Can be local or remote account
	TargetAccountId uuid.UUID // Can be local or remote account
	URI             string    // ActivityPub Follow activity URI
	CreatedAt       time.Time
	Accepted        bool
}

// Like represents a like or emoji reaction on a local note
type Like struct {
	Id        uuid.UUID
	AccountId uuid.UUID // Remote account that reacted
	NoteId    uuid.UUID // Local note
	URI       string    // ActivityPub Like activity URI
	Reaction  string    // Empty for plain likes
	CreatedAt time.Time
}

// Announce is a boost of a note by a remote account.
type Announce struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	ObjectURI string
	URI       string
	CreatedAt time.Time
}

// Block records that a remote account blocked a local one.
type Block struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	URI             string
	CreatedAt       time.Time
}

// Report is a Flag received from a remote server.
type Report struct {
	Id              uuid.UUID
	ReporterId      uuid.UUID
	TargetAccountId uuid.UUID
	URI             string
	Comment         string
	ObjectURIs      []string
	CreatedAt       time.Time
}

// Instance is a remote server we have talked to.
type Instance struct {
	Host               string
	IsSuspended        bool
	LatestStatus       int
	LastCommunicatedAt time.Time
	IsNotResponding    bool
	SoftwareName       string
	SoftwareVersion    string
	InfoUpdatedAt      *time.Time
}

// DeliveryQueueItem is an outgoing activity for one inbox.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	AccountId    uuid.UUID // Local account the request is signed as
	InboxURI     string
	ActivityJSON string // The complete activity to deliver
	Attempts     int
	MaxAttempts  int
	Timeout      time.Duration
	DeletionId   *uuid.UUID
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

// InboxQueueItem is a received activity waiting to be verified and processed.
type InboxQueueItem struct {
	Id            uuid.UUID
	SignatureJSON string
	ActivityJSON  string
	Attempts      int
	MaxAttempts   int
	Timeout       time.Duration
	NextRetryAt   time.Time
	CreatedAt     time.Time
}

// Deletion tracks an account deletion until every Delete has been delivered or
// given up on.
type Deletion struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	Pending   int
	CreatedAt time.Time
	DoneAt    *time.Time
}

// FollowerInbox is the delivery address of one accepted follower.
type FollowerInbox struct {
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
}

// Target returns the shared inbox when the follower advertises one.
func (f FollowerInbox) Target() string {
	if f.SharedInboxURI != "" {
		return f.SharedInboxURI
	}
	return f.InboxURI
}
