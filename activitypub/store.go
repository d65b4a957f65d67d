package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// The engine talks to persistence only through these interfaces; *db.DB
// implements all of them. Read methods return (nil, nil) when nothing matches.

// AccountStore holds local accounts and their notes.
type AccountStore interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
	ReadAccById(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
	CreateNote(ctx context.Context, note *domain.Note) error
	DeleteNote(ctx context.Context, id uuid.UUID) error
	UpdateAccountProfile(ctx context.Context, acc *domain.Account) error
}

// RemoteStore holds resolved remote actors and posts.
type RemoteStore interface {
	ReadRemoteAccountByURI(ctx context.Context, uri string) (*domain.RemoteAccount, error)
	ReadRemoteAccountByKeyId(ctx context.Context, keyId string) (*domain.RemoteAccount, error)
	ReadRemoteAccountById(ctx context.Context, id uuid.UUID) (*domain.RemoteAccount, error)
	CreateRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) error
	UpdateRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) error
	DeleteRemoteAccount(ctx context.Context, id uuid.UUID) error

	ReadRemoteNoteByURI(ctx context.Context, uri string) (*domain.RemoteNote, error)
	CreateRemoteNote(ctx context.Context, note *domain.RemoteNote) error
	UpdateRemoteNote(ctx context.Context, note *domain.RemoteNote) error
	DeleteRemoteNoteByURI(ctx context.Context, uri string, authorId uuid.UUID) (bool, error)
	SetRemotePin(ctx context.Context, accountId, noteId uuid.UUID, pinned bool) error
	ReplaceRemotePins(ctx context.Context, accountId uuid.UUID, noteIds []uuid.UUID) error
}

// RelationStore holds follows, reactions, boosts, blocks and reports.
type RelationStore interface {
	CreateFollow(ctx context.Context, f *domain.Follow) (bool, error)
	ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error)
	ReadFollow(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Follow, error)
	AcceptFollow(ctx context.Context, id uuid.UUID) error
	DeleteFollow(ctx context.Context, id uuid.UUID) (bool, error)

	CreateLike(ctx context.Context, l *domain.Like) (bool, error)
	DeleteLike(ctx context.Context, accountId uuid.UUID, uri string, noteId uuid.UUID) (bool, error)
	CreateAnnounce(ctx context.Context, a *domain.Announce) (bool, error)
	DeleteAnnounce(ctx context.Context, accountId uuid.UUID, uri string) (bool, error)
	CreateBlock(ctx context.Context, b *domain.Block) (bool, error)
	DeleteBlock(ctx context.Context, accountId, targetId uuid.UUID) (bool, error)
	CreateReport(ctx context.Context, r *domain.Report) (bool, error)
}

// InstanceStore tracks federation partners.
type InstanceStore interface {
	ReadInstance(ctx context.Context, host string) (*domain.Instance, error)
	ReadInstances(ctx context.Context, hosts []string) ([]domain.Instance, error)
	RecordInstanceContact(ctx context.Context, host string, at time.Time) error
	RecordDeliveryResult(ctx context.Context, host string, status int, ok bool, at time.Time) error
	UpdateInstanceInfo(ctx context.Context, host, name, version string, at time.Time) error
}

// JobStore persists delivery and inbox jobs.
type JobStore interface {
	EnqueueDeliveries(ctx context.Context, items []*domain.DeliveryQueueItem) error
	ClaimDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	RescheduleDelivery(ctx context.Context, id uuid.UUID, attempts int, next time.Time) error
	CompleteDelivery(ctx context.Context, id uuid.UUID, deletionId *uuid.UUID) (bool, error)
	StartAccountDeletion(ctx context.Context, accountId uuid.UUID, items []*domain.DeliveryQueueItem) (*domain.Deletion, error)

	EnqueueInboxJob(ctx context.Context, item *domain.InboxQueueItem) error
	ClaimInboxJobs(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.InboxQueueItem, error)
	RescheduleInboxJob(ctx context.Context, id uuid.UUID, attempts int, next time.Time) error
	DeleteInboxJob(ctx context.Context, id uuid.UUID) error
	QueueDepths(ctx context.Context) (deliveries, inbox int, err error)
}

// Directory answers recipient queries for the deliver manager.
type Directory interface {
	SharedInboxesOfEveryone(ctx context.Context) ([]string, error)
	FollowerInboxesOf(ctx context.Context, accountId uuid.UUID) ([]domain.FollowerInbox, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	AccountStore
	RemoteStore
	RelationStore
	InstanceStore
	JobStore
	Directory
}
