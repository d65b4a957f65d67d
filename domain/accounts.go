package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local actor.
type Account struct {
	Id            uuid.UUID
	Username      string
	CreatedAt     time.Time
	WebPublicKey  string
	WebPrivateKey string
	DisplayName   string
	Summary       string
	AvatarURL     string
	Suspended     bool
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tSuspended: %t \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.Suspended, acc.CreatedAt)
}

func (acc *Account) RecordID() uuid.UUID {
	return acc.Id
}

// Record is anything the resolver can hand back for a URI: a local account or
// note, or a cached remote actor or post.
type Record interface {
	RecordID() uuid.UUID
}
