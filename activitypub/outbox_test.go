package activitypub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

const carolURI = "https://other.example/users/carol"

type outboxEnv struct {
	*inboxEnv
	queue  *Queue
	outbox *Outbox
}

func newOutboxEnv(t *testing.T) *outboxEnv {
	t.Helper()
	e := newInboxEnv(t)
	keyCarol, _ := testKeys(t)
	e.fetcher.set(carolURI, actorDoc(carolURI, keyCarol))

	q := newTestQueue(e.store, &fakePoster{}, e.policy, 5)
	manager := NewDeliverManager(e.store, e.policy, q, testLinks, testLogger())
	outbox := NewOutbox(e.store, e.resolver, manager, q, testLDSigner(), testLinks, testLogger())
	e.proc.accepter = outbox
	return &outboxEnv{inboxEnv: e, queue: q, outbox: outbox}
}

type queuedActivity struct {
	inbox    string
	activity map[string]any
}

// drain claims every queued delivery.
func (e *outboxEnv) drain(t *testing.T) []queuedActivity {
	t.Helper()
	var out []queuedActivity
	for _, item := range claimDeliveries(t, e.store, time.Now().Add(time.Hour)) {
		var act map[string]any
		if err := json.Unmarshal([]byte(item.ActivityJSON), &act); err != nil {
			t.Fatalf("Queued payload is not JSON: %v", err)
		}
		out = append(out, queuedActivity{inbox: item.InboxURI, activity: act})
	}
	return out
}

func (e *outboxEnv) follower(t *testing.T) *domain.RemoteAccount {
	t.Helper()
	e.mustProcess(t, newActivity("Follow", "https://remote.example/follows/1", bobURI, testLinks.Actor("alice")), OutcomeProcessed)
	e.drain(t) // the Accept
	bob, _ := e.store.ReadRemoteAccountByURI(context.Background(), bobURI)
	return bob
}

func TestFollowIsAcceptedThroughOutbox(t *testing.T) {
	e := newOutboxEnv(t)
	e.mustProcess(t, newActivity("Follow", "https://remote.example/follows/1", bobURI, testLinks.Actor("alice")), OutcomeProcessed)

	jobs := e.drain(t)
	if len(jobs) != 1 {
		t.Fatalf("Expected one Accept, got %d", len(jobs))
	}
	accept := jobs[0]
	if accept.inbox != bobURI+"/inbox" {
		t.Errorf("Expected Accept to bob's inbox, got %s", accept.inbox)
	}
	if accept.activity["type"] != "Accept" || accept.activity["actor"] != testLinks.Actor("alice") {
		t.Errorf("Unexpected Accept: %v", accept.activity)
	}
	if obj, _ := accept.activity["object"].(map[string]any); obj["id"] != "https://remote.example/follows/1" {
		t.Errorf("Expected Accept of the Follow, got %v", accept.activity["object"])
	}
}

func TestPublishPublicNote(t *testing.T) {
	e := newOutboxEnv(t)
	e.follower(t)

	note := &domain.Note{Message: "hello [world](https://example.com)", Visibility: domain.VisibilityPublic}
	if err := e.outbox.PublishNote(context.Background(), e.alice, note, nil); err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}
	if stored, _ := e.store.ReadNoteById(context.Background(), note.Id); stored == nil {
		t.Fatal("Expected note to be stored")
	}

	jobs := e.drain(t)
	if len(jobs) != 1 || jobs[0].inbox != "https://remote.example/inbox" {
		t.Fatalf("Expected one delivery to the shared inbox, got %+v", jobs)
	}
	create := jobs[0].activity
	if create["type"] != "Create" {
		t.Errorf("Expected Create, got %v", create["type"])
	}
	if _, ok := create["signature"]; !ok {
		t.Error("Expected public Create to carry an LD signature")
	}
	obj := create["object"].(map[string]any)
	if obj["id"] != testLinks.Note(note.Id) || obj["attributedTo"] != testLinks.Actor("alice") {
		t.Errorf("Unexpected object: %v", obj)
	}

	pub, _ := ParsePublicKey(e.alice.WebPublicKey)
	if err := testLDSigner().Verify(create, pub); err != nil {
		t.Errorf("Expected LD signature to verify, got %v", err)
	}
}

func TestPublishDirectNote(t *testing.T) {
	e := newOutboxEnv(t)
	e.follower(t)
	carol, err := e.resolver.ResolvePerson(context.Background(), carolURI)
	if err != nil {
		t.Fatalf("ResolvePerson failed: %v", err)
	}

	note := &domain.Note{Message: "psst", Visibility: domain.VisibilitySpecified}
	if err := e.outbox.PublishNote(context.Background(), e.alice, note, []*domain.RemoteAccount{carol}); err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}

	jobs := e.drain(t)
	if len(jobs) != 1 || jobs[0].inbox != carolURI+"/inbox" {
		t.Fatalf("Expected one delivery to carol only, got %+v", jobs)
	}
	create := jobs[0].activity
	if _, ok := create["signature"]; ok {
		t.Error("Expected direct note not to be LD-signed")
	}
	to, _ := create["to"].([]any)
	if len(to) != 1 || to[0] != carolURI {
		t.Errorf("Expected to=[carol], got %v", create["to"])
	}
	if _, ok := create["cc"]; ok {
		t.Errorf("Expected no cc, got %v", create["cc"])
	}
}

func TestFollowAndUnfollow(t *testing.T) {
	e := newOutboxEnv(t)
	ctx := context.Background()

	f, err := e.outbox.Follow(ctx, e.alice, bobURI)
	if err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	if f.Accepted {
		t.Error("Expected new follow to be pending")
	}
	again, err := e.outbox.Follow(ctx, e.alice, bobURI)
	if err != nil || again.Id != f.Id {
		t.Errorf("Expected the existing follow, got %+v (%v)", again, err)
	}

	jobs := e.drain(t)
	if len(jobs) != 1 || jobs[0].activity["type"] != "Follow" || jobs[0].activity["id"] != f.URI {
		t.Fatalf("Expected one Follow with the stored id, got %+v", jobs)
	}

	// Bob accepts, referencing our Follow id.
	e.mustProcess(t, newActivity("Accept", "https://remote.example/accepts/1", bobURI, f.URI), OutcomeProcessed)
	if stored, _ := e.store.ReadFollowByURI(ctx, f.URI); stored == nil || !stored.Accepted {
		t.Errorf("Expected follow to be accepted, got %+v", stored)
	}

	if err := e.outbox.Unfollow(ctx, e.alice, bobURI); err != nil {
		t.Fatalf("Unfollow failed: %v", err)
	}
	if stored, _ := e.store.ReadFollowByURI(ctx, f.URI); stored != nil {
		t.Error("Expected follow to be removed")
	}
	jobs = e.drain(t)
	if len(jobs) != 1 || jobs[0].activity["type"] != "Undo" {
		t.Fatalf("Expected one Undo, got %+v", jobs)
	}
	if inner, _ := jobs[0].activity["object"].(map[string]any); inner["id"] != f.URI {
		t.Errorf("Expected Undo of the Follow, got %v", jobs[0].activity["object"])
	}
}

func TestDeleteNote(t *testing.T) {
	e := newOutboxEnv(t)
	ctx := context.Background()
	e.follower(t)
	mallory := createLocalAccount(t, e.store, "mallory")

	note := &domain.Note{Message: "oops", Visibility: domain.VisibilityPublic}
	e.outbox.PublishNote(ctx, e.alice, note, nil)
	e.drain(t)

	kindOf(t, e.outbox.DeleteNote(ctx, mallory, note.Id), KindNotFound)
	if err := e.outbox.DeleteNote(ctx, e.alice, note.Id); err != nil {
		t.Fatalf("DeleteNote failed: %v", err)
	}
	if stored, _ := e.store.ReadNoteById(ctx, note.Id); stored != nil {
		t.Error("Expected note to be gone")
	}
	jobs := e.drain(t)
	if len(jobs) != 1 || jobs[0].activity["type"] != "Delete" {
		t.Fatalf("Expected one Delete, got %+v", jobs)
	}
	if obj, _ := jobs[0].activity["object"].(map[string]any); obj["type"] != "Tombstone" {
		t.Errorf("Expected a Tombstone, got %v", jobs[0].activity["object"])
	}
}

func TestUpdateProfileReachesEveryone(t *testing.T) {
	e := newOutboxEnv(t)
	ctx := context.Background()
	e.follower(t)
	if _, err := e.resolver.ResolvePerson(ctx, carolURI); err != nil {
		t.Fatalf("ResolvePerson failed: %v", err)
	}

	e.alice.DisplayName = "Alice A."
	if err := e.outbox.UpdateProfile(ctx, e.alice); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	jobs := e.drain(t)
	inboxes := map[string]bool{}
	for _, j := range jobs {
		inboxes[j.inbox] = true
		if obj, _ := j.activity["object"].(map[string]any); obj["name"] != "Alice A." {
			t.Errorf("Expected updated actor, got %v", j.activity["object"])
		}
	}
	if len(jobs) != 2 || !inboxes["https://remote.example/inbox"] || !inboxes["https://other.example/inbox"] {
		t.Errorf("Expected one Update per server, got %v", inboxes)
	}
}

func TestDeleteAccount(t *testing.T) {
	e := newOutboxEnv(t)
	ctx := context.Background()
	e.follower(t)

	deletion, err := e.outbox.DeleteAccount(ctx, e.alice)
	if err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if deletion.Pending != 1 || deletion.DoneAt != nil {
		t.Errorf("Expected one pending delivery, got %+v", deletion)
	}
	acc, _ := e.store.ReadAccById(ctx, e.alice.Id)
	if acc == nil || !acc.Suspended {
		t.Errorf("Expected account to be suspended, got %+v", acc)
	}

	// A suspended account takes no new followers.
	e.mustProcess(t, newActivity("Follow", "https://remote.example/follows/2", bobURI, testLinks.Actor("alice")), OutcomeSkipped)

	jobs := e.drain(t)
	if len(jobs) != 1 || jobs[0].activity["type"] != "Delete" || jobs[0].activity["object"] != testLinks.Actor("alice") {
		t.Fatalf("Expected one Delete of the actor, got %+v", jobs)
	}
}
