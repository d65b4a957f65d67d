package activitypub

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

// Recipe selects a group of recipients for one activity. The concrete recipes
// are Everyone, Followers and Direct.
type Recipe interface {
	recipe()
}

// Everyone addresses the shared inbox of every known remote server.
type Everyone struct{}

// Followers addresses the accepted remote followers of the sending account.
type Followers struct{}

// Direct addresses a single remote actor.
type Direct struct {
	Target *domain.RemoteAccount
}

func (Everyone) recipe()  {}
func (Followers) recipe() {}
func (Direct) recipe()    {}

// Enqueuer accepts delivery jobs.
type Enqueuer interface {
	EnqueueDeliver(ctx context.Context, actor *domain.Account, payload []byte, inboxes []string) error
}

// DeliverManager turns recipes into a deduplicated list of inboxes and queues
// one job per inbox.
type DeliverManager struct {
	directory Directory
	policy    HostPolicy
	queue     Enqueuer
	links     Links
	logger    *log.Logger
}

func NewDeliverManager(directory Directory, policy HostPolicy, queue Enqueuer, links Links, logger *log.Logger) *DeliverManager {
	return &DeliverManager{directory: directory, policy: policy, queue: queue, links: links, logger: logger}
}

// inboxSet keeps insertion order so jobs are created deterministically.
type inboxSet struct {
	order []string
	seen  map[string]bool
}

func (s *inboxSet) add(inbox string) {
	if inbox == "" || s.seen[inbox] {
		return
	}
	s.seen[inbox] = true
	s.order = append(s.order, inbox)
}

// Build resolves recipes into the inboxes actor's activity must be posted to.
// Local inboxes and inboxes on skipped hosts are left out.
func (m *DeliverManager) Build(ctx context.Context, actor *domain.Account, recipes []Recipe) ([]string, error) {
	set := &inboxSet{seen: make(map[string]bool)}
	var direct []*domain.RemoteAccount

	for _, r := range recipes {
		switch r := r.(type) {
		case Everyone:
			inboxes, err := m.directory.SharedInboxesOfEveryone(ctx)
			if err != nil {
				return nil, err
			}
			for _, inbox := range inboxes {
				set.add(inbox)
			}
		case Followers:
			followers, err := m.directory.FollowerInboxesOf(ctx, actor.Id)
			if err != nil {
				return nil, err
			}
			for _, f := range followers {
				set.add(f.Target())
			}
		case Direct:
			if r.Target != nil {
				direct = append(direct, r.Target)
			}
		}
	}
	// Direct recipients are covered by a shared inbox that already receives
	// the activity.
	for _, target := range direct {
		if target.SharedInboxURI != "" && set.seen[target.SharedInboxURI] {
			continue
		}
		set.add(target.InboxURI)
	}

	localHost := m.links.Host()
	candidates := make([]string, 0, len(set.order))
	var hosts []string
	seenHost := make(map[string]bool)
	for _, inbox := range set.order {
		host := util.HostOf(inbox)
		if host == "" || host == localHost || !isHTTPURI(inbox) {
			continue
		}
		candidates = append(candidates, inbox)
		if !seenHost[host] {
			seenHost[host] = true
			hosts = append(hosts, host)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	skipped, err := m.policy.SkippedHosts(ctx, hosts)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(skipped))
	for _, h := range skipped {
		skip[h] = true
	}
	inboxes := candidates[:0]
	for _, inbox := range candidates {
		if !skip[util.HostOf(inbox)] {
			inboxes = append(inboxes, inbox)
		}
	}
	return inboxes, nil
}

// Deliver queues activity for every inbox the recipes resolve to.
func (m *DeliverManager) Deliver(ctx context.Context, actor *domain.Account, activity map[string]any, recipes ...Recipe) error {
	inboxes, err := m.Build(ctx, actor, recipes)
	if err != nil {
		return err
	}
	if len(inboxes) == 0 {
		m.logger.Debug("DeliverManager: No recipients", "actor", actor.Username, "type", activity["type"])
		return nil
	}
	payload, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	if err := m.queue.EnqueueDeliver(ctx, actor, payload, inboxes); err != nil {
		return err
	}
	m.logger.Info("DeliverManager: Queued activity", "actor", actor.Username, "type", activity["type"], "inboxes", len(inboxes))
	return nil
}

func (m *DeliverManager) DeliverToFollowers(ctx context.Context, actor *domain.Account, activity map[string]any) error {
	return m.Deliver(ctx, actor, activity, Followers{})
}

func (m *DeliverManager) DeliverToUser(ctx context.Context, actor *domain.Account, activity map[string]any, to *domain.RemoteAccount) error {
	return m.Deliver(ctx, actor, activity, Direct{Target: to})
}

func (m *DeliverManager) DeliverToEveryone(ctx context.Context, actor *domain.Account, activity map[string]any) error {
	return m.Deliver(ctx, actor, activity, Everyone{})
}
