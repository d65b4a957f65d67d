package activitypub

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/util"
)

// HostPolicy decides which remote hosts the engine refuses to talk to.
type HostPolicy interface {
	// IsHostBlocked reports whether anything from host must be ignored.
	IsHostBlocked(ctx context.Context, host string) bool
	// SkippedHosts returns the subset of hosts that must not receive
	// deliveries: blocked, suspended or dead.
	SkippedHosts(ctx context.Context, hosts []string) ([]string, error)
}

// Policy combines the configured block list with suspension and liveness
// data from the instance table.
type Policy struct {
	blocked   []string
	instances InstanceStore
	deadAfter time.Duration
	now       func() time.Time
	logger    *log.Logger
}

// NewPolicy builds a host policy. Blocked entries also match their subdomains.
func NewPolicy(blocked []string, instances InstanceStore, deadAfter time.Duration, logger *log.Logger) *Policy {
	normalized := make([]string, 0, len(blocked))
	for _, b := range blocked {
		if h := util.NormalizeHost(strings.TrimSpace(b)); h != "" {
			normalized = append(normalized, h)
		}
	}
	return &Policy{
		blocked:   normalized,
		instances: instances,
		deadAfter: deadAfter,
		now:       time.Now,
		logger:    logger,
	}
}

func (p *Policy) listed(host string) bool {
	for _, b := range p.blocked {
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}

func (p *Policy) IsHostBlocked(ctx context.Context, host string) bool {
	host = util.NormalizeHost(host)
	if host == "" {
		return true
	}
	if p.listed(host) {
		return true
	}
	inst, err := p.instances.ReadInstance(ctx, host)
	if err != nil {
		p.logger.Warn("Failed to read instance", "host", host, "err", err)
		return false
	}
	return inst != nil && inst.IsSuspended
}

// SkippedHosts answers for all hosts with a single instance query.
func (p *Policy) SkippedHosts(ctx context.Context, hosts []string) ([]string, error) {
	skipped := make(map[string]bool)
	for _, h := range hosts {
		if p.listed(util.NormalizeHost(h)) {
			skipped[h] = true
		}
	}

	instances, err := p.instances.ReadInstances(ctx, hosts)
	if err != nil {
		return nil, err
	}
	now := p.now()
	for _, inst := range instances {
		switch {
		case inst.IsSuspended:
			skipped[inst.Host] = true
		case inst.LatestStatus == http.StatusGone:
			skipped[inst.Host] = true
		case p.deadAfter > 0 && !inst.LastCommunicatedAt.IsZero() && now.Sub(inst.LastCommunicatedAt) > p.deadAfter:
			skipped[inst.Host] = true
		}
	}

	result := make([]string, 0, len(skipped))
	for _, h := range hosts {
		if skipped[h] {
			result = append(result, h)
			delete(skipped, h)
		}
	}
	return result, nil
}
