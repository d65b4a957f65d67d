package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

// Poster sends one signed activity to one inbox.
type Poster interface {
	Post(ctx context.Context, acc *domain.Account, inbox string, body []byte) (int, error)
}

// InboxHandler processes one received activity.
type InboxHandler interface {
	Process(ctx context.Context, sig *Signature, body []byte) (Outcome, error)
}

// Queue stores delivery and inbox jobs in the database and runs them on two
// independent worker pools.
type Queue struct {
	store   Store
	poster  Poster
	policy  HostPolicy
	tracker *InstanceTracker
	conf    util.FederationConf
	logger  *log.Logger
	now     func() time.Time

	handler     InboxHandler
	deliverWake chan struct{}
	inboxWake   chan struct{}
	done        chan struct{}
}

func NewQueue(store Store, poster Poster, policy HostPolicy, tracker *InstanceTracker, conf util.FederationConf, logger *log.Logger) *Queue {
	if conf.DeliverConcurrency < 1 {
		conf.DeliverConcurrency = 1
	}
	if conf.InboxConcurrency < 1 {
		conf.InboxConcurrency = 1
	}
	if conf.DeliverMaxAttempts < 1 {
		conf.DeliverMaxAttempts = 1
	}
	if conf.InboxMaxAttempts < 1 {
		conf.InboxMaxAttempts = 1
	}
	if conf.DeliverTimeout <= 0 {
		conf.DeliverTimeout = 30 * time.Second
	}
	if conf.InboxTimeout <= 0 {
		conf.InboxTimeout = time.Minute
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 5 * time.Second
	}
	return &Queue{
		store:       store,
		poster:      poster,
		policy:      policy,
		tracker:     tracker,
		conf:        conf,
		logger:      logger,
		now:         time.Now,
		deliverWake: make(chan struct{}, 1),
		inboxWake:   make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// DeliveryJobs builds one job per inbox, signed as actor.
func (q *Queue) DeliveryJobs(actor *domain.Account, payload []byte, inboxes []string) []*domain.DeliveryQueueItem {
	items := make([]*domain.DeliveryQueueItem, 0, len(inboxes))
	for _, inbox := range inboxes {
		items = append(items, &domain.DeliveryQueueItem{
			AccountId:    actor.Id,
			InboxURI:     inbox,
			ActivityJSON: string(payload),
			MaxAttempts:  q.conf.DeliverMaxAttempts,
			Timeout:      q.conf.DeliverTimeout,
		})
	}
	return items
}

// EnqueueDeliver stores one delivery job per inbox.
func (q *Queue) EnqueueDeliver(ctx context.Context, actor *domain.Account, payload []byte, inboxes []string) error {
	if len(inboxes) == 0 {
		return nil
	}
	if err := q.store.EnqueueDeliveries(ctx, q.DeliveryJobs(actor, payload, inboxes)); err != nil {
		return err
	}
	q.WakeDeliver()
	return nil
}

// WakeDeliver makes the delivery pool look for due jobs now.
func (q *Queue) WakeDeliver() {
	wake(q.deliverWake)
}

// EnqueueInboxJob stores a received activity with its captured signature.
func (q *Queue) EnqueueInboxJob(ctx context.Context, sig *Signature, body []byte) error {
	sigJSON, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	item := &domain.InboxQueueItem{
		SignatureJSON: string(sigJSON),
		ActivityJSON:  string(body),
		MaxAttempts:   q.conf.InboxMaxAttempts,
		Timeout:       q.conf.InboxTimeout,
	}
	if err := q.store.EnqueueInboxJob(ctx, item); err != nil {
		return err
	}
	wake(q.inboxWake)
	return nil
}

// Start runs both worker pools until ctx is cancelled. Jobs already running
// are allowed to finish.
func (q *Queue) Start(ctx context.Context, handler InboxHandler) {
	q.handler = handler
	q.logger.Info("Starting federation queue", "deliverWorkers", q.conf.DeliverConcurrency, "inboxWorkers", q.conf.InboxConcurrency)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		runPool(ctx, q, pool[domain.DeliveryQueueItem]{
			name:        "deliver",
			concurrency: q.conf.DeliverConcurrency,
			timeout:     q.conf.DeliverTimeout,
			claim:       q.store.ClaimDeliveries,
			run:         q.runDelivery,
			wake:        q.deliverWake,
		})
	}()
	go func() {
		defer wg.Done()
		runPool(ctx, q, pool[domain.InboxQueueItem]{
			name:        "inbox",
			concurrency: q.conf.InboxConcurrency,
			timeout:     q.conf.InboxTimeout,
			claim:       q.store.ClaimInboxJobs,
			run:         q.runInbox,
			wake:        q.inboxWake,
		})
	}()
	go func() {
		defer wg.Done()
		q.watchDepths(ctx)
	}()
	go func() {
		wg.Wait()
		close(q.done)
	}()
}

// Wait blocks until Start's pools have stopped.
func (q *Queue) Wait() {
	<-q.done
}

type pool[T any] struct {
	name        string
	concurrency int
	timeout     time.Duration
	claim       func(ctx context.Context, now, leaseUntil time.Time, limit int) ([]T, error)
	run         func(ctx context.Context, job T)
	wake        <-chan struct{}
}

// runPool claims as many due jobs as there are idle workers, then sleeps until
// a worker frees up, new work is announced or the poll interval passes.
// Claimed jobs are leased for twice their timeout so a crashed process
// releases them again.
func runPool[T any](ctx context.Context, q *Queue, p pool[T]) {
	slots := make(chan struct{}, p.concurrency)
	freed := make(chan struct{}, 1)
	ticker := time.NewTicker(q.conf.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if idle := p.concurrency - len(slots); idle > 0 {
			now := q.now()
			jobs, err := p.claim(ctx, now, now.Add(2*p.timeout+time.Minute), idle)
			if err != nil && ctx.Err() == nil {
				q.logger.Warn("Queue: Failed to claim jobs", "queue", p.name, "err", err)
			}
			for _, job := range jobs {
				slots <- struct{}{}
				wg.Add(1)
				go func() {
					defer func() {
						<-slots
						wg.Done()
						wake(freed)
					}()
					p.run(ctx, job)
				}()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		case <-freed:
		}
	}
}

// jobContext bounds one job by its timeout. Shutdown does not cut a running
// job short.
func jobContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (q *Queue) runDelivery(ctx context.Context, item domain.DeliveryQueueItem) {
	timeout := item.Timeout
	if timeout <= 0 {
		timeout = q.conf.DeliverTimeout
	}
	ctx, cancel := jobContext(ctx, timeout)
	defer cancel()

	host := util.HostOf(item.InboxURI)
	skipped, err := q.policy.SkippedHosts(ctx, []string{host})
	if err != nil {
		q.retryDelivery(ctx, item, err)
		return
	}
	if len(skipped) > 0 {
		q.logger.Debug("DeliveryWorker: Host is skipped, dropping job", "inbox", item.InboxURI)
		q.finishDelivery(ctx, item, "skipped")
		return
	}

	acc, err := q.store.ReadAccById(ctx, item.AccountId)
	if err != nil {
		q.retryDelivery(ctx, item, err)
		return
	}
	if acc == nil {
		q.logger.Warn("DeliveryWorker: Signing account is gone, dropping job", "inbox", item.InboxURI)
		q.finishDelivery(ctx, item, "dropped")
		return
	}

	status, err := q.poster.Post(ctx, acc, item.InboxURI, []byte(item.ActivityJSON))
	if q.tracker != nil {
		q.tracker.Delivered(ctx, host, status, err == nil)
	}

	var fedErr *Error
	switch {
	case err == nil:
		q.logger.Info("DeliveryWorker: Successfully delivered", "inbox", item.InboxURI)
		q.finishDelivery(ctx, item, "delivered")
	case status != 0 && permanentStatus(status):
		q.logger.Info("DeliveryWorker: Inbox refused delivery, dropping job", "inbox", item.InboxURI, "status", status)
		q.finishDelivery(ctx, item, "dropped")
	case errors.As(err, &fedErr) && !IsRetryable(err):
		q.logger.Warn("DeliveryWorker: Undeliverable job", "inbox", item.InboxURI, "err", err)
		q.finishDelivery(ctx, item, "dropped")
	default:
		q.retryDelivery(ctx, item, err)
	}
}

// retryDelivery reschedules a failed job or gives up on it after its last
// attempt.
func (q *Queue) retryDelivery(ctx context.Context, item domain.DeliveryQueueItem, cause error) {
	attempts := item.Attempts + 1
	if attempts >= item.MaxAttempts {
		q.logger.Warn("DeliveryWorker: Giving up on delivery", "inbox", item.InboxURI, "attempts", attempts, "err", cause)
		q.finishDelivery(ctx, item, "dropped")
		return
	}
	delay := apBackoff(attempts)
	q.logger.Info("DeliveryWorker: Delivery failed, will retry", "inbox", item.InboxURI, "attempt", attempts, "in", delay, "err", cause)
	if err := q.store.RescheduleDelivery(ctx, item.Id, attempts, q.now().Add(delay)); err != nil {
		q.logger.Error("DeliveryWorker: Failed to reschedule job", "id", item.Id, "err", err)
		return
	}
	deliveriesCounter.WithLabelValues("retried").Inc()
}

// finishDelivery removes a job for good. Deletion-tagged jobs count down their
// account deletion in the same transaction.
func (q *Queue) finishDelivery(ctx context.Context, item domain.DeliveryQueueItem, result string) {
	finished, err := q.store.CompleteDelivery(ctx, item.Id, item.DeletionId)
	if err != nil {
		q.logger.Error("DeliveryWorker: Failed to complete job", "id", item.Id, "err", err)
		return
	}
	deliveriesCounter.WithLabelValues(result).Inc()
	if finished {
		q.logger.Info("DeliveryWorker: Account deletion completed", "account", item.AccountId)
	}
}

func (q *Queue) runInbox(ctx context.Context, item domain.InboxQueueItem) {
	timeout := item.Timeout
	if timeout <= 0 {
		timeout = q.conf.InboxTimeout
	}
	ctx, cancel := jobContext(ctx, timeout)
	defer cancel()

	var sig Signature
	if err := json.Unmarshal([]byte(item.SignatureJSON), &sig); err != nil {
		q.logger.Warn("InboxWorker: Unreadable signature, dropping job", "id", item.Id, "err", err)
		q.removeInboxJob(ctx, item, "rejected")
		return
	}

	outcome, err := q.handler.Process(ctx, &sig, []byte(item.ActivityJSON))
	switch {
	case err == nil:
		q.removeInboxJob(ctx, item, outcome.String())
	case !IsRetryable(err):
		q.logger.Info("InboxWorker: Activity rejected", "keyId", sig.KeyID, "kind", KindOf(err), "err", err)
		q.removeInboxJob(ctx, item, "rejected")
	case item.Attempts+1 >= item.MaxAttempts:
		q.logger.Warn("InboxWorker: Giving up on activity", "keyId", sig.KeyID, "attempts", item.Attempts+1, "err", err)
		q.removeInboxJob(ctx, item, "dropped")
	default:
		attempts := item.Attempts + 1
		delay := apBackoff(attempts)
		q.logger.Info("InboxWorker: Activity failed, will retry", "keyId", sig.KeyID, "attempt", attempts, "in", delay, "err", err)
		if err := q.store.RescheduleInboxJob(ctx, item.Id, attempts, q.now().Add(delay)); err != nil {
			q.logger.Error("InboxWorker: Failed to reschedule job", "id", item.Id, "err", err)
			return
		}
		inboxCounter.WithLabelValues("retried").Inc()
	}
}

func (q *Queue) removeInboxJob(ctx context.Context, item domain.InboxQueueItem, result string) {
	if err := q.store.DeleteInboxJob(ctx, item.Id); err != nil {
		q.logger.Error("InboxWorker: Failed to delete job", "id", item.Id, "err", err)
		return
	}
	inboxCounter.WithLabelValues(result).Inc()
}

func (q *Queue) watchDepths(ctx context.Context) {
	ticker := time.NewTicker(q.conf.PollInterval)
	defer ticker.Stop()
	for {
		deliveries, inbox, err := q.store.QueueDepths(ctx)
		if err == nil {
			queueDepth.WithLabelValues("deliver").Set(float64(deliveries))
			queueDepth.WithLabelValues("inbox").Set(float64(inbox))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

