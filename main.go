package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/deemkeen/stegofed/web"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("Failed to read config", "err", err)
	}
	logger := conf.NewLogger("stegofed")
	logger.Info("Starting " + util.GetNameAndVersion())
	logger.Debug("Configuration: \n" + util.PrettyPrint(conf))

	if err := run(conf, logger); err != nil {
		logger.Fatal("Server stopped", "err", err)
	}
}

func run(conf *util.AppConfig, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database := db.GetDB(conf)
	defer database.Close()

	logger.Info("Running database migrations...")
	if err := database.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	instanceActor, err := ensureInstanceActor(ctx, database)
	if err != nil {
		return fmt.Errorf("instance actor: %w", err)
	}
	logger.Debug("Instance actor ready" + instanceActor.ToString())

	links := activitypub.Links{Domain: conf.Conf.SslDomain}
	fed := conf.Federation
	client := &http.Client{Timeout: fed.DeliverTimeout}
	userAgent := util.UserAgent(conf.Conf.SslDomain)

	fetcher := activitypub.NewHTTPFetcher(client, userAgent)
	if fed.SignedFetch {
		key, err := activitypub.ParsePrivateKey(instanceActor.WebPrivateKey)
		if err != nil {
			return fmt.Errorf("instance actor key: %w", err)
		}
		fetcher.SignWith(links.Key(instanceActor.Username), key)
	}

	policy := activitypub.NewPolicy(fed.BlockedHosts, database, fed.DeadHostAfter, conf.NewLogger("Policy"))
	cache := activitypub.NewActorCache(fed.ActorCacheTTL, time.Now)
	resolver := activitypub.NewResolver(database, fetcher, policy, cache, links, fed.FanoutLimit, conf.NewLogger("Resolver"))
	tracker := activitypub.NewInstanceTracker(database, fetcher, conf.NewLogger("Instances"))

	ld := activitypub.NewLDSigner(client)
	deliverer := activitypub.NewDeliverer(client, userAgent, links)
	queue := activitypub.NewQueue(database, deliverer, policy, tracker, fed, conf.NewLogger("Queue"))
	manager := activitypub.NewDeliverManager(database, policy, queue, links, conf.NewLogger("Deliver"))
	outbox := activitypub.NewOutbox(database, resolver, manager, queue, ld, links, conf.NewLogger("Outbox"))
	processor := activitypub.NewInboxProcessor(database, resolver, policy, ld, tracker, outbox, links, conf.NewLogger("Inbox"))

	if conf.Conf.WithAp {
		queue.Start(ctx, processor)
		defer queue.Wait()
	} else {
		logger.Warn("Federation workers disabled, deliveries will queue up")
	}

	server := web.NewServer(database, queue, links, conf, conf.NewLogger("HTTP"))
	serveErr := server.Run(ctx)
	stop()

	logger.Info("Waiting for running jobs to finish")
	tracker.Wait()
	return serveErr
}

// ensureInstanceActor creates the account used to sign fetches on behalf of
// the server itself.
func ensureInstanceActor(ctx context.Context, database *db.DB) (*domain.Account, error) {
	acc, err := database.ReadAccByUsername(ctx, activitypub.InstanceActorName)
	if err != nil || acc != nil {
		return acc, err
	}
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, err
	}
	return database.CreateAccount(ctx, activitypub.InstanceActorName, keys)
}
