package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	activityJSON = "application/activity+json"

	// Max 1MB request body size for ActivityPub activities
	maxActivityBytes = 1 * 1024 * 1024

	// Per client IP. Inbox deliveries count against both limits.
	globalRate  = rate.Limit(10)
	globalBurst = 20
	inboxRate   = rate.Limit(5)
	inboxBurst  = 10
)

// Store is what the HTTP boundary reads.
type Store interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
	ReadActiveAccounts(ctx context.Context) ([]domain.Account, error)
	ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
	ReadPublicNotesByUserId(ctx context.Context, userId uuid.UUID, limit, offset int) ([]domain.Note, error)
	CountPublicNotesByUserId(ctx context.Context, userId uuid.UUID) (int, error)
	CountFollowers(ctx context.Context, accountId uuid.UUID) (int, error)
	CountFollowing(ctx context.Context, accountId uuid.UUID) (int, error)
}

// InboxQueue accepts verified-looking deliveries for asynchronous processing.
type InboxQueue interface {
	EnqueueInboxJob(ctx context.Context, sig *activitypub.Signature, body []byte) error
}

// Server serves the federation endpoints.
type Server struct {
	store  Store
	queue  InboxQueue
	links  activitypub.Links
	conf   *util.AppConfig
	logger *log.Logger
	now    func() time.Time

	globalLimiter *RateLimiter
	apLimiter     *RateLimiter
}

func NewServer(store Store, queue InboxQueue, links activitypub.Links, conf *util.AppConfig, logger *log.Logger) *Server {
	return &Server{
		store:  store,
		queue:  queue,
		links:  links,
		conf:   conf,
		logger: logger,
		now:    time.Now,
		globalLimiter: NewRateLimiter(globalRate, globalBurst),
		apLimiter:     NewRateLimiter(inboxRate, inboxBurst),
	}
}

// Handler builds the gin engine.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), s.requestLogger())
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(s.globalLimiter))

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/.well-known/nodeinfo", s.handleNodeinfoLinks)
	g.GET("/nodeinfo/2.0", s.handleNodeinfo)
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g.GET("/users/:actor", s.handleActor)
	g.GET("/users/:actor/outbox", s.handleOutbox)
	g.GET("/users/:actor/followers", s.handleFollowers)
	g.GET("/users/:actor/following", s.handleFollowing)
	g.GET("/users/:actor/collections/featured", s.handleFeatured)
	g.GET("/notes/:id", s.handleNote)

	inbox := g.Group("/", RateLimitMiddleware(s.apLimiter), MaxBytesMiddleware(maxActivityBytes))
	inbox.POST("/inbox", s.handleSharedInbox)
	inbox.POST("/users/:actor/inbox", s.handleUserInbox)

	return g
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "took", time.Since(start))
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.globalLimiter.Run(ctx)
	go s.apLimiter.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting federation server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) activity(c *gin.Context, status int, doc any) {
	c.Header("Content-Type", activityJSON+"; charset=utf-8")
	c.JSON(status, doc)
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}

// account looks up the :actor path parameter. It writes the error response
// itself and returns nil when the request cannot continue.
func (s *Server) account(c *gin.Context) *domain.Account {
	acc, err := s.store.ReadAccByUsername(c.Request.Context(), c.Param("actor"))
	if err != nil {
		s.logger.Error("Failed to read account", "actor", c.Param("actor"), "err", err)
		c.Status(http.StatusInternalServerError)
		return nil
	}
	if acc == nil {
		notFound(c)
		return nil
	}
	if acc.Suspended {
		c.JSON(http.StatusGone, gin.H{"detail": "Gone"})
		return nil
	}
	return acc
}
