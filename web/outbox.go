package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
)

const (
	asContext    = "https://www.w3.org/ns/activitystreams"
	itemsPerPage = 20
)

// handleOutbox returns an OrderedCollection of a user's public posts. This
// allows remote servers to discover posts without following the user.
func (s *Server) handleOutbox(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	ctx := c.Request.Context()
	outboxURL := s.links.Outbox(acc.Username)

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		total, err := s.store.CountPublicNotesByUserId(ctx, acc.Id)
		if err != nil {
			s.logger.Error("Failed to count notes", "actor", acc.Username, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		s.activity(c, http.StatusOK, map[string]any{
			"@context":   asContext,
			"id":         outboxURL,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      fmt.Sprintf("%s?page=1", outboxURL),
		})
		return
	}

	// One extra row tells us whether there is a next page.
	offset := (page - 1) * itemsPerPage
	notes, err := s.store.ReadPublicNotesByUserId(ctx, acc.Id, itemsPerPage+1, offset)
	if err != nil {
		s.logger.Error("Failed to read notes", "actor", acc.Username, "page", page, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	hasMore := len(notes) > itemsPerPage
	if hasMore {
		notes = notes[:itemsPerPage]
	}

	collectionPage := map[string]any{
		"@context":     asContext,
		"id":           fmt.Sprintf("%s?page=%d", outboxURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       outboxURL,
		"orderedItems": s.createActivities(notes, acc.Username),
	}
	if hasMore {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}
	s.activity(c, http.StatusOK, collectionPage)
}

func (s *Server) createActivities(notes []domain.Note, author string) []any {
	activities := make([]any, 0, len(notes))
	for i := range notes {
		activities = append(activities, s.links.CreateOf(&notes[i], author))
	}
	return activities
}

// Follower and following collections only expose their size.
func (s *Server) handleFollowers(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	total, err := s.store.CountFollowers(c.Request.Context(), acc.Id)
	if err != nil {
		s.logger.Error("Failed to count followers", "actor", acc.Username, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	s.activity(c, http.StatusOK, sizeOnlyCollection(s.links.Followers(acc.Username), total))
}

func (s *Server) handleFollowing(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	total, err := s.store.CountFollowing(c.Request.Context(), acc.Id)
	if err != nil {
		s.logger.Error("Failed to count following", "actor", acc.Username, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	s.activity(c, http.StatusOK, sizeOnlyCollection(s.links.Following(acc.Username), total))
}

// handleFeatured serves the pinned-posts collection. Local accounts cannot pin
// yet, so it is always empty.
func (s *Server) handleFeatured(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	s.activity(c, http.StatusOK, map[string]any{
		"@context":     asContext,
		"id":           s.links.Featured(acc.Username),
		"type":         "OrderedCollection",
		"totalItems":   0,
		"orderedItems": []any{},
	})
}

func sizeOnlyCollection(id string, total int) map[string]any {
	return map[string]any{
		"@context":   asContext,
		"id":         id,
		"type":       "OrderedCollection",
		"totalItems": total,
	}
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
