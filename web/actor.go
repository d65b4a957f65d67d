package web

import (
	"net/http"

	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (s *Server) handleActor(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	s.activity(c, http.StatusOK, s.links.ActorDocument(acc))
}

// handleNote serves public and unlisted notes. Other visibilities are only
// ever delivered, never fetched.
func (s *Server) handleNote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c)
		return
	}
	note, err := s.store.ReadNoteById(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("Failed to read note", "id", id, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if note == nil || (note.Visibility != domain.VisibilityPublic && note.Visibility != domain.VisibilityHome) {
		notFound(c)
		return
	}

	obj := s.links.NoteObject(note, note.CreatedBy, nil)
	obj["@context"] = "https://www.w3.org/ns/activitystreams"
	s.activity(c, http.StatusOK, obj)
}
