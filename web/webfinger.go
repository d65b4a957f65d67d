package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-gonic/gin"
)

const nodeinfoSchema = "http://nodeinfo.diaspora.software/ns/schema/2.0"

// usernameOf accepts acct:user@domain, user@domain or a local actor IRI.
func (s *Server) usernameOf(resource string) (string, bool) {
	if strings.HasPrefix(resource, "https://") {
		username, _, ok := s.links.ParseLocal(resource)
		return username, ok && username != ""
	}
	resource = strings.TrimPrefix(resource, "acct:")
	user, host, ok := strings.Cut(strings.TrimPrefix(resource, "@"), "@")
	if !ok || user == "" || util.NormalizeHost(host) != s.links.Host() {
		return "", false
	}
	return user, true
}

func (s *Server) handleWebfinger(c *gin.Context) {
	username, ok := s.usernameOf(c.Query("resource"))
	if !ok {
		c.JSON(http.StatusNotFound, GetWebFingerNotFound())
		return
	}
	acc, err := s.store.ReadAccByUsername(c.Request.Context(), username)
	if err != nil {
		s.logger.Error("Failed to read account", "username", username, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if acc == nil || acc.Suspended {
		c.JSON(http.StatusNotFound, GetWebFingerNotFound())
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, s.jrd(acc.Username))
}

func (s *Server) jrd(username string) gin.H {
	actor := s.links.Actor(username)
	return gin.H{
		"subject": "acct:" + username + "@" + s.links.Domain,
		"aliases": []string{actor},
		"links": []gin.H{
			{
				"rel":  "self",
				"type": activityJSON,
				"href": actor,
			},
		},
	}
}

func GetWebFingerNotFound() gin.H {
	return gin.H{"detail": "Not Found"}
}

func (s *Server) handleNodeinfoLinks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"links": []gin.H{
			{"rel": nodeinfoSchema, "href": s.links.Base() + "/nodeinfo/2.0"},
		},
	})
}

func (s *Server) handleNodeinfo(c *gin.Context) {
	accounts, err := s.store.ReadActiveAccounts(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to count accounts", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	users := 0
	for _, acc := range accounts {
		if acc.Username != activitypub.InstanceActorName {
			users++
		}
	}

	c.Header("Content-Type", `application/json; profile="`+nodeinfoSchema+`#"`)
	c.JSON(http.StatusOK, gin.H{
		"version": "2.0",
		"software": gin.H{
			"name":    util.Name,
			"version": util.GetVersion(),
		},
		"protocols":         []string{"activitypub"},
		"services":          gin.H{"inbound": []string{}, "outbound": []string{}},
		"openRegistrations": !s.conf.Conf.Closed,
		"usage": gin.H{
			"users": gin.H{"total": users},
		},
		"metadata": gin.H{},
	})
}
