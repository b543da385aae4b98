package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/watcher"
)

// alertmanagerWebhook applies every alert of the notification. Failures of
// single alerts are logged by the watcher, the notification is always
// acknowledged.
func (s *Server) alertmanagerWebhook(c *gin.Context) {
	var wh watcher.Webhook
	if err := c.ShouldBindJSON(&wh); err != nil {
		abortWithError(c, invalidRequest(err))
		return
	}

	s.deps.Watcher.ProcessWebhook(c.Request.Context(), &wh)
	c.JSON(http.StatusOK, gin.H{"alerts": len(wh.Alerts)})
}

// forceViolation violates a policy with the value from the path. Query
// parameters become alert labels and may override the subject labels.
func (s *Server) forceViolation(c *gin.Context) {
	raw := c.Param("value")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		abortWithError(c, model.NewValidationError("value must be a number", err))
		return
	}

	labels := map[string]string{}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			labels[k] = v[0]
		}
	}

	s.logger.Debug().
		Str("policy_id", c.Param("id")).
		Float64("value", value).
		Interface("labels", labels).
		Msg("Forcing violation")

	if err := s.deps.Watcher.Violate(c.Request.Context(), c.Param("id"), value, labels); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) forceResolution(c *gin.Context) {
	s.logger.Debug().Str("policy_id", c.Param("id")).Msg("Forcing resolution")

	if err := s.deps.Watcher.Resolve(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
