package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) lookupQueue(c *gin.Context) bool {
	name := c.Param("name")
	if _, ok := s.queues[name]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue", "name": name})
		return false
	}
	return true
}

// queueStats handles GET /admin/queues/:name/stats (SPEC_FULL §11.2).
func (s *Server) queueStats(c *gin.Context) {
	if !s.lookupQueue(c) {
		return
	}
	q := s.queues[c.Param("name")]

	stats, err := q.Repo.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// promoteQueue handles POST /admin/queues/:name/promote, running one
// promote_delayed_jobs sweep on demand instead of waiting for the
// scheduler's next tick.
func (s *Server) promoteQueue(c *gin.Context) {
	if !s.lookupQueue(c) {
		return
	}
	q := s.queues[c.Param("name")]

	q.Scheduler.Promote(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"message": "promote sweep triggered"})
}

// recoverQueue handles POST /admin/queues/:name/recover, running one
// recover_stalled_jobs sweep on demand.
func (s *Server) recoverQueue(c *gin.Context) {
	if !s.lookupQueue(c) {
		return
	}
	q := s.queues[c.Param("name")]

	q.Scheduler.Recover(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"message": "recover sweep triggered"})
}
