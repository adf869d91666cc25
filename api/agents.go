package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/registry"
)

type agentHandlers struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func (h agentHandlers) Register(c *gin.Context) {
	var rec protocol.AgentRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		badRequest(c, "Invalid JSON in request body: "+err.Error())
		return
	}
	id, err := h.registry.Register(c.Request.Context(), &rec)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "agent_id": id})
}

func (h agentHandlers) Discover(c *gin.Context) {
	q, err := protocol.ParseDiscoveryQuery(h.registry.Catalog(), c.Request.URL.Query())
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	h.discover(c, q)
}

func (h agentHandlers) DiscoverJSON(c *gin.Context) {
	q := protocol.NewDiscoveryQuery()
	if err := c.ShouldBindJSON(&q); err != nil {
		badRequest(c, "Invalid JSON in request body: "+err.Error())
		return
	}
	if err := q.Validate(h.registry.Catalog()); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	h.discover(c, q.Normalize())
}

func (h agentHandlers) discover(c *gin.Context, q protocol.DiscoveryQuery) {
	res, err := h.registry.Discover(c.Request.Context(), q)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"agents":        nonNil(res.Agents),
		"total_found":   res.TotalFound,
		"scanned_count": res.ScannedCount,
	})
}

func (h agentHandlers) Get(c *gin.Context) {
	rec, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agent": rec})
}

func (h agentHandlers) Deregister(c *gin.Context) {
	if err := h.registry.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h agentHandlers) Heartbeat(c *gin.Context) {
	if err := h.registry.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h agentHandlers) Search(c *gin.Context) {
	text := c.Query("q")
	if text == "" {
		badRequest(c, "q parameter is required")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "Invalid limit: "+raw)
			return
		}
		limit = n
	}
	activeOnly, err := strconv.ParseBool(c.DefaultQuery("active_only", "false"))
	if err != nil {
		badRequest(c, "Invalid active_only: "+c.Query("active_only"))
		return
	}

	recs, err := h.registry.Search(c.Request.Context(), text, limit, activeOnly)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agents": nonNil(recs)})
}

func (h agentHandlers) Stats(c *gin.Context) {
	stats, err := h.registry.Statistics(c.Request.Context())
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "statistics": stats})
}

// nonNil keeps empty lists as [] rather than null in responses.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
