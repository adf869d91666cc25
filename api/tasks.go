package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/scheduler"
	"github.com/NeuralCoder007/aws-a2a/tasks"
)

type taskHandlers struct {
	dispatcher *scheduler.Dispatcher
	store      *tasks.Store
	catalog    *protocol.Catalog
	logger     *slog.Logger
}

type submitRequest struct {
	TaskID               string         `json:"task_id"`
	Title                string         `json:"title"`
	Description          string         `json:"description"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Parameters           map[string]any `json:"parameters"`
	Priority             string         `json:"priority"`
	Deadline             *time.Time     `json:"deadline"`
	CreatedBy            string         `json:"created_by"`
	IdempotencyKey       string         `json:"idempotency_key"`
}

func (h taskHandlers) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	caps, err := h.catalog.ParseList(req.RequiredCapabilities)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	n := tasks.NewTask{
		TaskID:               req.TaskID,
		Title:                req.Title,
		Description:          req.Description,
		RequiredCapabilities: caps,
		Parameters:           req.Parameters,
		Deadline:             req.Deadline,
		CreatedBy:            req.CreatedBy,
		IdempotencyKey:       req.IdempotencyKey,
	}
	if n.CreatedBy == "" {
		n.CreatedBy = h.dispatcher.ID()
	}
	if req.Priority != "" {
		p, err := tasks.ParsePriority(req.Priority)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		n.Priority = p
	}

	t, err := h.dispatcher.Submit(c.Request.Context(), n)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "task": t})
}

func (h taskHandlers) List(c *gin.Context) {
	status := tasks.Status(c.DefaultQuery("status", string(tasks.StatusPending)))
	if !status.Valid() {
		badRequest(c, fmt.Sprintf("Invalid status: %s", status))
		return
	}
	ts, err := h.store.ByStatus(c.Request.Context(), status)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tasks": nonNil(ts)})
}

func (h taskHandlers) Get(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": t})
}

func (h taskHandlers) Cancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if err := h.store.Cancel(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
