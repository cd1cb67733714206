package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// handleSubmit starts an asynchronous task and returns its id immediately.
func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	taskID, err := s.dispatcher.Submit(task.Params{
		Query:     req.Query,
		Module:    req.Module,
		SessionID: req.SessionID,
	})
	if err != nil {
		if task.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, SubmitResponse{TaskID: taskID, Status: task.StatusPending})
}

// handleStatus returns the full task snapshot. Polling this is the baseline
// reliability mechanism and works with zero push support.
func (s *Server) handleStatus(c *gin.Context) {
	t, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleCancel requests cancellation. Cancelling a terminal task is a no-op
// success.
func (s *Server) handleCancel(c *gin.Context) {
	taskID := c.Param("id")
	ok, err := s.dispatcher.Cancel(taskID, c.Query("reason"))
	if err != nil {
		if task.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, CancelResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, CancelResponse{Success: ok, Message: "task " + taskID + " cancelled"})
}

// handleList returns summaries in insertion order with optional status
// filter and pagination.
func (s *Server) handleList(c *gin.Context) {
	var params struct {
		Status string `form:"status"`
		Limit  int    `form:"limit,default=10"`
		Offset int    `form:"offset"`
	}
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if params.Limit < 1 || params.Limit > 100 {
		params.Limit = 10
	}

	filter := task.Status(params.Status)
	if params.Status != "" && !filter.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + params.Status})
		return
	}

	tasks := s.registry.List(filter, params.Limit, params.Offset)
	summaries := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, Summarize(t))
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
		"uptime":    time.Since(s.startTime).String(),
		"tasks":     s.registry.Len(),
	})
}
