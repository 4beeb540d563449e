package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/scheduler"
)

func (h *handlers) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.scheduler.List()})
}

func (h *handlers) addJob(c *gin.Context) {
	var job scheduler.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	created, err := h.scheduler.Add(job)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidCron) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to add scheduler job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add job"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": created})
}

func (h *handlers) updateJob(c *gin.Context) {
	var job scheduler.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	job.ID = c.Param("id")

	if err := h.scheduler.Update(job); err != nil {
		var notFound *scheduler.JobNotFoundError
		switch {
		case errors.As(err, &notFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, scheduler.ErrInvalidCron):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("failed to update scheduler job", zap.String("job_id", job.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update job"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h *handlers) deleteJob(c *gin.Context) {
	jobID := c.Param("id")
	if err := h.scheduler.Delete(jobID); err != nil {
		var notFound *scheduler.JobNotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to delete scheduler job", zap.String("job_id", jobID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
