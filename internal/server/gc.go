package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (h *handler) registerGC(group *gin.RouterGroup) {
	group.POST("/gc/run", h.runGC)
	group.GET("/gc/stuck", h.stuckCandidates)
	group.POST("/gc/candidates/:candidateID/requeue", h.requeueCandidate)
}

func (h *handler) runGC(c *gin.Context) {
	res, err := h.core.Collector.RunCycle(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) stuckCandidates(c *gin.Context) {
	stuck, err := h.core.Collector.Stuck(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": stuck})
}

func (h *handler) requeueCandidate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("candidateID"))
	if err != nil {
		respondBadRequest(c, errors.New("invalid candidate id"))
		return
	}
	if err := h.core.Collector.Requeue(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
