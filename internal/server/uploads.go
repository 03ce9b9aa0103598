package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/abduss/blobgate/internal/location"
	"github.com/abduss/blobgate/internal/meta"
)

func (h *handler) registerUploads(group *gin.RouterGroup) {
	group.POST("/uploads", h.beginUpload)
	group.GET("/uploads/:uploadID", h.getUpload)
	group.PUT("/uploads/:uploadID/target", h.bindUpload)
	group.PUT("/uploads/:uploadID/parts/:index", h.writePart)
	group.POST("/uploads/:uploadID/commit", h.commitUpload)
	group.DELETE("/uploads/:uploadID", h.abortUpload)
}

type beginUploadRequest struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Location string `json:"location"`
}

type bindUploadRequest struct {
	Bucket string `json:"bucket" binding:"required"`
	Key    string `json:"key" binding:"required"`
}

func uploadID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("uploadID"))
	if err != nil {
		respondBadRequest(c, errors.New("invalid upload id"))
		return uuid.Nil, false
	}
	return id, true
}

// beginUpload opens a bound upload when bucket and key are given, or an
// unbound one at the requested location otherwise.
func (h *handler) beginUpload(c *gin.Context) {
	var req beginUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	var (
		upload meta.StagedUpload
		err    error
	)
	switch {
	case req.Bucket != "" && req.Key != "":
		upload, err = h.core.Staging.Begin(c.Request.Context(), req.Bucket, req.Key)
	case req.Bucket == "" && req.Key == "":
		loc := h.core.Resolver.Default()
		if req.Location != "" {
			if loc, err = location.Parse(req.Location); err != nil {
				respondBadRequest(c, err)
				return
			}
		}
		upload, err = h.core.Staging.BeginUnbound(c.Request.Context(), loc)
	default:
		respondBadRequest(c, errors.New("bucket and key must be given together"))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, upload)
}

func (h *handler) getUpload(c *gin.Context) {
	id, ok := uploadID(c)
	if !ok {
		return
	}
	upload, err := h.core.Staging.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, upload)
}

func (h *handler) bindUpload(c *gin.Context) {
	id, ok := uploadID(c)
	if !ok {
		return
	}
	var req bindUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if err := h.core.Staging.Bind(c.Request.Context(), id, req.Bucket, req.Key); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) writePart(c *gin.Context) {
	id, ok := uploadID(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondBadRequest(c, errors.New("invalid part index"))
		return
	}

	part, err := h.core.Staging.WritePart(c.Request.Context(), id, index, c.Request.Body, c.Request.ContentLength)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("ETag", strconv.Quote(part.ETag))
	c.JSON(http.StatusOK, part)
}

func (h *handler) commitUpload(c *gin.Context) {
	id, ok := uploadID(c)
	if !ok {
		return
	}
	res, err := h.core.Staging.Commit(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("ETag", strconv.Quote(res.ETag))
	c.Header(versionHeader, strconv.FormatInt(res.Version, 10))
	c.JSON(http.StatusOK, res)
}

func (h *handler) abortUpload(c *gin.Context) {
	id, ok := uploadID(c)
	if !ok {
		return
	}
	if err := h.core.Staging.Abort(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
