package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/abduss/blobgate/internal/catalog"
	"github.com/abduss/blobgate/internal/location"
)

func (h *handler) registerBuckets(group *gin.RouterGroup) {
	group.POST("/buckets", h.createBucket)
	group.GET("/buckets", h.listBuckets)
	group.GET("/buckets/:bucket", h.getBucket)
	group.PUT("/buckets/:bucket/versioning", h.setVersioning)
	group.DELETE("/buckets/:bucket", h.deleteBucket)
}

type createBucketRequest struct {
	Name       string `json:"name" binding:"required"`
	Location   string `json:"location"`
	Versioning bool   `json:"versioning"`
}

func (h *handler) createBucket(c *gin.Context) {
	var req createBucketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	in := catalog.CreateBucketInput{
		Name:       req.Name,
		OwnerID:    currentUser(c),
		Versioning: req.Versioning,
	}
	if req.Location != "" {
		loc, err := location.Parse(req.Location)
		if err != nil {
			respondBadRequest(c, err)
			return
		}
		in.Location = loc
	}

	bucket, err := h.core.Catalog.CreateBucket(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bucket)
}

func (h *handler) listBuckets(c *gin.Context) {
	buckets, err := h.core.Catalog.ListBuckets(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}

func (h *handler) getBucket(c *gin.Context) {
	bucket, err := h.core.Catalog.GetBucket(c.Request.Context(), c.Param("bucket"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bucket)
}

type versioningRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *handler) setVersioning(c *gin.Context) {
	var req versioningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if err := h.core.Catalog.SetVersioning(c.Request.Context(), c.Param("bucket"), *req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) deleteBucket(c *gin.Context) {
	if err := h.core.Catalog.DeleteBucket(c.Request.Context(), c.Param("bucket")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
