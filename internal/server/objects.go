package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/catalog"
	"github.com/abduss/blobgate/internal/gateway"
	"github.com/abduss/blobgate/internal/logger"
)

const (
	versionHeader   = "X-Blobgate-Version"
	maxKeysParam    = "max-keys"
	continuationArg = "continuation-token"
)

func (h *handler) registerObjects(group *gin.RouterGroup) {
	group.PUT("/objects/:bucket/*key", h.putObject)
	group.GET("/objects/:bucket/*key", h.getObject)
	group.HEAD("/objects/:bucket/*key", h.headObject)
	group.DELETE("/objects/:bucket/*key", h.deleteObject)
	group.GET("/versions/:bucket/*key", h.listVersions)
	group.GET("/buckets/:bucket/objects", h.listObjects)
}

func objectKey(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("key"), "/")
}

func versionParam(c *gin.Context) (*int64, error) {
	raw := c.Query("version")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return nil, errors.New("version must be a positive integer")
	}
	return &v, nil
}

func (h *handler) putObject(c *gin.Context) {
	res, err := h.core.PutObject(c.Request.Context(), c.Param("bucket"), objectKey(c), c.Request.Body, c.Request.ContentLength)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("ETag", strconv.Quote(res.ETag))
	c.Header(versionHeader, strconv.FormatInt(res.Version, 10))
	c.JSON(http.StatusOK, res)
}

func (h *handler) open(c *gin.Context) (*gateway.Object, bool) {
	version, err := versionParam(c)
	if err != nil {
		respondBadRequest(c, err)
		return nil, false
	}
	obj, err := h.core.OpenObject(c.Request.Context(), c.Param("bucket"), objectKey(c), version)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(obj.Blob.Size, 10))
	c.Header("ETag", strconv.Quote(obj.Blob.ETag))
	c.Header("Last-Modified", obj.Version.LastModified.UTC().Format(http.TimeFormat))
	c.Header(versionHeader, strconv.FormatInt(obj.Version.Version, 10))
	return obj, true
}

func (h *handler) headObject(c *gin.Context) {
	obj, ok := h.open(c)
	if !ok {
		return
	}
	_ = obj.Body.Close()
	c.Status(http.StatusOK)
}

// getObject streams the body through a writer that holds back the final byte
// until every part has verified, so a corrupt blob never reaches the client
// as a complete response.
func (h *handler) getObject(c *gin.Context) {
	obj, ok := h.open(c)
	if !ok {
		return
	}
	defer obj.Body.Close()

	c.Status(http.StatusOK)
	w := &holdbackWriter{w: c.Writer}
	if _, err := io.Copy(w, obj.Body); err != nil {
		if !w.started {
			c.Writer.Header().Del("Content-Length")
			c.Writer.Header().Del("ETag")
			respondError(c, err)
			return
		}
		logger.For(c).Error("object stream aborted",
			zap.String("bucket", obj.Version.Bucket),
			zap.String("key", obj.Version.Key),
			zap.Stringer("blob_id", obj.Blob.ID),
			zap.Error(err))
		_ = c.Error(err)
		return
	}
	if err := w.release(); err != nil {
		logger.For(c).Debug("client went away", zap.Error(err))
	}
}

type holdbackWriter struct {
	w       io.Writer
	last    [1]byte
	held    bool
	started bool
}

func (h *holdbackWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if h.held {
		if _, err := h.w.Write(h.last[:]); err != nil {
			return 0, err
		}
		h.started = true
		h.held = false
	}
	if body := p[:len(p)-1]; len(body) > 0 {
		if _, err := h.w.Write(body); err != nil {
			return 0, err
		}
		h.started = true
	}
	h.last[0] = p[len(p)-1]
	h.held = true
	return len(p), nil
}

func (h *holdbackWriter) release() error {
	if !h.held {
		return nil
	}
	h.held = false
	h.started = true
	_, err := h.w.Write(h.last[:])
	return err
}

func (h *handler) deleteObject(c *gin.Context) {
	version, err := versionParam(c)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	bucket, key := c.Param("bucket"), objectKey(c)

	if version != nil {
		if err := h.core.Catalog.DeleteVersion(c.Request.Context(), bucket, key, *version); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	marker, err := h.core.Catalog.Delete(c.Request.Context(), bucket, key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header(versionHeader, strconv.FormatInt(marker.Version, 10))
	c.JSON(http.StatusOK, marker)
}

func (h *handler) listVersions(c *gin.Context) {
	versions, err := h.core.Catalog.ListVersions(c.Request.Context(), c.Param("bucket"), objectKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (h *handler) listObjects(c *gin.Context) {
	opts := catalog.ListOptions{
		Prefix:            c.Query("prefix"),
		ContinuationToken: c.Query(continuationArg),
	}
	if raw := c.Query(maxKeysParam); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondBadRequest(c, errors.New("max-keys must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}

	page, err := h.core.Catalog.List(c.Request.Context(), c.Param("bucket"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}
