package http

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/internal/core/services"
	"castrelay/internal/infrastructure/capture"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/pkg/codes"
	apperrors "castrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

// StreamHandler exposes the supervised-stream surface: device enumeration,
// stream start/stop and HLS segment delivery gated by the session code.
type StreamHandler struct {
	streams   *services.StreamService
	inventory ports.DeviceInventory
	registry  ports.SessionRegistry
	segments  ports.StreamSupervisor
	metrics   *monitoring.PrometheusCollector
}

func NewStreamHandler(
	streams *services.StreamService,
	inventory ports.DeviceInventory,
	registry ports.SessionRegistry,
	segments ports.StreamSupervisor,
	metrics *monitoring.PrometheusCollector,
) *StreamHandler {
	return &StreamHandler{
		streams:   streams,
		inventory: inventory,
		registry:  registry,
		segments:  segments,
		metrics:   metrics,
	}
}

func (h *StreamHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/capture/available", h.CaptureAvailable)
		api.GET("/capture/devices", h.ListDevices)
		api.POST("/stream", h.StartStream)
		api.DELETE("/stream", h.StopStream)
		api.GET("/stream/status", h.StreamStatus)
	}

	// Playlist entries carry a "segments/" base URL, so segment URIs
	// resolve against the route below from /stream.m3u8.
	router.GET("/stream.m3u8", h.ServePlaylist)
	router.GET("/segments/:name", h.ServeSegment)
}

func (h *StreamHandler) CaptureAvailable(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"available": h.inventory.Available(),
	})
}

func (h *StreamHandler) ListDevices(c *gin.Context) {
	video, audio, err := h.inventory.ListDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if video == nil {
		video = []domain.DeviceDescriptor{}
	}
	if audio == nil {
		audio = []domain.DeviceDescriptor{}
	}

	c.JSON(http.StatusOK, gin.H{
		"video": video,
		"audio": audio,
	})
}

func (h *StreamHandler) StartStream(c *gin.Context) {
	var req struct {
		VideoIndex int `json:"video_index"`
		AudioIndex int `json:"audio_index"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.VideoIndex < 0 || req.AudioIndex < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device indexes must be non-negative"})
		return
	}

	info, err := h.streams.Start(c.Request.Context(), domain.DeviceSpec{
		Video: req.VideoIndex,
		Audio: req.AudioIndex,
	})
	if err != nil {
		c.Error(appErrorFor(err))
		return
	}

	c.JSON(http.StatusCreated, info)
}

// appErrorFor maps domain sentinels onto transport errors; the error handler
// middleware turns these into JSON responses.
func appErrorFor(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrSessionConflict):
		return apperrors.NewSessionConflictError(err.Error())
	case errors.Is(err, domain.ErrCaptureToolUnavailable):
		return apperrors.NewCaptureUnavailableError(err.Error())
	case errors.Is(err, domain.ErrProcessFailure):
		return apperrors.NewProcessFailureError(err.Error())
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NewSessionNotFoundError("")
	default:
		return apperrors.NewInternalError(err.Error())
	}
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	if err := h.streams.Stop(c.Request.Context()); err != nil {
		c.Error(appErrorFor(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) StreamStatus(c *gin.Context) {
	info := h.streams.Status(c.Request.Context())
	if info == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}

	running := info.Process != nil && info.Process.Status == domain.ProcessRunning
	c.JSON(http.StatusOK, gin.H{
		"running": running,
		"code":    info.Code,
		"port":    info.Port,
		"url":     info.URL,
		"process": info.Process,
	})
}

func (h *StreamHandler) ServePlaylist(c *gin.Context) {
	dir, code, ok := h.authorizeSegmentRequest(c)
	if !ok {
		return
	}

	// First playlist fetch marks the session active. Activation failures do
	// not block delivery, the capability check above already passed.
	_ = h.registry.Activate(c.Request.Context(), code)

	if h.metrics != nil {
		h.metrics.SegmentRequest("ok")
	}
	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.Header("Cache-Control", "no-cache")
	http.ServeFile(c.Writer, c.Request, filepath.Join(dir, capture.PlaylistName))
}

func (h *StreamHandler) ServeSegment(c *gin.Context) {
	dir, _, ok := h.authorizeSegmentRequest(c)
	if !ok {
		return
	}

	name := c.Param("name")
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".ts") || strings.HasPrefix(name, ".") {
		if h.metrics != nil {
			h.metrics.SegmentRequest("bad_name")
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed segment name"})
		return
	}

	if h.metrics != nil {
		h.metrics.SegmentRequest("ok")
	}
	c.Header("Content-Type", "video/mp2t")
	http.ServeFile(c.Writer, c.Request, filepath.Join(dir, name))
}

// authorizeSegmentRequest validates the ?code= capability and resolves the
// live segment directory. Wrong or missing codes are indistinguishable from
// a stream that is not running.
func (h *StreamHandler) authorizeSegmentRequest(c *gin.Context) (string, domain.SessionCode, bool) {
	raw := codes.Normalize(c.Query("code"))
	if !codes.Valid(raw) {
		if h.metrics != nil {
			h.metrics.SegmentRequest("rejected")
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "missing or malformed code"})
		return "", "", false
	}

	code := domain.SessionCode(raw)
	dir, ok := h.segments.ServeDir(code)
	if !ok {
		if h.metrics != nil {
			h.metrics.SegmentRequest("rejected")
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "no stream for code"})
		return "", "", false
	}
	return dir, code, true
}
