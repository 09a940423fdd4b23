package web

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pir-motion-cam/camera"
	"pir-motion-cam/config"
	"pir-motion-cam/link"
	"pir-motion-cam/motion"
	"pir-motion-cam/scheduler"
)

// CameraInfo is the read-only view of the frame pool
type CameraInfo interface {
	Preset() camera.Preset
	Available() bool
	GetStats() camera.PoolStats
}

// MotionInfo exposes the current motion reading
type MotionInfo interface {
	Snapshot() motion.Reading
}

// SchedulerInfo exposes loop counters
type SchedulerInfo interface {
	Stats() scheduler.Stats
}

// Handlers manages diagnostics request handlers
type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	started   time.Time
	upgrader  websocket.Upgrader
	push      time.Duration
	done      chan struct{}
	wsClients atomic.Int64

	camera    CameraInfo
	motion    MotionInfo
	scheduler SchedulerInfo
	link      link.Monitor
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, logger *zap.Logger) *Handlers {
	push := time.Duration(cfg.Diagnostics.PushIntervalMS) * time.Millisecond
	if push <= 0 {
		push = time.Second
	}
	return &Handlers{
		config:  cfg,
		logger:  logger,
		started: time.Now(),
		push:    push,
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetCamera sets the frame pool view
func (h *Handlers) SetCamera(c CameraInfo) { h.camera = c }

// SetMotion sets the motion state view
func (h *Handlers) SetMotion(m MotionInfo) { h.motion = m }

// SetScheduler sets the scheduler view
func (h *Handlers) SetScheduler(s SchedulerInfo) { h.scheduler = s }

// SetLink sets the link monitor
func (h *Handlers) SetLink(l link.Monitor) { h.link = l }

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(c *gin.Context) {
	services := gin.H{"diagnostics": "running"}
	if h.camera != nil {
		if h.camera.Available() {
			services["camera"] = "running"
		} else {
			services["camera"] = "unavailable"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"services":  services,
	})
}

// HandleAPIStatus returns the motion reading, camera and link state
func (h *Handlers) HandleAPIStatus(c *gin.Context) {
	status := gin.H{
		"server": gin.H{
			"address":     h.config.Server.Address(),
			"stream_path": h.config.Server.StreamPath,
		},
		"ws_clients": h.wsClients.Load(),
	}

	if h.motion != nil {
		status["motion"] = h.motion.Snapshot()
	}

	if h.camera != nil {
		status["camera"] = gin.H{
			"preset":    h.camera.Preset(),
			"available": h.camera.Available(),
			"pool":      h.camera.GetStats(),
		}
	}

	if h.link != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		status["link"] = gin.H{"connected": h.link.Connected(ctx)}
	}

	c.JSON(http.StatusOK, status)
}

// HandleAPIConfig returns the current configuration; credentials are not serialized
func (h *Handlers) HandleAPIConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.config)
}

// HandleAPIStats returns scheduler and pool counters
func (h *Handlers) HandleAPIStats(c *gin.Context) {
	stats := gin.H{
		"timestamp": time.Now().Unix(),
	}
	if h.scheduler != nil {
		stats["scheduler"] = h.scheduler.Stats()
	}
	if h.camera != nil {
		stats["pool"] = h.camera.GetStats()
	}
	c.JSON(http.StatusOK, stats)
}

// HandleMotionWS pushes the motion reading every push interval until the
// client goes away or the server stops
func (h *Handlers) HandleMotionWS(c *gin.Context) {
	if h.motion == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "motion state not available",
			"status": http.StatusServiceUnavailable,
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.wsClients.Add(1)
	defer h.wsClients.Add(-1)

	logger := h.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	logger.Debug("Motion subscriber connected")

	// reads only to observe the close frame
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("Motion subscriber read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.push)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(h.push + time.Second))
		if err := conn.WriteJSON(h.motion.Snapshot()); err != nil {
			logger.Debug("Motion subscriber write failed", zap.Error(err))
			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			logger.Debug("Motion subscriber disconnected")
			return
		case <-h.done:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"))
			return
		}
	}
}

// closeSubscribers ends every websocket push loop
func (h *Handlers) closeSubscribers() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
