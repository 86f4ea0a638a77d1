package main

import (
	"context"
	"flag"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/provider"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/clock"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/ov"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/schedule"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/storage"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/video"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/webdav"
)

const (
	webDavStart    = "start"
	webDavShutdown = "shutdown"

	previewStop = "stop"
)

var (
	port       = flag.Int("port", 9999, "api port")
	webdavPort = flag.Int("webdav-port", 9998, "webdav port")
	photosDir  = flag.String("dir", "./photobooth-photos", "photo storage root")

	providerName = flag.String("provider", "auto", "camera provider: auto|sidecar|httpproxy|cli|v4l2|webcam|simulated")
	devicePath   = flag.String("device", "/dev/video0", "v4l2 device path")
	cliTool      = flag.String("cli-tool", "CameraControlCmd", "vendor capture executable")
	proxyURL     = flag.String("proxy-url", "http://127.0.0.1:5513", "vendor web server base url")
	sidecarURL   = flag.String("sidecar-url", "http://127.0.0.1:8077", "sidecar control base url")
	sidecarWS    = flag.String("sidecar-ws", "ws://127.0.0.1:8077/stream", "sidecar live-view websocket url")

	ntpServer = flag.String("ntp-server", clock.DefaultServer, "ntp server for clock correction")
	keepalive = flag.Duration("keepalive", schedule.DefaultInterval, "camera keepalive interval, 0 disables")

	cancelWebdav context.CancelFunc
	cancelLock   sync.Mutex

	stg *storage.Store
	mgr *camera.Manager
	clk *clock.Clock

	subID atomic.Uint64

	logger *zap.SugaredLogger
)

func init() {
	logger = utils.GetLogger()
	flag.Parse()
}

func main() {
	defer logger.Sync()
	defer func() {
		if cancelWebdav != nil {
			cancelWebdav()
		}
	}()
	var err error

	stg, err = storage.New(*photosDir)
	if err != nil {
		logger.Fatal(err)
	}

	clk = clock.New(*ntpServer)
	stopSync := make(chan struct{})
	defer close(stopSync)
	go clk.SyncLoop(time.Hour, stopSync)

	mgr = camera.New(camera.Config{Policy: camera.PolicyQueue, Now: clk.Now}, stg, buildProviders()...)
	if err = mgr.Activate(context.Background()); err != nil {
		// The kiosk UI needs /api/health and /api/camera/detect even with no
		// camera attached, so start degraded instead of exiting.
		logger.Errorf("no camera provider available: %s", err)
	}
	defer mgr.Shutdown()

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	sched := schedule.New(schedCtx, mgr)
	if *keepalive > 0 && mgr.Active() != nil {
		sched.Begin(*keepalive)
	}
	defer sched.Stop()

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(utils.Cors())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	apiRouter := r.Group("/api")
	apiRouter.GET("/health", getHealth)
	apiRouter.PUT("/webdav", ctlWebdav)

	cameraRouter := apiRouter.Group("/camera")
	cameraRouter.GET("/status", getStatus)
	cameraRouter.GET("/detect", detectProviders)
	cameraRouter.POST("/capture", capturePhoto)
	cameraRouter.PUT("/config", updateConfig)
	cameraRouter.POST("/focus", triggerFocus)
	cameraRouter.POST("/cancel", cancelCapture)
	cameraRouter.POST("/keepalive", keepAlive)
	cameraRouter.POST("/recover", forceRecover)

	cameraRouter.GET("/preview/video", previewVideo)
	cameraRouter.PUT("/preview", ctlPreview)
	cameraRouter.GET("/preview/record", recordPreview)

	sessionRouter := apiRouter.Group("/session")
	sessionRouter.GET("", listSessions)
	sessionRouter.GET("/:id/captures", listCaptures)
	sessionRouter.GET("/:id/images/:name", getImage)

	utils.ListenAndServe(r, *port)
}

// buildProviders returns the candidate providers in activation priority
// order. "auto" tries every variant; naming one pins it.
func buildProviders() []provider.Provider {
	sidecar := provider.NewSidecar(provider.SidecarConfig{
		BaseURL:   *sidecarURL,
		StreamURL: *sidecarWS,
	}, stg)
	proxy := provider.NewHTTPProxy(provider.HTTPProxyConfig{
		BaseURL:       *proxyURL,
		SessionFolder: stg.Root(),
	}, stg)
	cli := provider.NewCLI(provider.CLIConfig{Executable: *cliTool}, stg)
	v4l2 := provider.NewV4L2(provider.V4L2Config{DevicePath: *devicePath}, stg)
	webcam := provider.NewWebcam(provider.WebcamConfig{}, stg)
	simulated := provider.NewSimulated(provider.SimulatedConfig{}, stg)

	switch *providerName {
	case "sidecar":
		return []provider.Provider{sidecar}
	case "httpproxy":
		return []provider.Provider{proxy}
	case "cli":
		return []provider.Provider{cli}
	case "v4l2":
		return []provider.Provider{v4l2}
	case "webcam":
		return []provider.Provider{webcam}
	case "simulated":
		return []provider.Provider{simulated}
	default:
		return []provider.Provider{sidecar, proxy, cli, v4l2, webcam}
	}
}

func getStatus(c *gin.Context) {
	status, err := mgr.Status(c.Request.Context())
	if err != nil {
		kindErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(status))
}

func detectProviders(c *gin.Context) {
	c.JSON(http.StatusOK, jsend.Success(mgr.Detect(c.Request.Context())))
}

func capturePhoto(c *gin.Context) {
	var req ov.CaptureRequest
	if err := c.Bind(&req); err != nil {
		return
	}

	res, err := mgr.Capture(c.Request.Context(), provider.CaptureRequest{
		SessionID: req.SessionID,
		Sequence:  req.Sequence,
	})
	if err != nil {
		kindErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(ov.CaptureView{
		SessionID:    req.SessionID,
		Sequence:     req.Sequence,
		Path:         res.ImagePath,
		Model:        res.Metadata.Model,
		ISO:          res.Metadata.ISO,
		ShutterSpeed: res.Metadata.ShutterSpeed,
		Aperture:     res.Metadata.Aperture,
		FocalLength:  res.Metadata.FocalLength,
		Timestamp:    res.Metadata.Timestamp,
	}))
}

func updateConfig(c *gin.Context) {
	var cfg ov.UpdateConfig
	if err := c.Bind(&cfg); err != nil {
		return
	}
	if err := mgr.SetProperty(c.Request.Context(), cfg.ID, cfg.Value); err != nil {
		kindErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(nil))
}

func triggerFocus(c *gin.Context) {
	if err := mgr.TriggerFocus(c.Request.Context()); err != nil {
		kindErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jsend.Success(nil))
}

func cancelCapture(c *gin.Context) {
	if err := mgr.CancelCapture(c.Request.Context()); err != nil {
		kindErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jsend.Success(nil))
}

func keepAlive(c *gin.Context) {
	if err := mgr.ExtendShutdownTimer(c.Request.Context()); err != nil {
		kindErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jsend.Success(nil))
}

func forceRecover(c *gin.Context) {
	mgr.ForceRecover()
	c.JSON(http.StatusOK, jsend.Success(nil))
}

func previewVideo(c *gin.Context) {
	pv := mgr.Preview()
	if pv == nil {
		c.JSON(http.StatusServiceUnavailable, jsend.SimpleErr("no camera provider available"))
		return
	}
	id := fmt.Sprintf("%s-%d", c.ClientIP(), subID.Add(1))
	frames, err := pv.Subscribe(id)
	if err != nil {
		kindErr(c, err)
		return
	}
	defer pv.Unsubscribe(id)

	mimeWriter := multipart.NewWriter(c.Writer)
	c.Header("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary()))

	ctx := c.Request.Context()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			partHeader := make(textproto.MIMEHeader)
			partHeader.Add("Content-Type", "image/jpeg")
			partHeader.Add("Content-Length", strconv.Itoa(len(frame)))
			partWriter, err := mimeWriter.CreatePart(partHeader)
			if err != nil {
				logger.Debugf("preview client %s: create part: %s", id, err)
				return
			}
			if _, err := partWriter.Write(frame); err != nil {
				logger.Debugf("preview client %s: write frame: %s", id, err)
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func ctlPreview(c *gin.Context) {
	pv := mgr.Preview()
	if pv == nil {
		c.JSON(http.StatusServiceUnavailable, jsend.SimpleErr("no camera provider available"))
		return
	}
	switch c.Query("op") {
	case previewStop:
		pv.StopAll()
		c.JSON(http.StatusOK, jsend.Success(nil))
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
	}
}

// recordPreview is a diagnostic: it joins the preview as a regular subscriber
// and saves a few seconds of frames as an AVI clip.
func recordPreview(c *gin.Context) {
	pv := mgr.Preview()
	if pv == nil {
		c.JSON(http.StatusServiceUnavailable, jsend.SimpleErr("no camera provider available"))
		return
	}
	seconds, err := strconv.Atoi(c.DefaultQuery("seconds", "5"))
	if err != nil || seconds <= 0 || seconds > 60 {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("seconds must be in [1, 60]"))
		return
	}

	id := fmt.Sprintf("record-%d", subID.Add(1))
	frames, err := pv.Subscribe(id)
	if err != nil {
		kindErr(c, err)
		return
	}
	defer pv.Unsubscribe(id)

	out := path.Join(os.TempDir(), fmt.Sprintf("preview-%d.avi", time.Now().Unix()))
	builder, err := video.NewBuilder(out, 1280, 720, 15)
	if err != nil {
		internalErr(c, err)
		return
	}
	cnt, err := builder.Record(c.Request.Context(), frames, time.Duration(seconds)*time.Second)
	if closeErr := builder.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		internalErr(c, err)
		return
	}
	if cnt == 0 {
		c.JSON(http.StatusServiceUnavailable, jsend.SimpleErr("no frames produced"))
		return
	}
	defer os.Remove(out)

	c.FileAttachment(out, "preview.avi")
}

func listSessions(c *gin.Context) {
	sessions, err := stg.ListSessions()
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(sessions))
}

func listCaptures(c *gin.Context) {
	captures, err := stg.ListCaptures(c.Param("id"))
	if err != nil {
		internalErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(captures))
}

func getImage(c *gin.Context) {
	name := path.Base(c.Param("name"))
	c.File(path.Join(stg.Root(), path.Base(c.Param("id")), name))
}

func getHealth(c *gin.Context) {
	system := ov.NewSystem(stg.Root())
	system.Time = clk.Now()
	system.NTPSynced = clk.Synced()
	system.NTPOffset = clk.Offset()

	c.JSON(http.StatusOK, jsend.Success(gin.H{
		"camera": mgr.Health(),
		"system": system,
	}))
}

func ctlWebdav(c *gin.Context) {
	op := c.Query("op")
	switch op {
	case webDavStart:
		startWebdav(c)
	case webDavShutdown:
		shutdownWebdav(c)
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
	}
}

func startWebdav(c *gin.Context) {
	cancelLock.Lock()
	defer cancelLock.Unlock()
	if cancelWebdav != nil {
		c.JSON(http.StatusOK, jsend.Success("the webdav service is already enabled"))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	webdav.Serve(ctx, *webdavPort, stg.Root())
	cancelWebdav = cancel

	c.JSON(http.StatusOK, jsend.Success(c.Request.Host))
}

func shutdownWebdav(c *gin.Context) {
	cancelLock.Lock()
	defer cancelLock.Unlock()
	if cancelWebdav == nil {
		c.JSON(http.StatusOK, jsend.SimpleErr("the webdav service has been shut down"))
		return
	}
	cancelWebdav()
	cancelWebdav = nil

	c.JSON(http.StatusOK, jsend.Success(nil))
}

// kindErr maps the error taxonomy onto HTTP statuses so the kiosk UI can
// distinguish retry-later conditions from hard failures.
func kindErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case provider.IsKind(err, provider.KindCaptureBusy):
		status = http.StatusConflict
	case provider.IsKind(err, provider.KindNotConnected),
		provider.IsKind(err, provider.KindUnavailable),
		provider.IsKind(err, provider.KindTransientBusy):
		status = http.StatusServiceUnavailable
	case provider.IsKind(err, provider.KindCaptureTimeout),
		provider.IsKind(err, provider.KindPreviewTimeout):
		status = http.StatusGatewayTimeout
	case provider.IsKind(err, provider.KindReconnectExhausted):
		status = http.StatusBadGateway
	}
	c.JSON(status, jsend.SimpleErr(err.Error()))
}

func internalErr(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, jsend.SimpleErr(err.Error()))
}
