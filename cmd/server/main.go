// Command server runs the airport surface-safety Main Server: it binds
// the six network endpoints of §6 (two UDP, four TCP), wires the
// detection pipeline together, and serves Prometheus metrics plus a
// read-only debug snapshot on the metrics port.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/airfield/surface-safety-server/internal/access"
	"github.com/airfield/surface-safety-server/internal/config"
	"github.com/airfield/surface-safety-server/internal/coords"
	"github.com/airfield/surface-safety-server/internal/detectbuf"
	"github.com/airfield/surface-safety-server/internal/dispatch"
	"github.com/airfield/surface-safety-server/internal/fanout"
	"github.com/airfield/surface-safety-server/internal/framebus"
	"github.com/airfield/surface-safety-server/internal/logger"
	"github.com/airfield/surface-safety-server/internal/metrics"
	"github.com/airfield/surface-safety-server/internal/model"
	"github.com/airfield/surface-safety-server/internal/relay"
	"github.com/airfield/surface-safety-server/internal/repository"
	"github.com/airfield/surface-safety-server/internal/vision"
	"github.com/airfield/surface-safety-server/internal/zones"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, env vars always override)")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error, silent); overrides config")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

// relayTick is the video relay's poll interval; camera frames arrive
// at roughly 30fps so polling faster than that buys nothing.
const relayTick = 33 * time.Millisecond

// shutdownDrain is how long outbound session queues get to flush
// before sockets are forced closed (spec §5, §4.10).
const shutdownDrain = 2 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	parsedLevel, err := logger.ParseLevel(level)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	logger.Init(parsedLevel, os.Stderr, cfg.LogColor && *logColor)

	logger.Info("Main", "surface-safety server starting")

	srv, err := newServer(cfg)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	if err := srv.start(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Main", "shutdown signal received, draining")
	srv.shutdown()
	logger.Info("Main", "server stopped")
}

// server owns every long-lived socket and goroutine the Main Server
// runs, following the teacher's Server struct / Start / Shutdown shape
// (context cancellation + WaitGroup + deadline-bound drain).
type server struct {
	cfg *config.Config

	metrics *metrics.Metrics
	repo    *repository.Repository
	frames  *framebus.Bus
	coordTr *coords.Transformer
	accessC *access.Controller
	zoneEng *zones.Engine
	hub     *fanout.Hub
	relayS  *relay.Relay
	disp    *dispatch.Dispatcher

	udpFrameConn *net.UDPConn
	tcpListeners []net.Listener

	httpServer *http.Server

	pipelineStop chan struct{}
	wg           sync.WaitGroup
}

func newServer(cfg *config.Config) (*server, error) {
	m := metrics.New()

	repo, err := repository.New(postgresDSN(cfg), cfg.ImageOutputDir)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if err := repo.Init(); err != nil {
		return nil, fmt.Errorf("init repository schema: %w", err)
	}

	areas, err := repo.GetAreaList()
	if err != nil {
		return nil, fmt.Errorf("load area list: %w", err)
	}
	if len(areas) == 0 {
		logger.Warn("Main", "area table empty, seeding default 8-zone layout")
		areas = defaultAreas()
	}

	accessLevels, err := repo.LoadAccessConditions()
	if err != nil {
		return nil, fmt.Errorf("load access conditions: %w", err)
	}

	birdRisk, err := repo.GetLatestBirdRisk()
	if err != nil {
		return nil, fmt.Errorf("load latest bird risk: %w", err)
	}

	tr := coords.New(cfg.Map.Width, cfg.Map.Height, cfg.Map.RealWidth, cfg.Map.RealHeight)
	accessCtl := access.New(accessLevels)
	hub := fanout.NewHub()
	frames := framebus.New(cfg.FrameBufferSize, time.Duration(cfg.FrameAgeCapMs)*time.Millisecond)
	detections := detectbuf.New(time.Duration(cfg.DetectionBufferWindowMs) * time.Millisecond)

	areaByName := make(map[int]string, len(areas))
	for _, a := range areas {
		areaByName[a.ID] = a.Name
	}

	zoneIDs := make([]int, 0, len(areas))
	for _, a := range areas {
		zoneIDs = append(zoneIDs, a.ID)
	}

	onZoneChange := func(zoneID int, status model.ZoneStatus) {
		m.ZoneTransitions.Add(1)
		name := areaByName[zoneID]
		if msg, ok := fanout.BuildZoneStatus(name, status); ok {
			hub.BroadcastAll(msg)
		}
	}
	zoneEng := zones.New(time.Duration(cfg.HazardClearMs)*time.Millisecond, zoneIDs, onZoneChange)

	relayS, err := relay.Listen(fmt.Sprintf(":%d", cfg.Ports.RelayUDPPort), frames)
	if err != nil {
		return nil, fmt.Errorf("listen video relay: %w", err)
	}
	// Join each relayed frame with the newest detections that apply to
	// it (exact frame id, else the nearest prior within the buffer
	// window) and paint their boxes before forwarding.
	relayS.Annotate = func(cameraID string, frameID int64, jpegBytes []byte) []byte {
		dets := detections.Lookup(cameraID, frameID)
		if len(dets) == 0 {
			return jpegBytes
		}
		annotated, err := vision.DrawDetections(jpegBytes, dets)
		if err != nil {
			logger.Warn("Main", "annotate relay frame %s/%d: %v", cameraID, frameID, err)
			return jpegBytes
		}
		return annotated
	}

	disp := dispatch.New(frames, detections, tr, accessCtl, zoneEng, repo, hub, m, areas, birdRisk)
	disp.RelayPort = cfg.Ports.RelayUDPPort
	disp.RelayRegister = relayS.RegisterAddr
	disp.RelayForget = relayS.ForgetAddr

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	s := &server{
		cfg:          cfg,
		metrics:      m,
		repo:         repo,
		frames:       frames,
		coordTr:      tr,
		accessC:      accessCtl,
		zoneEng:      zoneEng,
		hub:          hub,
		relayS:       relayS,
		disp:         disp,
		httpServer:   httpServer,
		pipelineStop: make(chan struct{}),
	}
	mux.HandleFunc("/debug/state", s.handleDebugState)

	return s, nil
}

func (s *server) start() error {
	cfg := s.cfg

	udpConn, err := s.frames.ListenUDP(fmt.Sprintf(":%d", cfg.Ports.IDSUDPPort))
	if err != nil {
		return fmt.Errorf("bind frame bus udp: %w", err)
	}
	s.udpFrameConn = udpConn

	infLn, err := s.disp.ListenInference(fmt.Sprintf(":%d", cfg.Ports.InferenceTCPPort))
	if err != nil {
		return err
	}
	birdLn, err := s.disp.ListenBirdRisk(fmt.Sprintf(":%d", cfg.Ports.BirdTCPPort))
	if err != nil {
		return err
	}
	ctrlLn, err := s.disp.ListenController(fmt.Sprintf(":%d", cfg.Ports.ControllerTCPPort))
	if err != nil {
		return err
	}
	pilotLn, err := s.disp.ListenPilot(fmt.Sprintf(":%d", cfg.Ports.PilotTCPPort))
	if err != nil {
		return err
	}
	s.tcpListeners = []net.Listener{infLn, birdLn, ctrlLn, pilotLn}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.disp.RunPipeline(s.pipelineStop)
	}()
	go func() {
		defer s.wg.Done()
		s.relayS.Run(relayTick, []string{"A", "B"}, s.controllerSubscribers)
	}()

	go func() {
		logger.Info("Main", "metrics/debug server listening on %s", cfg.MetricsAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Main", "metrics server error: %v", err)
		}
	}()

	logger.Info("Main", "listening: ids_udp=%d relay_udp=%d inference=%d controller=%d bird=%d pilot=%d",
		cfg.Ports.IDSUDPPort, cfg.Ports.RelayUDPPort, cfg.Ports.InferenceTCPPort,
		cfg.Ports.ControllerTCPPort, cfg.Ports.BirdTCPPort, cfg.Ports.PilotTCPPort)

	go s.ageOutLoop()

	return nil
}

func (s *server) controllerSubscribers() []relay.Subscriber {
	sessions := s.hub.Controllers()
	out := make([]relay.Subscriber, len(sessions))
	for i, sess := range sessions {
		out[i] = sess
	}
	return out
}

// ageOutLoop periodically evicts frames older than the age cap, since
// a quiet camera would otherwise keep stale frames around between
// Put() calls, and mirrors frame-bus/relay counters into the metrics
// registry.
func (s *server) ageOutLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.pipelineStop:
			return
		case <-ticker.C:
			s.frames.AgeOut(time.Now().Add(-time.Duration(s.cfg.FrameAgeCapMs) * time.Millisecond))

			fs := s.frames.Stats()
			s.metrics.FramesIngested.Store(fs.Received)
			s.metrics.FramesMalformed.Store(fs.Malformed)
			s.metrics.FramesEvicted.Store(fs.Evicted)

			rs := s.relayS.Stats()
			s.metrics.RelayFramesSent.Store(rs.Sent)
			s.metrics.RelayFramesDropped.Store(rs.Dropped)
		}
	}
}

func (s *server) shutdown() {
	for _, ln := range s.tcpListeners {
		ln.Close()
	}

	time.Sleep(shutdownDrain)

	close(s.pipelineStop)
	s.relayS.Close()
	s.zoneEng.Close()
	if s.udpFrameConn != nil {
		s.udpFrameConn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Main", "metrics server shutdown: %v", err)
	}

	s.wg.Wait()

	if err := s.repo.Close(); err != nil {
		logger.Warn("Main", "repository close: %v", err)
	}
}

func (s *server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{
		"inference_state":     s.disp.State().String(),
		"controller_sessions": s.metrics.ControllerSessions.Load(),
		"pilot_sessions":       s.metrics.PilotSessions.Load(),
		"calibration": map[string]bool{
			"A": s.coordTr.HasCalibration("A"),
			"B": s.coordTr.HasCalibration("B"),
		},
		"bird_risk":      s.disp.BirdRisk().String(),
		"access_levels":  s.accessC.AuthorityVector(),
		"zone_statuses":  s.zoneStatuses(),
		"frame_bus_stats": s.frames.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (s *server) zoneStatuses() map[int]int {
	out := make(map[int]int, model.ZoneCount)
	for id := 1; id <= model.ZoneCount; id++ {
		out[id] = int(s.zoneEng.Status(id))
	}
	return out
}

func postgresDSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.Name)
}

// defaultAreas is the §3/§4.3 fallback zone layout used when the
// repository's area table hasn't been seeded yet. Rectangles are
// normalized (0..1) and overlap only on shared edges; the band
// 0.60 < y < 0.80 lies in no area.
func defaultAreas() []model.Area {
	return []model.Area{
		{ID: 1, Name: "TWY_A", X1: 0.00, Y1: 0.40, X2: 0.25, Y2: 0.60},
		{ID: 2, Name: "TWY_B", X1: 0.25, Y1: 0.40, X2: 0.50, Y2: 0.60},
		{ID: 3, Name: "TWY_C", X1: 0.50, Y1: 0.40, X2: 0.75, Y2: 0.60},
		{ID: 4, Name: "TWY_D", X1: 0.75, Y1: 0.40, X2: 1.00, Y2: 0.60},
		{ID: 5, Name: "RWY_A", X1: 0.00, Y1: 0.00, X2: 1.00, Y2: 0.20},
		{ID: 6, Name: "RWY_B", X1: 0.00, Y1: 0.80, X2: 1.00, Y2: 1.00},
		{ID: 7, Name: "GRASS_A", X1: 0.00, Y1: 0.20, X2: 0.50, Y2: 0.40},
		{ID: 8, Name: "GRASS_B", X1: 0.50, Y1: 0.20, X2: 1.00, Y2: 0.40},
	}
}
