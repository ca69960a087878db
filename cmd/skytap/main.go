package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/rfprobe/skytap/internal/config"
	"github.com/rfprobe/skytap/internal/frame"
	"github.com/rfprobe/skytap/internal/ingest"
	"github.com/rfprobe/skytap/internal/segment"
	"github.com/rfprobe/skytap/internal/session"
	"github.com/rfprobe/skytap/internal/store"
	"github.com/rfprobe/skytap/internal/synth"
	"github.com/rfprobe/skytap/internal/transmit"
)

const VERSION = "1.0.0"

// Intent kinds with controller-side behavior, matching the default
// catalogue: takeoff arms the keep-alive refresh, land and emergency
// stop disarm it.
const (
	intentTakeoff   = "takeoff"
	intentLand      = "land"
	intentEmergency = "emergency"
	intentControl   = "control"
)

// Controller wires the ingestion pipeline to the command-issuing path.
// Only the ingestion loop writes tracker state; the command path works
// from snapshots.
type Controller struct {
	config      *config.Config
	ingestor    *ingest.Ingestor
	ring        *frame.Ring
	segmenter   *segment.Segmenter
	tracker     *session.Tracker
	catalogue   *synth.Catalogue
	synthesizer *synth.Synthesizer
	transmitter *transmit.Transmitter
	transport   *transmit.UDPTransport
	snapshots   *store.Store // nil when persistence is disabled

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	axes         map[string]int // current control state for keep-alive refresh
	keepAlive    bool
	resegmenting bool
	running      bool
}

// NewController builds the pipeline from configuration
func NewController(configFile string) (*Controller, error) {
	cfg := config.NewConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	catalogue, err := synth.LoadCatalogue(cfg.GetCatalogueFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load catalogue: %v", err)
	}

	transport, err := transmit.NewUDPTransport(
		cfg.GetTargetAddress(), int(cfg.GetTargetPort()), int(cfg.GetLocalPort()),
		cfg.GetTransmitDebug())
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		config: cfg,
		ingestor: ingest.New(ingest.Config{
			Port:         int(cfg.GetCapturePort()),
			GapThreshold: int(cfg.GetGapThreshold()),
		}, cfg.GetCaptureDebug()),
		ring: frame.NewRing(int(cfg.GetCaptureRing()), "capture"),
		segmenter: segment.New(segment.Config{
			MinSamples:         int(cfg.GetMinSamples()),
			ChecksumConfidence: cfg.GetChecksumConfidence(),
			EnumMaxValues:      int(cfg.GetEnumMaxValues()),
			StableThreshold:    int(cfg.GetStableThreshold()),
		}, cfg.GetSegmenterDebug()),
		tracker: session.NewTracker(session.Config{
			DriftThreshold: int(cfg.GetDriftThreshold()),
			DriftWindow:    time.Duration(cfg.GetDriftWindowMS()) * time.Millisecond,
		}, cfg.GetSessionDebug()),
		catalogue: catalogue,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		axes: map[string]int{
			"throttle": 0x80,
			"yaw":      0x80,
			"pitch":    0x80,
			"roll":     0x80,
			"aux":      0x00,
		},
	}

	c.synthesizer = synth.NewSynthesizer(synth.Config{
		Freshness: time.Duration(cfg.GetFreshnessMS()) * time.Millisecond,
		ClampLow:  int(cfg.GetClampLow()),
		ClampHigh: int(cfg.GetClampHigh()),
	}, catalogue, nil)

	c.transmitter = transmit.NewTransmitter(transmit.Config{
		AckTimeout: time.Duration(cfg.GetAckTimeoutMS()) * time.Millisecond,
		MaxRetries: int(cfg.GetMaxRetries()),
		BurstGap:   time.Duration(cfg.GetBurstGapMS()) * time.Millisecond,
	}, transport, c.tracker, cfg.GetTransmitDebug())

	if cfg.GetDatabaseEnabled() {
		c.snapshots, err = store.Open(store.Config{Path: cfg.GetDatabasePath()}, log.Default())
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open snapshot store: %v", err)
		}
	}

	log.Printf("Controller created: target=%s:%d, catalogue=%d commands",
		cfg.GetTargetAddress(), cfg.GetTargetPort(), catalogue.Len())

	return c, nil
}

// Run starts the pipeline and blocks until shutdown
func (c *Controller) Run(captures <-chan ingest.Capture) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("controller already running")
	}
	c.running = true
	c.mu.Unlock()

	log.Printf("skytap v%s starting", VERSION)

	if err := c.transport.Open(); err != nil {
		return fmt.Errorf("failed to open transport: %v", err)
	}

	c.restoreSnapshot()

	c.wg.Add(4)
	go c.ingestLoop(captures)
	go c.learnLoop()
	go c.driftWatcher()
	go c.statusReporter()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Printf("Received shutdown signal")
	case <-c.ctx.Done():
	}

	c.Stop()
	return nil
}

// ingestLoop is the sole writer of tracker state
func (c *Controller) ingestLoop(captures <-chan ingest.Capture) {
	defer c.wg.Done()

	go func() {
		if err := c.ingestor.Run(c.ctx, captures); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Ingestor stopped: %v", err)
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case f, ok := <-c.ingestor.Frames():
			if !ok {
				return
			}
			c.ring.Add(f)
			c.tracker.Observe(f)

		case event := <-c.ingestor.Events():
			log.Printf("Capture advisory: %s", event)
		}
	}
}

// learnLoop periodically attempts initial segmentation until a model is
// confirmed, then exits. Skipped when a persisted snapshot was restored.
func (c *Controller) learnLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			if c.tracker.State() != session.StateLearning {
				return
			}

			mdl, err := c.segmenter.Segment(c.ring.Snapshot())
			if err != nil {
				if errors.Is(err, segment.ErrInsufficientSample) {
					continue
				}
				log.Printf("Segmentation failed: %v", err)
				continue
			}

			// The synthesizer gets the model before the tracker leaves
			// LEARNING, so a command arriving right after the transition
			// never sees a nil model
			c.synthesizer.SetModel(mdl)
			if err := c.tracker.Adopt(mdl); err != nil {
				log.Printf("Model adoption failed: %v", err)
				continue
			}

			c.saveSnapshot()
			return
		}
	}
}

// driftWatcher responds to DRIFTED signals with a bounded
// re-segmentation pass. At most one pass runs at a time.
func (c *Controller) driftWatcher() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-c.tracker.Drift():
			c.mu.Lock()
			if c.resegmenting {
				c.mu.Unlock()
				continue
			}
			c.resegmenting = true
			c.mu.Unlock()

			c.resegment()

			c.mu.Lock()
			c.resegmenting = false
			c.mu.Unlock()
		}
	}
}

// resegment refines the model from the retained frame corpus
func (c *Controller) resegment() {
	old := c.tracker.Model()
	if old == nil {
		return
	}

	log.Printf("Model drift detected, re-running segmentation")
	c.tracker.Relearn()

	mdl, err := c.segmenter.Resegment(old, c.ring.Snapshot())
	if err != nil {
		log.Printf("Re-segmentation failed: %v, keeping previous model", err)
		mdl = old
	}

	c.synthesizer.SetModel(mdl)
	if err := c.tracker.Adopt(mdl); err != nil {
		log.Printf("Model adoption failed: %v", err)
		return
	}

	c.saveSnapshot()
}

// Execute is the operator interface: it synthesizes and transmits one
// intent and returns the transmit outcome
func (c *Controller) Execute(intent synth.Intent) (transmit.Outcome, error) {
	if c.tracker.State() == session.StateLearning {
		return transmit.OutcomeTransportError, fmt.Errorf("no confirmed model yet, still learning")
	}

	snap := c.tracker.Snapshot()
	sf, err := c.synthesizer.Synthesize(intent, snap, time.Now())
	if err != nil {
		return transmit.OutcomeTransportError, err
	}

	outcome := c.transmitter.Transmit(sf)
	log.Printf("Intent %q: %s", intent.Kind, outcome)

	c.applyIntentState(intent)
	return outcome, nil
}

// applyIntentState updates the keep-alive axis state from an executed
// intent, mirroring the firmware's expectation that the app refreshes
// the current control state continuously while airborne
func (c *Controller) applyIntentState(intent synth.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for role, v := range intent.Params {
		if _, ok := c.axes[role]; ok {
			c.axes[role] = v
		}
	}

	switch intent.Kind {
	case intentTakeoff:
		if !c.keepAlive {
			c.keepAlive = true
			c.wg.Add(1)
			go c.keepAliveLoop()
			log.Printf("Keep-alive started")
		}
	case intentLand, intentEmergency:
		if c.keepAlive {
			c.keepAlive = false
			log.Printf("Keep-alive stopped")
		}
		c.axes["throttle"] = 0x80
		c.axes["aux"] = 0x00
	}
}

// keepAliveLoop refreshes the current control state at the configured
// cadence. Sends are fire-and-forget: the refresh must never block on
// acknowledgements.
func (c *Controller) keepAliveLoop() {
	defer c.wg.Done()

	interval := time.Duration(c.config.GetKeepAliveMS()) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			c.mu.Lock()
			active := c.keepAlive
			params := make(map[string]int, len(c.axes))
			for k, v := range c.axes {
				params[k] = v
			}
			c.mu.Unlock()

			if !active {
				return
			}

			snap := c.tracker.Snapshot()
			sf, err := c.synthesizer.Synthesize(synth.Intent{Kind: intentControl, Params: params}, snap, time.Now())
			if err != nil {
				continue
			}

			if err := c.transmitter.Push(sf.Data); err != nil {
				log.Printf("Keep-alive send failed: %v", err)
			}
		}
	}
}

// statusReporter provides periodic status updates
func (c *Controller) statusReporter() {
	defer c.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			accepted, filtered, gaps := c.ingestor.Stats()
			snap := c.tracker.Snapshot()
			log.Printf("Status: state=%s, frames=%d (filtered=%d, gaps=%d), matched=%d, anomalies=%d",
				snap.State, accepted, filtered, gaps, snap.FramesMatch, snap.Anomalies)
		}
	}
}

// restoreSnapshot resumes a previous protocol-learning session from the
// store, when one exists
func (c *Controller) restoreSnapshot() {
	if c.snapshots == nil {
		return
	}

	snap, err := c.snapshots.Load()
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Snapshot load failed: %v", err)
		}
		return
	}

	c.synthesizer.SetModel(snap.Model)
	if err := c.tracker.Adopt(snap.Model); err != nil {
		log.Printf("Snapshot adoption failed: %v", err)
		return
	}

	c.tracker.Restore(snap.Counters, snap.Tokens, snap.LastUpdate)

	log.Printf("Resumed session: %d templates, %d counters", snap.Model.Len(), len(snap.Counters))
}

// saveSnapshot persists the current model and session state
func (c *Controller) saveSnapshot() {
	if c.snapshots == nil {
		return
	}

	mdl := c.tracker.Model()
	if mdl == nil {
		return
	}

	if err := c.snapshots.Save(mdl, c.tracker.Snapshot()); err != nil {
		log.Printf("Snapshot save failed: %v", err)
	}
}

// Stop shuts the controller down
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.keepAlive = false
	c.mu.Unlock()

	log.Printf("Shutting down...")

	c.saveSnapshot()
	c.cancel()
	c.wg.Wait()

	c.transport.Close()
	if c.snapshots != nil {
		c.snapshots.Close()
	}

	log.Printf("Controller stopped")
}

// captureFeed parses the capture collaborator's record stream. One
// record per line:
//
//	epoch_micros,direction,src_port,dst_port,hex_bytes
//
// where direction is "in" (drone->app) or "out" (app->drone).
func captureFeed(ctx context.Context, r io.Reader) <-chan ingest.Capture {
	out := make(chan ingest.Capture, 50)

	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if len(line) == 0 || line[0] == '#' {
				continue
			}

			c, err := ingest.ParseCaptureRecord(line)
			if err != nil {
				log.Printf("Bad capture record: %v", err)
				continue
			}

			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// operatorLoop reads intent lines from stdin:
//
//	takeoff
//	control throttle=144 yaw=128
//	land
func (c *Controller) operatorLoop() {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		intent := synth.Intent{Kind: fields[0], Params: make(map[string]int)}

		for _, kv := range fields[1:] {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				continue
			}
			if v, err := strconv.Atoi(parts[1]); err == nil {
				intent.Params[parts[0]] = v
			}
		}

		if _, err := c.Execute(intent); err != nil {
			log.Printf("Intent %q rejected: %v", intent.Kind, err)
		}
	}
}

func main() {
	var configFile, captureFile string
	flag.StringVar(&configFile, "config", "skytap.ini", "Configuration file path")
	flag.StringVar(&captureFile, "capture", "", "Capture record stream (file or FIFO)")
	flag.Parse()

	if captureFile == "" {
		fmt.Println("Usage: skytap -config <config_file> -capture <record_stream>")
		os.Exit(1)
	}

	controller, err := NewController(configFile)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	captureSrc, err := os.Open(captureFile)
	if err != nil {
		log.Fatalf("Failed to open capture stream: %v", err)
	}
	defer captureSrc.Close()

	go controller.operatorLoop()

	if err := controller.Run(captureFeed(controller.ctx, captureSrc)); err != nil {
		log.Fatalf("Controller error: %v", err)
	}
}
