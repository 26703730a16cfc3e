package snapshot

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/occupancy"
)

// ErrTooManyClients is returned by Subscribe when MaxClients are connected.
var ErrTooManyClients = errors.New("snapshot: too many clients")

// Config holds configuration for the snapshot publisher.
type Config struct {
	// ListenAddr is the gRPC listen address (e.g. "localhost:5002").
	ListenAddr string

	// MaxClients is the maximum number of concurrent subscribers across
	// gRPC and WebSocket.
	MaxClients int

	// QueueDepth is the number of encoded frames buffered between the
	// ingest goroutine and the broadcast loop.
	QueueDepth int

	// ClientBuffer is the per-subscriber frame buffer.
	ClientBuffer int

	// StatsInterval is how often throughput is logged.
	StatsInterval time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "localhost:5002",
		MaxClients:    8,
		QueueDepth:    64,
		ClientBuffer:  8,
		StatsInterval: 30 * time.Second,
	}
}

// Packet is one encoded frame as sent on the wire.
type Packet struct {
	Seq     uint64
	Payload []byte
}

type subscriber struct {
	id     string
	ch     chan *Packet
	doneCh chan struct{}
}

// Publisher encodes closed windows and broadcasts them to subscribers.
// Publishing never blocks: a full queue or a slow subscriber loses frames.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan *Packet
	clients   map[string]*subscriber
	clientsMu sync.RWMutex

	// Stats
	frameCount     atomic.Uint64
	clientCount    atomic.Int32
	droppedFrames  atomic.Uint64
	encodeErrors   atomic.Uint64
	lastStatsTime  time.Time
	lastFrameCount uint64
	lastStatsMu    sync.Mutex

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan *Packet, cfg.QueueDepth),
		clients:   make(map[string]*subscriber),
		stopCh:    make(chan struct{}),
	}
}

// Start binds the gRPC listener, registers the snapshot service and starts
// the broadcast loop. A bind failure is returned to the caller, which is
// expected to treat it as fatal.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}

	monitoring.Logf("[Snapshot] Attempting to bind to %s...", p.config.ListenAddr)
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	p.listener = lis

	p.server = grpc.NewServer()
	RegisterService(p.server, p)

	p.running.Store(true)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[Snapshot] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Snapshot] gRPC server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop stops the gRPC server and the broadcast loop and disconnects all
// subscribers.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	close(p.stopCh)

	p.clientsMu.Lock()
	for id, c := range p.clients {
		close(c.doneCh)
		delete(p.clients, id)
		p.clientCount.Add(-1)
	}
	p.clientsMu.Unlock()

	if p.server != nil {
		p.server.GracefulStop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.wg.Wait()
	monitoring.Logf("[Snapshot] gRPC server stopped")
}

// HandleSummary publishes s. It lets the publisher be registered directly
// as an aggregator handler.
func (p *Publisher) HandleSummary(s *occupancy.Summary) {
	p.Publish(s)
}

// Publish encodes s and queues it for broadcast.
func (p *Publisher) Publish(s *occupancy.Summary) {
	if !p.running.Load() {
		return
	}

	payload, err := Encode(s)
	if err != nil {
		p.encodeErrors.Add(1)
		monitoring.Logf("[Snapshot] Failed to encode window %d: %v", s.Seq, err)
		return
	}

	select {
	case p.frameChan <- &Packet{Seq: s.Seq, Payload: payload}:
		count := p.frameCount.Add(1)
		p.logPeriodicStats(count, len(payload))
	default:
		dropped := p.droppedFrames.Add(1)
		monitoring.Logf("[Snapshot] DROPPED window %d (total dropped: %d), queue full", s.Seq, dropped)
	}
}

// logPeriodicStats logs throughput every StatsInterval.
func (p *Publisher) logPeriodicStats(frameCount uint64, size int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
		return
	}

	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= p.config.StatsInterval {
		frames := frameCount - p.lastFrameCount
		fps := float64(frames) / elapsed.Seconds()
		monitoring.Logf("[Snapshot] Stats: fps=%.1f frames=%d dropped=%d clients=%d last_size=%dB",
			fps, frames, p.droppedFrames.Load(), p.clientCount.Load(), size)
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
	}
}

// broadcastLoop distributes frames to all subscribers.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case pkt := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.ch <- pkt:
				default:
					// Slow subscriber, drop the frame for it only.
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// Subscribe registers a subscriber. Frames arrive on the returned channel
// until Unsubscribe is called or the done channel closes on Stop.
func (p *Publisher) Subscribe(kind string) (id string, frames <-chan *Packet, done <-chan struct{}, err error) {
	if !p.running.Load() {
		return "", nil, nil, fmt.Errorf("publisher not running")
	}

	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return "", nil, nil, ErrTooManyClients
	}

	c := &subscriber{
		id:     kind + "-" + uuid.NewString(),
		ch:     make(chan *Packet, p.config.ClientBuffer),
		doneCh: make(chan struct{}),
	}
	p.clients[c.id] = c
	n := p.clientCount.Add(1)
	monitoring.Logf("[Snapshot] Client connected: %s (total: %d)", c.id, n)
	return c.id, c.ch, c.doneCh, nil
}

// Unsubscribe removes a subscriber.
func (p *Publisher) Unsubscribe(id string) {
	p.clientsMu.Lock()
	c, ok := p.clients[id]
	if ok {
		close(c.doneCh)
		delete(p.clients, id)
	}
	p.clientsMu.Unlock()

	if ok {
		n := p.clientCount.Add(-1)
		monitoring.Logf("[Snapshot] Client disconnected: %s (remaining: %d)", id, n)
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:   p.frameCount.Load(),
		Dropped:      p.droppedFrames.Load(),
		EncodeErrors: p.encodeErrors.Load(),
		ClientCount:  p.clientCount.Load(),
		Running:      p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount   uint64 `json:"frames"`
	Dropped      uint64 `json:"dropped"`
	EncodeErrors uint64 `json:"encode_errors"`
	ClientCount  int32  `json:"clients"`
	Running      bool   `json:"running"`
}
