package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/automoto/replica/config"
	"github.com/automoto/replica/network"
	"github.com/automoto/replica/shared/netlog"
	"github.com/automoto/replica/synchronizer"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrServerBusy is returned by Accept when the accept queue is full.
var ErrServerBusy = errors.New("server: too many pending connections")

const acceptQueueSize = 64

// Options carries the collaborators of a Server.
type Options struct {
	Clock  network.Clock
	Logger netlog.Logger
}

// Status is the snapshot published on /status after every tick.
type Status struct {
	Name    string             `json:"name"`
	Tick    uint64             `json:"tick"`
	Clients int                `json:"clients"`
	Objects int                `json:"objects"`
	Avatars []uint32           `json:"avatars"`
	Stats   synchronizer.Stats `json:"stats"`
}

// Server hosts the demo simulation and replicates it to WebSocket clients.
// Sockets are accepted on HTTP goroutines and handed to the loop through a
// queue; everything else runs on the loop goroutine.
type Server struct {
	cfg   config.Config
	log   netlog.Logger
	clock network.Clock

	sync     *synchronizer.StateSynchronizer
	sim      *Simulation
	loop     *GameLoop
	registry *prometheus.Registry
	router   chi.Router
	httpSrv  *http.Server

	pending  chan network.Socket
	lastTick float64
	running  bool

	mu     sync.RWMutex
	status Status
}

// NewServer creates a server and spawns the demo objects.
func NewServer(cfg config.Config, opts Options) (*Server, error) {
	if opts.Clock == nil {
		opts.Clock = network.NewSystemClock()
	}
	log := netlog.Or(opts.Logger, netlog.PrefixServer)

	registry := prometheus.NewRegistry()
	var reg prometheus.Registerer
	if cfg.Server.Metrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = registry
	}

	syncer, err := synchronizer.New(cfg, synchronizer.Options{
		Role:       synchronizer.RoleServer,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		Registerer: reg,
	})
	if err != nil {
		return nil, fmt.Errorf("create synchronizer: %w", err)
	}
	sim, err := NewSimulation(syncer, cfg.Server.DemoObjects, cfg.Interest.DefaultRadius, log)
	if err != nil {
		return nil, fmt.Errorf("create simulation: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		clock:    opts.Clock,
		sync:     syncer,
		sim:      sim,
		registry: registry,
		pending:  make(chan network.Socket, acceptQueueSize),
		lastTick: opts.Clock.Now(),
	}
	s.loop = NewGameLoop(s, cfg.Sync.TickRate)
	s.router = s.routes()
	s.publish()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/status", s.handleStatus)
	if s.cfg.Server.Metrics {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Handler returns the HTTP surface: /ws, /status and, when enabled, /metrics.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the game loop and serves HTTP on the configured address. It
// blocks until Stop is called or the listener fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true
	go s.loop.Run()

	s.log.Info("serving ", s.cfg.Server.Name, " on ", ln.Addr())
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts down HTTP, stops the loop and disconnects every client.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.running {
		s.loop.Stop()
		s.running = false
	}
	for _, id := range s.sync.Clients() {
		_ = s.sync.RemoveClient(id)
	}
	for {
		select {
		case sock := <-s.pending:
			_ = sock.Close()
		default:
			return err
		}
	}
}

// Accept queues a connected socket. The client is attached on the next tick.
func (s *Server) Accept(sock network.Socket) error {
	select {
	case s.pending <- sock:
		return nil
	default:
		return ErrServerBusy
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept from ", r.RemoteAddr, ": ", err)
		return
	}
	sock := network.WrapWebSocket(ws, s.cfg.Network.MaxPayload)
	if err := s.Accept(sock); err != nil {
		s.log.Warn("rejecting ", r.RemoteAddr, ": ", err)
		_ = sock.Close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.log.Warn("status encode error: ", err)
	}
}

// Tick runs one server step: attach queued sockets, advance the
// simulation, replicate, then react to what the clients sent.
func (s *Server) Tick() error {
	now := s.clock.Now()
	dt := now - s.lastTick
	s.lastTick = now

	s.acceptPending()
	s.sim.Step(dt)
	err := s.sync.Update()
	for _, e := range s.sync.Events() {
		s.sim.HandleEvent(e)
	}
	s.publish()
	return err
}

func (s *Server) acceptPending() {
	for {
		select {
		case sock := <-s.pending:
			conn := network.NewConnection(sock, s.clock, ConnectionOptions(s.cfg.Network, s.log))
			if _, err := s.sync.AddClient(conn); err != nil {
				s.log.Error("add client: ", err)
				_ = conn.Close()
			}
		default:
			return
		}
	}
}

func (s *Server) publish() {
	st := Status{
		Name:    s.cfg.Server.Name,
		Tick:    s.sync.Tick(),
		Clients: len(s.sync.Clients()),
		Objects: s.sync.ObjectCount(),
		Stats:   s.sync.Stats(),
	}
	for _, client := range s.sim.clients() {
		id, _ := s.sim.Avatar(client)
		st.Avatars = append(st.Avatars, uint32(id))
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the state published by the last tick.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Synchronizer exposes the replication layer. Only call it from the loop
// goroutine, or while the loop is not running.
func (s *Server) Synchronizer() *synchronizer.StateSynchronizer {
	return s.sync
}

// Simulation exposes the demo world under the same rule as Synchronizer.
func (s *Server) Simulation() *Simulation {
	return s.sim
}

// ConnectionOptions maps the network section of the configuration onto
// transport options.
func ConnectionOptions(n config.NetworkConfig, logger netlog.Logger) network.Options {
	opts := network.DefaultOptions()
	opts.Reliable = n.Reliable
	opts.Timeout = n.Timeout
	opts.PingInterval = n.PingInterval
	opts.MinRTO = n.MinRTO
	opts.MaxRetries = n.MaxRetries
	opts.MaxPayload = n.MaxPayload
	opts.Logger = logger
	return opts
}
