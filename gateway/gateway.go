package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"clustergate/config"
	"clustergate/control"
	"clustergate/health"
	"clustergate/middleware"
	"clustergate/proxy"
	"clustergate/registry"
)

// State is the control plane lifecycle: Starting → Running →
// (Restarting ⇄ Running) → Stopped.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Gateway owns all gateway state: the routing table, its persistence, the
// health monitor, the broadcast hub, the worker pool, and both listeners.
type Gateway struct {
	cfg *config.Config
	log *zap.Logger

	table    *registry.Table
	store    registry.Store
	mirror   *registry.EtcdStore
	hub      *Hub
	pool     *Pool
	monitor  *health.Monitor
	material *control.Material

	state atomic.Int32
}

// New assembles a gateway from configuration (the Starting phase): persisted
// registry loaded, TLS material loaded or generated, worker pool spawned.
func New(cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	g := &Gateway{
		cfg:   cfg,
		log:   log,
		table: registry.NewTable(cfg.Health.FailThreshold),
		store: registry.NewFileStore(cfg.Registry.File),
		hub:   NewHub(),
	}
	g.state.Store(int32(StateStarting))

	snap, err := g.store.Load()
	if err != nil {
		// Degraded but functional: an empty in-memory registry refills as
		// services re-register.
		log.Error("could not load persisted registry, starting empty", zap.Error(err))
		snap = registry.Snapshot{}
	}
	g.table.Restore(snap)

	if len(cfg.Registry.EtcdEndpoints) > 0 {
		g.mirror, err = registry.NewEtcdStore(cfg.Registry.EtcdEndpoints, cfg.Registry.Node, 30)
		if err != nil {
			log.Error("etcd mirror unavailable, continuing without it", zap.Error(err))
		} else if len(snap) == 0 {
			// Fresh node: bootstrap from our own mirrored key, or failing
			// that from any live peer's table.
			mirrored, err := g.mirror.Load()
			if err == nil && len(mirrored) == 0 {
				if peers, perr := g.mirror.Peers(); perr == nil {
					for node, peerSnap := range peers {
						if len(peerSnap) > 0 {
							log.Info("adopting registry from peer", zap.String("peer", node))
							mirrored = peerSnap
							break
						}
					}
				}
			}
			if err == nil && len(mirrored) > 0 {
				log.Info("bootstrapping registry from etcd mirror", zap.Int("groups", len(mirrored)))
				g.table.Restore(mirrored)
			}
		}
	}

	if cfg.TLS.Enabled {
		g.material, err = control.LoadMaterial(cfg.TLS.Dir)
		if err != nil {
			return nil, fmt.Errorf("tls material: %w", err)
		}
	} else if cfg.Auth.SharedSecret == "" {
		return nil, fmt.Errorf("tls disabled and no shared secret configured: control API would be open")
	} else {
		log.Warn("running in shared-secret mode: weaker than mTLS, all callers share one identity")
	}

	workers := runtime.GOMAXPROCS(0)
	if cfg.Workers.Cap > 0 && workers > cfg.Workers.Cap {
		workers = cfg.Workers.Cap
	}
	g.pool = NewPool(log, g.hub, workers, proxy.WorkerOptions{
		ForwardTimeout: cfg.Proxy.ForwardTimeout,
		OnTargetError:  g.onTargetError,
	})

	g.monitor = health.NewMonitor(g.table, log, health.Options{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.ProbeTimeout,
		Path:     cfg.Health.Path,
		OnChange: g.persistAndBroadcast,
	})

	// Workers start from the loaded table, not an empty view.
	g.hub.Broadcast(g.table.Snapshot())
	return g, nil
}

// Serve runs the gateway until ctx is canceled. The health monitor and both
// listeners live under one supervision tree; any of them crashing is
// restarted in place with backoff.
func (g *Gateway) Serve(ctx context.Context) error {
	sup := suture.New("clustergate", suture.Spec{
		EventHook: func(e suture.Event) {
			g.log.Warn("supervisor event", zap.String("event", e.String()))
		},
	})

	sup.Add(g.monitor)
	public := &httpService{
		name: "public",
		addr: fmt.Sprintf(":%d", g.cfg.Listen.Port),
		srv:  &http.Server{Handler: g.publicHandler()},
		log:  g.log,
	}
	if g.material != nil {
		// TLS terminates at the edge with the same live keypair the
		// control listener serves, minus the client-cert requirement.
		public.srv.TLSConfig = g.material.PublicConfig()
		public.edgeTLS = true
	}
	sup.Add(public)
	sup.Add(&httpService{
		name:     "control",
		addr:     fmt.Sprintf(":%d", g.cfg.Listen.ControlPort),
		srv:      &http.Server{Handler: g.controlAPI().Router()},
		material: g.material,
		log:      g.log,
	})

	g.state.Store(int32(StateRunning))
	g.log.Info("gateway running",
		zap.Int("port", g.cfg.Listen.Port),
		zap.Int("controlPort", g.cfg.Listen.ControlPort),
		zap.Int("workers", g.pool.Size()),
		zap.Bool("tls", g.material != nil))

	err := sup.Serve(ctx)

	g.state.Store(int32(StateStopped))
	g.pool.Close()
	if g.mirror != nil {
		g.mirror.Close()
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// State reports the current lifecycle state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Register applies a service announcement and persists/broadcasts. Exposed
// for embedding and tests; the control API goes through the same path.
func (g *Gateway) Register(svc registry.Service) error {
	if err := g.table.Register(svc); err != nil {
		return err
	}
	g.persistAndBroadcast(g.table.Snapshot())
	return nil
}

// RestartWorkers replaces the whole pool: the Restarting state. Routing
// state is untouched; only transport material changes.
func (g *Gateway) RestartWorkers(reason string) {
	g.state.Store(int32(StateRestarting))
	g.log.Info("restarting", zap.String("reason", reason))
	g.pool.Restart(reason)
	g.state.Store(int32(StateRunning))
}

// persistAndBroadcast is the single mutation exit path: save to disk (a
// write failure degrades to in-memory-only, never crashes the control
// plane), mirror if configured, then fan out to workers.
func (g *Gateway) persistAndBroadcast(snap registry.Snapshot) {
	if err := g.store.Save(snap); err != nil {
		g.log.Error("could not persist registry, continuing in-memory", zap.Error(err))
	}
	if g.mirror != nil {
		if err := g.mirror.Save(snap); err != nil {
			g.log.Warn("etcd mirror save failed", zap.Error(err))
		}
	}
	g.hub.Broadcast(snap)
}

// onTargetError feeds request-time connection refusals into the same
// fail-count accounting the health monitor uses: one event class serves
// both the immediate 502 and the longer-term routing correction.
func (g *Gateway) onTargetError(targetURL, errMsg string) {
	if evicted := g.table.RecordProbe(targetURL, registry.ProbeResult{Alive: false, Err: errMsg}); evicted {
		g.log.Warn("target evicted after request-time failures", zap.String("target", targetURL))
		g.persistAndBroadcast(g.table.Snapshot())
	}
}

func (g *Gateway) publicHandler() http.Handler {
	chain := []middleware.Middleware{middleware.Logging(g.log)}
	if g.cfg.Proxy.RateRPS > 0 {
		chain = append(chain, middleware.RateLimit(g.cfg.Proxy.RateRPS, g.cfg.Proxy.RateBurst))
	}
	return middleware.Chain(chain...)(g.pool)
}

func (g *Gateway) controlAPI() *control.API {
	auth := control.ChainAuthenticator{control.CertAuthenticator{}}
	if g.cfg.Auth.SharedSecret != "" {
		auth = append(auth, control.SecretAuthenticator{Secret: g.cfg.Auth.SharedSecret})
	}
	return control.NewAPI(g.log, g.table, auth, g.material, control.Hooks{
		OnRegistryChange: g.persistAndBroadcast,
		RestartWorkers:   g.RestartWorkers,
		ApplyConfig: func(u control.ConfigUpdate) error {
			return g.cfg.Apply(u.Port, u.SSLEnabled, u.SiteURL)
		},
		Describe: func() control.Info {
			return control.Info{
				Port:       g.cfg.Listen.Port,
				TLSEnabled: g.material != nil,
				SiteURL:    g.cfg.Listen.SiteURL,
				Workers:    g.pool.Size(),
				State:      g.State().String(),
			}
		},
	})
}

// httpService adapts an http.Server to the supervision tree: Serve blocks
// until the listener fails or the context ends. A non-nil material makes it
// a TLS listener requiring cluster client certificates.
type httpService struct {
	name     string
	addr     string
	srv      *http.Server
	material *control.Material
	edgeTLS  bool
	log      *zap.Logger
}

func (s *httpService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", s.name, s.addr, err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.srv.Shutdown(shutdownCtx)
		case <-done:
		}
	}()
	defer close(done)

	s.log.Info("listener up", zap.String("name", s.name), zap.String("addr", ln.Addr().String()))
	switch {
	case s.material != nil:
		s.srv.TLSConfig = s.material.ServerConfig()
		err = s.srv.ServeTLS(ln, "", "")
	case s.edgeTLS:
		err = s.srv.ServeTLS(ln, "", "")
	default:
		err = s.srv.Serve(ln)
	}
	if err == http.ErrServerClosed || ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *httpService) String() string { return "listener-" + s.name }
