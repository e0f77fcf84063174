package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/bankgate/internal/cache"
	"github.com/wudi/bankgate/internal/circuitbreaker"
	"github.com/wudi/bankgate/internal/coalesce"
	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/loadbalancer"
	"github.com/wudi/bankgate/internal/logging"
	"github.com/wudi/bankgate/internal/metrics"
	"github.com/wudi/bankgate/internal/middleware"
	"github.com/wudi/bankgate/internal/middleware/accesslog"
	"github.com/wudi/bankgate/internal/middleware/botdetect"
	"github.com/wudi/bankgate/internal/middleware/geo"
	"github.com/wudi/bankgate/internal/middleware/ipfilter"
	"github.com/wudi/bankgate/internal/middleware/maintenance"
	"github.com/wudi/bankgate/internal/middleware/ratelimit"
	"github.com/wudi/bankgate/internal/middleware/realip"
	"github.com/wudi/bankgate/internal/middleware/waf"
	"github.com/wudi/bankgate/internal/proxy"
	"github.com/wudi/bankgate/internal/retry"
	"github.com/wudi/bankgate/internal/router"
)

// Gateway is the banking API gateway. It owns every piece of shared state the
// request pipeline consults.
type Gateway struct {
	config *config.Config

	realIP  *realip.Extractor
	access  *ipfilter.Classifier
	maint   *maintenance.Switch
	geo     *geo.Filter
	waf     *waf.Filter
	bots    *botdetect.BotDetector
	limits  *ratelimit.Registry
	conns   *ratelimit.ConcurrencyLimiter
	router  *router.Router
	pools   map[string]*loadbalancer.Pool
	proxy   *proxy.Proxy
	cache   *cache.Cache
	flight  *coalesce.Coalescer[proxy.Result]
	redis   *redis.Client
	metrics *metrics.Collector
	streams *logging.Streams
	log     *accesslog.Logger

	watcher *config.FlagWatcher
	cancel  context.CancelFunc
	started time.Time
}

// Option customizes a Gateway at construction.
type Option func(*Gateway)

// WithStreams replaces the log streams built from config.
func WithStreams(s *logging.Streams) Option {
	return func(g *Gateway) { g.streams = s }
}

// WithGeoProvider replaces the geo database named in config.
func WithGeoProvider(p geo.Provider) Option {
	return func(g *Gateway) {
		g.geo = geo.NewFilter(p, g.config.Access.Geo.DenyCountries)
	}
}

// WithCacheStore replaces the cache store selected in config.
func WithCacheStore(s cache.Store) Option {
	return func(g *Gateway) {
		if g.config.Cache.Enabled {
			g.cache = cache.New(s, g.config.Cache)
		}
	}
}

// New creates a gateway from a finalized config.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		config:  cfg,
		metrics: metrics.NewCollector(),
		maint:   maintenance.New(cfg.Maintenance),
		limits:  ratelimit.NewRegistry(cfg.RateLimit),
		conns:   ratelimit.NewConcurrencyLimiter(cfg.Connections.PerIP),
		waf:     waf.New(cfg.Security),
		started: time.Now(),
	}

	var err error
	if g.realIP, err = realip.New(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	if g.access, err = ipfilter.New(cfg.Access.AdminCIDRs, cfg.Access.AdminExclude); err != nil {
		return nil, fmt.Errorf("admin ranges: %w", err)
	}
	if g.bots, err = botdetect.New(cfg.Security); err != nil {
		return nil, fmt.Errorf("agent patterns: %w", err)
	}
	if g.router, err = router.New(cfg.Routes); err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}
	if g.pools, err = loadbalancer.NewPools(cfg.Upstreams, g.onEndpointState); err != nil {
		return nil, fmt.Errorf("upstreams: %w", err)
	}

	g.proxy = proxy.New(proxy.NewTransport(cfg.Transport), cfg.Transport, retry.NewPolicy(cfg.Retry))
	g.proxy.OnAttempt = func(pool string, kind retry.Kind) {
		g.metrics.RecordUpstreamAttempt(pool, kind.String())
	}

	for _, opt := range opts {
		opt(g)
	}

	if err := g.initStreams(); err != nil {
		return nil, err
	}
	if err := g.initGeo(); err != nil {
		return nil, err
	}
	g.initCache()

	return g, nil
}

func (g *Gateway) initStreams() error {
	if g.streams == nil {
		opts := make(map[string]logging.StreamOptions, len(g.config.Logging.Streams))
		for name, sc := range g.config.Logging.Streams {
			opts[name] = logging.StreamOptions{
				Output:     sc.Output,
				Level:      sc.Level,
				MaxSize:    sc.Rotation.MaxSize,
				MaxBackups: sc.Rotation.MaxBackups,
				MaxAge:     sc.Rotation.MaxAge,
				Compress:   sc.Rotation.Compress,
				LocalTime:  sc.Rotation.LocalTime,
			}
		}
		streams, err := logging.NewStreams(opts, config.StreamAccess)
		if err != nil {
			return err
		}
		g.streams = streams
	}
	g.log = accesslog.New(g.streams)
	return nil
}

func (g *Gateway) initGeo() error {
	geoCfg := g.config.Access.Geo
	if g.geo != nil || geoCfg.Database == "" || len(geoCfg.DenyCountries) == 0 {
		return nil
	}
	provider, err := geo.NewProvider(geoCfg.Database)
	if err != nil {
		return fmt.Errorf("geo database: %w", err)
	}
	g.geo = geo.NewFilter(provider, geoCfg.DenyCountries)
	return nil
}

func (g *Gateway) initCache() {
	cfg := g.config.Cache
	if !cfg.Enabled {
		return
	}
	if g.cache == nil {
		var store cache.Store
		switch cfg.Store {
		case "redis":
			g.redis = redis.NewClient(&redis.Options{
				Addr:     g.config.Redis.Address,
				Password: g.config.Redis.Password,
				DB:       g.config.Redis.DB,
			})
			store = cache.NewRedisStore(g.redis, g.config.Redis.Prefix)
		default:
			store = cache.NewMemoryStore(cfg.MaxEntries, cfg.MaxBytes)
		}
		g.cache = cache.New(store, cfg)
	}
	g.flight = coalesce.New[proxy.Result](cfg.WaitTimeout)
}

func (g *Gateway) onEndpointState(pool, endpoint string, state circuitbreaker.State) {
	g.metrics.SetEndpointState(pool, endpoint, int(state))
	logging.Warn("upstream endpoint health changed",
		zap.String("pool", pool),
		zap.String("endpoint", endpoint),
		zap.String("state", state.String()),
		zap.String("health", state.Health()),
	)
}

// Start runs background work: the idle bucket reaper and the maintenance
// flag watcher.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)
	g.limits.Start(ctx)

	flag := g.config.Maintenance.FlagFile
	if flag == "" {
		return nil
	}
	w, err := config.NewFlagWatcher(flag)
	if err != nil {
		return fmt.Errorf("maintenance flag watcher: %w", err)
	}
	if w.Present() {
		g.maint.Set(true, maintenance.SourceFile)
	}
	w.OnChange(func(present bool) {
		g.maint.Set(present, maintenance.SourceFile)
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return fmt.Errorf("maintenance flag watcher: %w", err)
	}
	g.watcher = w
	return nil
}

// Handler returns the public handler. /health is answered before the
// pipeline so probes never consume rate tokens.
func (g *Gateway) Handler() http.Handler {
	pipeline := middleware.NewBuilder().
		Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
			TrustHeader: g.config.Server.TrustRequestID,
		})).
		Use(middleware.Recovery()).
		Handler(g)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		pipeline.ServeHTTP(w, r)
	})
}

// Maintenance returns the maintenance switch.
func (g *Gateway) Maintenance() *maintenance.Switch {
	return g.maint
}

// Pools returns the upstream pools by name.
func (g *Gateway) Pools() map[string]*loadbalancer.Pool {
	return g.pools
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Close stops background work and releases resources.
func (g *Gateway) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	if g.watcher != nil {
		g.watcher.Stop()
		g.watcher = nil
	}
	if g.geo != nil {
		g.geo.Close()
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			logging.Warn("redis close failed", zap.Error(err))
		}
	}
	return g.streams.Close()
}
