package durablestreams

import (
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/durable-streams/durable-streams/packages/caddy-plugin/internal/metrics"
	"github.com/durable-streams/durable-streams/packages/caddy-plugin/proxy"
	"github.com/durable-streams/durable-streams/packages/caddy-plugin/store"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler
type Handler struct {
	// DataDir is the directory for storing stream data
	// If empty, uses in-memory storage (for testing)
	DataDir string `json:"data_dir,omitempty"`

	// MaxFileHandles is the maximum number of open file handles to cache
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections should reconnect
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// MetadataBackend selects the file store's metadata persistence engine:
	// "bbolt" (default) or "lmdb". Only meaningful when DataDir is set.
	MetadataBackend string `json:"metadata_backend,omitempty"`

	// CleanupInterval is how often expired streams are swept in the
	// background. Applies to both the in-memory and file-backed stores.
	CleanupInterval caddy.Duration `json:"cleanup_interval,omitempty"`

	// ProxyAllowedUpstreams is the set of host/path glob patterns an
	// upstream location URL must match to be proxied (spec §4.5 allowlist).
	// If empty, the proxy profile is disabled.
	ProxyAllowedUpstreams []string `json:"proxy_allowed_upstreams,omitempty"`

	// ProxySigningSecretEnv names an environment variable holding the HMAC
	// secret used to sign proxy location URLs.
	ProxySigningSecretEnv string `json:"proxy_signing_secret_env,omitempty"`

	store        store.Store
	logger       *zap.Logger
	metrics      *metrics.Metrics
	proxyManager *proxy.Manager
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	// Set defaults
	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}

	cleanupInterval := time.Duration(h.CleanupInterval)
	if cleanupInterval == 0 {
		cleanupInterval = 5 * time.Minute
	}

	// Initialize store
	if h.DataDir == "" {
		// Use in-memory store for testing
		mem := store.NewMemoryStore()
		mem.StartExpirySweeper(cleanupInterval)
		h.store = mem
		h.logger.Info("using in-memory store (no data_dir configured)", zap.Duration("cleanup_interval", cleanupInterval))
	} else {
		// Use file-backed store
		fileStore, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:         h.DataDir,
			MaxFileHandles:  h.MaxFileHandles,
			CleanupInterval: cleanupInterval,
			MetadataBackend: h.MetadataBackend,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize file store: %w", err)
		}
		h.store = fileStore
		h.logger.Info("using file-backed store",
			zap.String("data_dir", h.DataDir),
			zap.String("metadata_backend", h.MetadataBackend),
			zap.Duration("cleanup_interval", cleanupInterval))
	}

	h.metrics = metrics.New()

	// Initialize the proxy profile if an allowlist is configured
	if len(h.ProxyAllowedUpstreams) > 0 {
		secret := proxy.SigningSecretFromEnv(h.ProxySigningSecretEnv)
		mgr, err := proxy.NewManager(h.store, h.ProxyAllowedUpstreams, secret, h.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize proxy profile: %w", err)
		}
		h.proxyManager = mgr
		h.logger.Info("proxy profile enabled", zap.Strings("allowed_upstreams", h.ProxyAllowedUpstreams))
	}

	return nil
}

// Validate ensures the handler configuration is valid
func (h *Handler) Validate() error {
	return nil
}

// Cleanup releases resources
func (h *Handler) Cleanup() error {
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    metadata_backend lmdb
//	    cleanup_interval 5m
//	    proxy_allowed_upstream api.example.com/v1/**
//	    proxy_signing_secret_env STREAMS_PROXY_SECRET
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxFileHandles, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "metadata_backend":
				if !d.Args(&h.MetadataBackend) {
					return d.ArgErr()
				}
			case "cleanup_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.CleanupInterval = caddy.Duration(dur)
			case "proxy_allowed_upstream":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				h.ProxyAllowedUpstreams = append(h.ProxyAllowedUpstreams, val)
			case "proxy_signing_secret_env":
				if !d.Args(&h.ProxySigningSecretEnv) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
