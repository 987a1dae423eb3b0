// Command kroxy is a transparent Kafka wire proxy: it terminates client
// connections for a single configured virtual cluster, relays frames
// through an ordered filter chain to the real broker, and (when the [kms]
// section names a provider) transparently encrypts and decrypts selected record
// fields using an envelope-encryption scheme.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kmswrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kroxyproxy/kroxy/internal/config"
	"github.com/kroxyproxy/kroxy/internal/dek"
	"github.com/kroxyproxy/kroxy/internal/encryption"
	"github.com/kroxyproxy/kroxy/internal/endpoint"
	"github.com/kroxyproxy/kroxy/internal/filter"
	"github.com/kroxyproxy/kroxy/internal/kms"
	"github.com/kroxyproxy/kroxy/internal/logging"
	"github.com/kroxyproxy/kroxy/internal/metrics"
	"github.com/kroxyproxy/kroxy/internal/proxy"
)

func main() {
	configPath := flag.String("config", "", "path to the kroxy ini config file")
	debug := flag.Bool("d", false, "enable debug logging")
	verbose := flag.Bool("v", false, "enable human-readable console logging")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "kroxy: -config is required")
		os.Exit(1)
	}

	logger, err := logging.New(*debug, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kroxy: build logger: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(*configPath)
	if err != nil {
		logger.Errorw("open config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg, err := config.Parse(f)
	f.Close()
	if err != nil {
		logger.Errorw("parse config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	cluster, newChain, err := build(cfg, m, logger)
	if err != nil {
		logger.Errorw("build proxy", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	adminSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: adminMux}

	serveErr := make(chan error, 1)
	go func() { serveErr <- adminSrv.ListenAndServe() }()

	listener := &proxy.Listener{
		Cluster:  cluster,
		NewChain: newChain,
		Logger:   logger,
		Metrics:  m,
	}

	listenErr := make(chan error, 1)
	go func() { listenErr <- listener.Runner().Run(ctx) }()

	logger.Infow("kroxy started", "cluster", cluster.Name, "listen_addr", cluster.ListenAddr, "metrics_addr", cfg.MetricsAddr)

	select {
	case <-ctx.Done():
		logger.Infow("kroxy: received shutdown signal")
	case err := <-listenErr:
		if err != nil {
			logger.Errorw("kroxy: listener stopped", "err", err)
		}
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorw("kroxy: admin server stopped", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	adminSrv.Shutdown(shutdownCtx)
}

// build assembles the endpoint and KMS/DEK stack from parsed config and
// returns a constructor for the filter chain. The constructor, not a shared
// chain value, is what gets handed to the listener: EagerMetadataLearner
// keeps per-connection state (whether it has already primed this
// connection), so every accepted connection needs its own filter instances
// rather than sharing one chain across every client.
func build(cfg config.Config, m *metrics.Metrics, logger logging.Logger) (*endpoint.VirtualCluster, func() *filter.Chain, error) {
	var policy endpoint.Policy
	switch cfg.VirtualCluster.EndpointPolicy {
	case "port-per-broker":
		policy = endpoint.NewPortPerBroker(cfg.VirtualCluster.ProxyHost, int32(cfg.VirtualCluster.ProxyBasePort))
	case "sni":
		policy = &endpoint.SniRouting{ProxyHost: cfg.VirtualCluster.ProxyHost, ProxyPort: int32(cfg.VirtualCluster.ProxyBasePort)}
	default:
		policy = &endpoint.StaticCluster{ProxyHost: cfg.VirtualCluster.ProxyHost, ProxyPort: int32(cfg.VirtualCluster.ProxyBasePort)}
	}

	registry := endpoint.NewRegistry()
	cluster, err := registry.Register(
		cfg.VirtualCluster.Name,
		cfg.VirtualCluster.ListenAddr,
		splitBootstrap(cfg.VirtualCluster.UpstreamBootstrap),
		policy,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("register virtual cluster: %w", err)
	}

	var recordFilterFactory func() (*encryption.RecordFilter, error)
	if cfg.KMS.Provider != "" {
		k, d, err := buildKmsAndDek(cfg, m)
		if err != nil {
			return nil, nil, fmt.Errorf("build record encryption filter: %w", err)
		}
		recordFilterFactory = func() (*encryption.RecordFilter, error) {
			return &encryption.RecordFilter{
				Selector: encryption.StaticKekSelector{Enabled: true, DefaultAlias: cfg.KMS.KeyID},
				Kms:      k,
				Dek:      d,
			}, nil
		}
	}

	newChain := func() *filter.Chain {
		filters := []filter.Filter{
			&filter.EagerMetadataLearner{Cluster: cluster},
			&filter.BrokerAddressFilter{Cluster: cluster},
		}
		if recordFilterFactory != nil {
			rf, err := recordFilterFactory()
			if err != nil {
				logger.Errorw("build record encryption filter", "err", err)
			} else {
				filters = append(filters, rf)
			}
		}
		return filter.NewChain(30*time.Second, filters...).WithMetrics(m)
	}
	return cluster, newChain, nil
}

// buildKmsAndDek builds the process-wide KMS facade and DEK manager: both
// own shared caches and must be reused across every connection's record
// encryption filter rather than rebuilt per connection.
func buildKmsAndDek(cfg config.Config, m *metrics.Metrics) (*kms.KMS, *dek.Manager, error) {
	w, err := buildWrapper(cfg.KMS)
	if err != nil {
		return nil, nil, err
	}

	kmsCfg := kms.DefaultConfig()
	kmsCfg.AliasCacheTTL = cfg.Cache.AliasCacheTTL
	kmsCfg.DecryptorCacheTTL = cfg.Cache.DecryptorCacheTTL
	kmsCfg.NegativeCacheTTL = cfg.Cache.NegativeCacheTTL

	k := kms.New(cfg.KMS.KeyID, w, m, kmsCfg)
	d := dek.NewManager(k, m, time.Hour, 1_000_000)
	return k, d, nil
}

// buildWrapper constructs the go-kms-wrapping Wrapper named by the [kms]
// section. Only the aead wrapper (for local/dev use) is wired directly;
// cloud KEK providers plug in the same way hashicorp-nomad's
// newKMSWrapper does, by adding the provider's wrapper package and a case
// here.
func buildWrapper(cfg config.KMSConfig) (kmswrapping.Wrapper, error) {
	switch cfg.Provider {
	case "", "aead":
		w := aead.NewWrapper()
		if _, err := w.SetConfig(context.Background(),
			aead.WithAeadType(kmswrapping.AeadTypeAesGcm),
			aead.WithHashType(kmswrapping.HashTypeSha256),
			kmswrapping.WithKeyId(cfg.KeyID),
		); err != nil {
			return nil, fmt.Errorf("configure aead wrapper: %w", err)
		}
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate aead wrapper key: %w", err)
		}
		if err := w.SetAesGcmKeyBytes(key); err != nil {
			return nil, fmt.Errorf("set aead key: %w", err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("kms: unsupported provider %q (add its go-kms-wrapping wrapper to buildWrapper)", cfg.Provider)
	}
}

func splitBootstrap(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
