// Package config parses kroxy's ini configuration file, following the
// teacher's own kafka-proxy tool's flat AddSection/AddString style rather
// than a YAML/JSON config library. The ini library's sections and fields are
// declared statically, so (matching the teacher's own single-broker-section
// config) one ini file configures exactly one virtual cluster; a deployment
// fronting several virtual clusters runs one kroxy process per config file,
// each with its own listener, sharing nothing at the OS process level.
package config

import (
	"fmt"
	"io"
	"time"

	"github.com/lars-t-hansen/ini"
)

// VirtualClusterConfig is the [virtualcluster] section.
type VirtualClusterConfig struct {
	Name              string
	ListenAddr        string
	UpstreamBootstrap string
	EndpointPolicy    string // "port-per-broker" | "sni" | "static"
	ProxyHost         string
	ProxyBasePort     int
	TLSCertFile       string
	TLSKeyFile        string
	SaslUsername      string
	SaslPassword      string
	UpstreamCaFile    string
}

// KMSConfig is the [kms] section.
type KMSConfig struct {
	Provider string // "aead" is the only provider cmd/kroxy builds; other names are rejected there
	KeyID    string
	Region   string
	Endpoint string
}

// CacheConfig is the [kms.cache] section, tuning the three caches of §4.6.
type CacheConfig struct {
	AliasCacheTTL     time.Duration
	DecryptorCacheTTL time.Duration
	NegativeCacheTTL  time.Duration
}

// Config is everything parsed out of one kroxy ini file.
type Config struct {
	VirtualCluster VirtualClusterConfig
	Filters        []string
	KMS            KMSConfig
	Cache          CacheConfig
	MetricsAddr    string
}

// Parse reads an ini file shaped like kroxy's config: a [virtualcluster]
// section, a [kms] section, a [filters] section whose "chain" key names the
// filter chain in order, a [kms.cache] section and an [admin] section.
func Parse(r io.Reader) (Config, error) {
	parser := ini.NewParser()

	vcSect := parser.AddSection("virtualcluster")
	vcName := vcSect.AddString("name")
	vcListenAddr := vcSect.AddString("listen-addr")
	vcUpstream := vcSect.AddString("upstream-bootstrap")
	vcPolicy := vcSect.AddString("endpoint-policy")
	vcProxyHost := vcSect.AddString("proxy-host")
	vcProxyBasePort := vcSect.AddUint64("proxy-base-port")
	vcTLSCert := vcSect.AddString("tls-cert-file")
	vcTLSKey := vcSect.AddString("tls-key-file")
	vcSaslUser := vcSect.AddString("sasl-username")
	vcSaslPass := vcSect.AddString("sasl-password")
	vcUpstreamCa := vcSect.AddString("upstream-ca-file")

	filtersSect := parser.AddSection("filters")
	filterChain := filtersSect.AddString("chain")

	kmsSect := parser.AddSection("kms")
	kmsProvider := kmsSect.AddString("provider")
	kmsKeyID := kmsSect.AddString("key-id")
	kmsRegion := kmsSect.AddString("region")
	kmsEndpoint := kmsSect.AddString("endpoint")

	cacheSect := parser.AddSection("kms.cache")
	aliasTTL := cacheSect.AddUint64("alias-ttl-seconds")
	decryptorTTL := cacheSect.AddUint64("decryptor-ttl-seconds")
	negativeTTL := cacheSect.AddUint64("negative-ttl-seconds")

	adminSect := parser.AddSection("admin")
	metricsAddr := adminSect.AddString("metrics-addr")

	store, err := parser.Parse(r)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	cfg := Config{
		Cache: CacheConfig{
			AliasCacheTTL:     10 * time.Minute,
			DecryptorCacheTTL: time.Hour,
			NegativeCacheTTL:  30 * time.Second,
		},
		MetricsAddr: ":9644",
	}

	cfg.VirtualCluster.EndpointPolicy = "static"
	if vcName.Present(store) {
		cfg.VirtualCluster.Name = vcName.StringVal(store)
	}
	if vcListenAddr.Present(store) {
		cfg.VirtualCluster.ListenAddr = vcListenAddr.StringVal(store)
	}
	if vcUpstream.Present(store) {
		cfg.VirtualCluster.UpstreamBootstrap = vcUpstream.StringVal(store)
	}
	if vcPolicy.Present(store) {
		cfg.VirtualCluster.EndpointPolicy = vcPolicy.StringVal(store)
	}
	if vcProxyHost.Present(store) {
		cfg.VirtualCluster.ProxyHost = vcProxyHost.StringVal(store)
	}
	if vcProxyBasePort.Present(store) {
		cfg.VirtualCluster.ProxyBasePort = int(vcProxyBasePort.Uint64Val(store))
	}
	if vcTLSCert.Present(store) {
		cfg.VirtualCluster.TLSCertFile = vcTLSCert.StringVal(store)
	}
	if vcTLSKey.Present(store) {
		cfg.VirtualCluster.TLSKeyFile = vcTLSKey.StringVal(store)
	}
	if vcSaslUser.Present(store) {
		cfg.VirtualCluster.SaslUsername = vcSaslUser.StringVal(store)
	}
	if vcSaslPass.Present(store) {
		cfg.VirtualCluster.SaslPassword = vcSaslPass.StringVal(store)
	}
	if vcUpstreamCa.Present(store) {
		cfg.VirtualCluster.UpstreamCaFile = vcUpstreamCa.StringVal(store)
	}

	if filterChain.Present(store) {
		cfg.Filters = splitCommaList(filterChain.StringVal(store))
	}

	if kmsProvider.Present(store) {
		cfg.KMS.Provider = kmsProvider.StringVal(store)
	}
	if kmsKeyID.Present(store) {
		cfg.KMS.KeyID = kmsKeyID.StringVal(store)
	}
	if kmsRegion.Present(store) {
		cfg.KMS.Region = kmsRegion.StringVal(store)
	}
	if kmsEndpoint.Present(store) {
		cfg.KMS.Endpoint = kmsEndpoint.StringVal(store)
	}

	if aliasTTL.Present(store) {
		cfg.Cache.AliasCacheTTL = time.Duration(aliasTTL.Uint64Val(store)) * time.Second
	}
	if decryptorTTL.Present(store) {
		cfg.Cache.DecryptorCacheTTL = time.Duration(decryptorTTL.Uint64Val(store)) * time.Second
	}
	if negativeTTL.Present(store) {
		cfg.Cache.NegativeCacheTTL = time.Duration(negativeTTL.Uint64Val(store)) * time.Second
	}

	if metricsAddr.Present(store) {
		cfg.MetricsAddr = metricsAddr.StringVal(store)
	}

	return cfg, nil
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, trimSpace(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}
