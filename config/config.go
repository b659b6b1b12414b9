// Package config loads the resource server configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or the ACERS_CONFIG environment variable. Values of the form ${VAR} or
// ${VAR:-default} are expanded from the environment, so key material can
// be kept out of the file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/acers/cose"
	"github.com/jmcleod/acers/introspect"
	"github.com/jmcleod/acers/key"
	"github.com/jmcleod/acers/message"
	"github.com/jmcleod/acers/storage"
	bboltstorage "github.com/jmcleod/acers/storage/bbolt"
	filestorage "github.com/jmcleod/acers/storage/file"
	"github.com/jmcleod/acers/storage/memory"
	"github.com/jmcleod/acers/tokenstore"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "ACERS_CONFIG"

// Snapshot backends.
const (
	BackendBBolt  = "bbolt"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Config is the resource server configuration.
type Config struct {
	// Listen configures the network listeners.
	Listen ListenConfig `yaml:"listen"`

	// DataDir holds the token snapshot.
	DataDir string `yaml:"data_dir"`

	// Storage selects the snapshot backend.
	Storage StorageConfig `yaml:"storage"`

	// Issuers are the accepted token issuers.
	Issuers []string `yaml:"issuers"`

	// Audiences are the audiences this server answers to.
	Audiences []string `yaml:"audiences"`

	// Scopes maps scope -> resource -> allowed actions.
	Scopes map[string]map[string][]string `yaml:"scopes"`

	// AuthorizationServer is advertised to unauthorized clients.
	AuthorizationServer ASConfig `yaml:"authorization_server"`

	// Crypto is the context protecting self-contained tokens.
	Crypto CryptoConfig `yaml:"crypto"`

	// Introspection is the optional introspection endpoint.
	Introspection IntrospectionConfig `yaml:"introspection"`

	// SweepInterval is how often expired tokens are purged. Zero disables
	// the sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// HTTP configures the HTTP binding.
	HTTP HTTPConfig `yaml:"http"`

	// Resources are static representations served for GET on
	// /rs/{name} over HTTP and DTLS.
	Resources map[string]string `yaml:"resources"`
}

// ListenConfig configures listen addresses. An empty address disables the
// listener.
type ListenConfig struct {
	HTTP string `yaml:"http"`
	DTLS string `yaml:"dtls"`
}

// StorageConfig configures the snapshot backend.
type StorageConfig struct {
	// Backend is bbolt, file or memory. Default: bbolt.
	Backend string `yaml:"backend"`

	// SealingSecret is Base64 secret material. When set, bbolt records are
	// sealed with a key derived from it.
	SealingSecret string `yaml:"sealing_secret"`
}

// ASConfig describes the authorization server.
type ASConfig struct {
	URI string `yaml:"uri"`
}

// CryptoConfig configures the COSE context.
type CryptoConfig struct {
	// Message is MAC0, Sign1 or Encrypt0.
	Message string `yaml:"message"`

	// Algorithm is the COSE algorithm name, e.g. HMAC256 or ES256.
	Algorithm string `yaml:"algorithm"`

	// KeyWrap is direct (default) or hkdf-sha256.
	KeyWrap string `yaml:"key_wrap"`

	// Key is the Base64 shared secret for MAC0 and Encrypt0.
	Key string `yaml:"key"`

	// PublicKey is the Base64 COSE_Key verifying Sign1 tokens.
	PublicKey string `yaml:"public_key"`
}

// IntrospectionConfig configures token introspection.
type IntrospectionConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxTries uint          `yaml:"max_tries"`
}

// HTTPConfig configures the HTTP binding.
type HTTPConfig struct {
	// IdentityHeader trusts X-ACE-Identity as the sender identity.
	IdentityHeader bool `yaml:"identity_header"`

	// TrustedProxies are CIDRs or IPs whose forwarding headers are honored.
	TrustedProxies []string `yaml:"trusted_proxies"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// Default returns the configuration every file is merged over.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP: ":8443",
			DTLS: ":5684",
		},
		DataDir: "./data",
		Storage: StorageConfig{Backend: BackendBBolt},
		Crypto: CryptoConfig{
			Message:   "MAC0",
			Algorithm: "HMAC256",
			KeyWrap:   "direct",
		},
		Introspection: IntrospectionConfig{
			Timeout:  10 * time.Second,
			MaxTries: 3,
		},
		SweepInterval: time.Minute,
	}
}

// Load loads the file named by ACERS_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; set it or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads and validates the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.DataDir = expandVars(c.DataDir)
	c.Storage.SealingSecret = expandVars(c.Storage.SealingSecret)
	c.Crypto.Key = expandVars(c.Crypto.Key)
	c.Crypto.PublicKey = expandVars(c.Crypto.PublicKey)
	c.Introspection.URL = expandVars(c.Introspection.URL)
	c.HTTP.TLSCert = expandVars(c.HTTP.TLSCert)
	c.HTTP.TLSKey = expandVars(c.HTTP.TLSKey)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.HTTP == "" && c.Listen.DTLS == "" {
		errs = append(errs, errors.New("listen: at least one of http and dtls is required"))
	}
	switch c.Storage.Backend {
	case BackendBBolt, BackendFile:
		if c.DataDir == "" {
			errs = append(errs, fmt.Errorf("data_dir is required for the %s backend", c.Storage.Backend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.SealingSecret != "" {
		if c.Storage.Backend != BackendBBolt {
			errs = append(errs, errors.New("storage.sealing_secret requires the bbolt backend"))
		}
		if _, err := decodeBase64(c.Storage.SealingSecret); err != nil {
			errs = append(errs, fmt.Errorf("storage.sealing_secret: %w", err))
		}
	}
	if len(c.Issuers) == 0 {
		errs = append(errs, errors.New("issuers: at least one issuer is required"))
	}
	if len(c.Audiences) == 0 {
		errs = append(errs, errors.New("audiences: at least one audience is required"))
	}
	if len(c.Scopes) == 0 {
		errs = append(errs, errors.New("scopes: at least one scope is required"))
	}
	if c.AuthorizationServer.URI == "" {
		errs = append(errs, errors.New("authorization_server.uri is required"))
	}
	if _, err := c.CryptoContext(); err != nil {
		errs = append(errs, fmt.Errorf("crypto: %w", err))
	}
	if c.Introspection.URL != "" {
		u, err := url.Parse(c.Introspection.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("introspection.url: %q is not an http(s) URL", c.Introspection.URL))
		}
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep_interval must not be negative"))
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		errs = append(errs, errors.New("http: tls_cert and tls_key must be set together"))
	}
	for name := range c.Resources {
		if strings.Trim(name, "/") == "" || strings.Contains(strings.Trim(name, "/"), "/") {
			errs = append(errs, fmt.Errorf("resources: invalid resource name %q", name))
		}
	}

	return errors.Join(errs...)
}

var algorithms = map[string]int64{
	"A128GCM":          cose.AlgA128GCM,
	"A192GCM":          cose.AlgA192GCM,
	"A256GCM":          cose.AlgA256GCM,
	"HMAC256/64":       cose.AlgHMAC256_64,
	"HMAC256":          cose.AlgHMAC256,
	"HMAC384":          cose.AlgHMAC384,
	"HMAC512":          cose.AlgHMAC512,
	"ChaCha20Poly1305": cose.AlgChaCha20Poly1305,
	"ES256":            cose.AlgES256,
	"EdDSA":            cose.AlgEdDSA,
	"ES384":            cose.AlgES384,
	"ES512":            cose.AlgES512,
}

var keyWraps = map[string]int64{
	"":            cose.Direct,
	"direct":      cose.Direct,
	"hkdf-sha256": cose.DirectHKDFSHA256,
}

// CryptoContext builds the COSE context for self-contained tokens.
func (c *Config) CryptoContext() (*cose.Context, error) {
	typ, err := cose.ParseMessageType(c.Crypto.Message)
	if err != nil {
		return nil, err
	}
	alg, ok := algorithms[c.Crypto.Algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %q", c.Crypto.Algorithm)
	}
	kw, ok := keyWraps[strings.ToLower(c.Crypto.KeyWrap)]
	if !ok {
		return nil, fmt.Errorf("unknown key wrap %q", c.Crypto.KeyWrap)
	}
	opts := []cose.Option{cose.WithKeyWrap(kw)}

	if typ == cose.Sign1 {
		if c.Crypto.PublicKey == "" {
			return nil, errors.New("public_key is required for Sign1")
		}
		data, err := decodeBase64(c.Crypto.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("public_key: %w", err)
		}
		k, err := key.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("public_key: %w", err)
		}
		defer k.Destroy()
		return cose.NewSign1(alg, k.Public(), opts...)
	}

	if c.Crypto.Key == "" {
		return nil, fmt.Errorf("key is required for %s", typ)
	}
	secret, err := decodeBase64(c.Crypto.Key)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	if typ == cose.MAC0 {
		return cose.NewMAC0(alg, secret, opts...)
	}
	return cose.NewEncrypt0(alg, secret, opts...)
}

// Validator returns the audience and scope validator.
func (c *Config) Validator() *tokenstore.KissValidator {
	return tokenstore.NewKissValidator(c.Audiences, c.Scopes)
}

// ASInfo returns the AS-info advertised to unauthorized clients.
func (c *Config) ASInfo() message.ASInfo {
	return message.ASInfo{URI: c.AuthorizationServer.URI}
}

// Introspector returns the HTTP introspection client, or nil when no
// introspection endpoint is configured.
func (c *Config) Introspector(logger *slog.Logger) introspect.Introspector {
	if c.Introspection.URL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return introspect.NewHTTPClient(c.Introspection.URL,
		introspect.WithHTTPClient(&http.Client{Timeout: c.Introspection.Timeout}),
		introspect.WithMaxTries(c.Introspection.MaxTries),
		introspect.WithLogger(logger))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SnapshotPath returns where the configured backend keeps its snapshot.
func (c *Config) SnapshotPath() string {
	switch c.Storage.Backend {
	case BackendFile:
		return filepath.Join(c.DataDir, "tokens.json")
	case BackendBBolt:
		return filepath.Join(c.DataDir, "tokens.db")
	}
	return ""
}

// Snapshotter opens the configured snapshot backend. The returned Closer
// releases it.
func (c *Config) Snapshotter() (storage.Snapshotter, io.Closer, error) {
	switch c.Storage.Backend {
	case BackendMemory:
		return memory.NewRepository(), nopCloser{}, nil
	case BackendFile:
		if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		return filestorage.New(c.SnapshotPath()), nopCloser{}, nil
	}

	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	var opts []bboltstorage.Option
	if c.Storage.SealingSecret != "" {
		secret, err := decodeBase64(c.Storage.SealingSecret)
		if err != nil {
			return nil, nil, fmt.Errorf("storage.sealing_secret: %w", err)
		}
		opts = append(opts, bboltstorage.WithSealingSecret(secret))
	}
	s, err := bboltstorage.NewRepositoryFromFile(c.SnapshotPath(), &bbolt.Options{Timeout: 5 * time.Second}, opts...)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
