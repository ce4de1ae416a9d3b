// Package main is the CLI entrypoint for freeqd. It provides subcommands
// for running the server (serve) and printing version information
// (version). The serve command loads configuration, opens the embedded
// database, starts the IRC listeners and, if enabled, the federation mesh
// link, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/freeq-dev/freeqd/internal/config"
	"github.com/freeq-dev/freeqd/internal/conn"
	"github.com/freeq-dev/freeqd/internal/database"
	"github.com/freeq-dev/freeqd/internal/federation"
	"github.com/freeq-dev/freeqd/internal/httpapi"
	"github.com/freeq-dev/freeqd/internal/listener"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("freeqd — federated IRC server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  freeqd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the freeqd server")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  freeqd.toml (or set FREEQD_CONFIG_PATH)")
	fmt.Println("  Env prefix:   FREEQD_ (e.g. FREEQD_DATABASE_PATH)")
}

// runServe starts the full freeqd server: loads config, opens the
// database, hydrates the in-memory channel registry, starts the IRC
// listeners, the policy/attestation HTTP API, and, if configured, the
// federation mesh link, then handles graceful shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting freeqd", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	encryptionKey, err := loadEncryptionKey(cfg.Database.EncryptionKeyFile)
	if err != nil {
		return fmt.Errorf("loading database encryption key: %w", err)
	}
	db, err := database.Open(ctx, cfg.Database.Path, encryptionKey, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	challengeTTL, err := cfg.IRC.ChallengeTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing irc.challenge_ttl: %w", err)
	}

	reg := conn.NewRegistry(cfg.Instance.ServerName, challengeTTL, logger)
	reg.Store = db
	reg.MaxMessagesPerChannel = cfg.IRC.MaxMessagesPerChannel

	authorityKey, authorityDID, err := loadOrCreateAuthorityKey(cfg.Policy.AuthorityKeyFile, cfg.Instance.ServerName)
	if err != nil {
		return fmt.Errorf("loading policy authority key: %w", err)
	}
	reg.AuthorityKey = authorityKey
	reg.AuthorityDID = authorityDID

	channels, err := db.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted channels: %w", err)
	}
	for _, ch := range channels {
		if ch.MaxHistory == 0 {
			ch.MaxHistory = cfg.IRC.MaxHistory
		}
		reg.LoadChannel(ch)
	}
	logger.Info("channel registry hydrated", slog.Int("channels", len(channels)))

	lst := listener.NewServer(reg, logger)

	listenerCtx, cancelListeners := context.WithCancel(ctx)
	defer cancelListeners()

	errCh := make(chan error, 4)

	if cfg.IRC.Listen != "" {
		go func() {
			if err := lst.ServePlain(listenerCtx, cfg.IRC.Listen); err != nil {
				errCh <- fmt.Errorf("plaintext IRC listener: %w", err)
			}
		}()
	}
	if cfg.IRC.TLSListen != "" {
		go func() {
			if err := lst.ServeTLS(listenerCtx, cfg.IRC.TLSListen, cfg.IRC.TLSCertFile, cfg.IRC.TLSKeyFile); err != nil {
				errCh <- fmt.Errorf("TLS IRC listener: %w", err)
			}
		}()
	}

	var fedMgr *federation.Manager
	if cfg.Federation.Enabled {
		fedMgr, err = startFederation(listenerCtx, cfg, reg, logger, errCh)
		if err != nil {
			return err
		}
	}

	apiSrv := httpapi.NewServer(httpapi.Config{
		Registry:   reg,
		DB:         db,
		ServerName: cfg.Instance.ServerName,
		Listen:     cfg.HTTP.Listen,
		CORS:       cfg.HTTP.CORSOrigins,
		Logger:     logger,
	})
	go func() {
		if err := apiSrv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP API server: %w", err)
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP API shutdown error", slog.String("error", err.Error()))
	}
	apiSrv.Stop()
	cancelListeners()
	lst.Wait()
	_ = fedMgr // federation links tear down with listenerCtx cancellation

	logger.Info("freeqd stopped")
	return nil
}

// startFederation loads the mesh mTLS identity and CA, starts the Manager's
// broadcast worker and inbound listener, and dials every configured peer.
func startFederation(ctx context.Context, cfg *config.Config, reg *conn.Registry, logger *slog.Logger, errCh chan<- error) (*federation.Manager, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Federation.CertFile, cfg.Federation.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading federation certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if cfg.Federation.PeerCAFile != "" {
		caPEM, err := os.ReadFile(cfg.Federation.PeerCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading federation peer CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("federation: no certificates parsed from peer CA file")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		tlsCfg.RootCAs = pool
	} else {
		tlsCfg.InsecureSkipVerify = true
		logger.Warn("federation.peer_ca_file not set; peer certificates are not verified")
	}

	allowed := make(map[string]bool, len(cfg.Federation.AllowedPeers))
	for _, id := range cfg.Federation.AllowedPeers {
		allowed[strings.ToLower(id)] = true
	}
	var allowFn func(string) bool
	if len(allowed) > 0 {
		allowFn = func(peerID string) bool { return allowed[peerID] }
	}

	applier := conn.NewFederationApplier(reg)
	mgr, err := federation.NewManager(federation.Config{
		ServerName:   cfg.Instance.ServerName,
		TLSConfig:    tlsCfg,
		AllowedPeers: allowFn,
		Logger:       logger,
	}, applier)
	if err != nil {
		return nil, fmt.Errorf("creating federation manager: %w", err)
	}
	reg.Federation = mgr

	go mgr.Run(ctx)
	go func() {
		if err := mgr.Listen(ctx, cfg.Federation.Listen); err != nil {
			errCh <- fmt.Errorf("federation listener: %w", err)
		}
	}()
	for _, addr := range cfg.Federation.Peers {
		go mgr.ConnectWithRetry(ctx, addr)
	}
	logger.Info("federation mesh enabled", slog.String("peer_id", mgr.PeerID()), slog.String("listen", cfg.Federation.Listen))
	return mgr, nil
}

// loadEncryptionKey reads a hex-encoded at-rest encryption key from path,
// returning nil (encryption disabled) if path is empty.
func loadEncryptionKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key in %s: %w", path, err)
	}
	return key, nil
}

// loadOrCreateAuthorityKey loads the policy authority's persistent ed25519
// key from a PEM-encoded seed file, generating and writing one on first
// run if the file does not exist. The authority DID is did:web derived
// from serverName, matching the ephemeral default Registry.AuthorityDID
// assigns before a real key is loaded.
func loadOrCreateAuthorityKey(path, serverName string) (ed25519.PrivateKey, string, error) {
	did := "did:web:" + serverName
	if path == "" {
		_, key, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, "", fmt.Errorf("generating ephemeral authority key: %w", err)
		}
		return key, did, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, "", fmt.Errorf("no PEM block found in %s", path)
		}
		seed := block.Bytes
		if len(seed) != ed25519.SeedSize {
			return nil, "", fmt.Errorf("%s: expected a %d-byte ed25519 seed, got %d", path, ed25519.SeedSize, len(seed))
		}
		return ed25519.NewKeyFromSeed(seed), did, nil
	}
	if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("reading %s: %w", path, err)
	}

	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, "", fmt.Errorf("generating authority key: %w", err)
	}
	seed := key.Seed()
	block := &pem.Block{Type: "ED25519 PRIVATE KEY SEED", Bytes: seed}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, "", fmt.Errorf("writing %s: %w", path, err)
	}
	return key, did, nil
}

func runVersion() {
	fmt.Printf("freeqd %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from FREEQD_CONFIG_PATH or the
// default "freeqd.toml".
func configPath() string {
	if p := os.Getenv("FREEQD_CONFIG_PATH"); p != "" {
		return p
	}
	return "freeqd.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
