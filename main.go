package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"meshcoord/actor"
	"meshcoord/attest"
	"meshcoord/chunks"
	"meshcoord/config"
	"meshcoord/crypto"
	"meshcoord/discovery"
	"meshcoord/logging"
	"meshcoord/network"
	"meshcoord/relay"
	"meshcoord/rendezvous"
	"meshcoord/servers"
	"meshcoord/signaling"
	"meshcoord/storage"
)

func main() {
	discover := flag.Bool("discover", false, "list coordinators advertised on the local network and exit")
	flag.Parse()

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if *discover {
		if err := listCoordinators(cfg); err != nil {
			logger.Fatal("discovery failed", zap.Error(err))
		}
		return
	}

	if err := run(cfg, cfgPath, dataDir, logger); err != nil {
		logger.Fatal("coordinator stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, cfgPath, dataDir string, logger *zap.Logger) error {
	sessionKey, err := crypto.LoadOrCreateSigningKey(cfg.SessionPrivateKeyPath, cfg.SessionPublicKeyPath)
	if err != nil {
		return fmt.Errorf("prepare session key: %w", err)
	}
	keyFingerprint := sessionKey.Fingerprint()

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()
	store.SetSecurityEventRetention(cfg.TTLs.SecurityEvents.Std())

	logger.Info("starting coordinator",
		zap.String("instance_id", cfg.InstanceID),
		zap.String("config", cfgPath),
		zap.String("database", dbPath),
		zap.String("session_key", keyFingerprint),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys := actor.NewSystem(store, logger.Named("actor"))
	defer sys.Close()

	actors := make(map[string]*actor.Actor)
	for _, key := range []string{relay.ActorKey, chunks.ActorKey, rendezvous.ActorKey, servers.ActorKey, attest.ActorKey} {
		a, err := sys.Get(key)
		if err != nil {
			return fmt.Errorf("start actor %q: %w", key, err)
		}
		actors[key] = a
	}

	relays := relay.New(actors[relay.ActorKey], relay.Config{
		StaleThreshold: cfg.TTLs.RelayStale.Std(),
		Logger:         logger.Named("relay"),
		Security:       store,
	})
	index := chunks.New(actors[chunks.ActorKey], chunks.Config{
		MaxEntries: cfg.Limits.ChunkCacheEntries,
		MaxBytes:   cfg.Limits.ChunkCacheBytes,
		CacheTTL:   cfg.TTLs.ChunkCache.Std(),
		Logger:     logger.Named("chunks"),
	})
	rdv := rendezvous.New(actors[rendezvous.ActorKey], rendezvous.Config{
		TTL:    cfg.TTLs.Rendezvous.Std(),
		Logger: logger.Named("rendezvous"),
	})
	dir := servers.New(actors[servers.ActorKey], servers.Config{
		TTL:      cfg.TTLs.Server.Std(),
		Logger:   logger.Named("servers"),
		Security: store,
	})

	starters := []interface{ Start(context.Context) error }{relays, index, rdv, dir}

	att, err := newAttestation(cfg, actors[attest.ActorKey], sessionKey.Private, store, logger)
	if err != nil {
		return err
	}
	if att != nil {
		starters = append(starters, att)
	}
	for _, s := range starters {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start registry: %w", err)
		}
	}

	meshLimiter := network.NewRateLimiter(cfg.Limits.ConnectionsPerMin, time.Minute)
	pairLimiter := network.NewRateLimiter(cfg.Limits.ConnectionsPerMin, time.Minute)
	meshHub := network.NewHub(cfg.Limits.MaxConnections)

	mesh := network.NewMesh(relays, index, rdv, meshHub, network.MeshOptions{
		Connection: network.ConnectionOptions{MaxFrameSize: cfg.Limits.MaxFrameSize},
		Limiter:    meshLimiter,
		Logger:     logger.Named("mesh"),
	})
	rooms := signaling.NewManager(sys, signaling.Config{
		MaxRooms:   cfg.Limits.MaxRooms,
		MaxMembers: cfg.Limits.MaxRoomMembers,
		Logger:     logger.Named("signaling"),
	})
	sig := network.NewSignaling(rooms, network.SignalingOptions{
		Connection: network.ConnectionOptions{MaxFrameSize: cfg.Limits.MaxSignalFrameSize},
		Hub:        network.NewHub(cfg.Limits.MaxConnections),
		Limiter:    pairLimiter,
		Logger:     logger.Named("signaling"),
	})

	api := network.NewAPI(relays, att, dir, store, mesh, sig, network.APIOptions{
		AdminSecret: cfg.AdminSecret,
		Security:    store,
		Logger:      logger.Named("http"),
	})

	server, err := network.Listen(api, network.ServerOptions{
		Address:     cfg.ListenAddress,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
		EnableHTTP3: cfg.EnableHTTP3,
		Hubs:        []*network.Hub{meshHub, sig.Hub()},
		Limiters:    []*network.RateLimiter{meshLimiter, pairLimiter},
		Logger:      logger.Named("server"),
	})
	if err != nil {
		return err
	}

	if cfg.AdvertiseMDNS {
		adv, err := advertise(cfg, server.Addr(), keyFingerprint)
		if err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer adv.Stop()
			logger.Info("mDNS advertisement running")
		}
	}

	select {
	case <-ctx.Done():
	case err := <-server.Errors():
		logger.Error("server failed", zap.Error(err))
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TTLs.ShutdownTimeout.Std())
	defer cancel()
	return server.Close(shutdownCtx)
}

// newAttestation returns nil when no build verification key is installed.
func newAttestation(cfg *config.Config, a *actor.Actor, sessionKey ed25519.PrivateKey, store *storage.Store, logger *zap.Logger) (*attest.Registry, error) {
	buildKey, err := crypto.LoadVerifyKey(cfg.BuildPublicKeyPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("attestation disabled: no build verification key", zap.String("path", cfg.BuildPublicKeyPath))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load build verification key: %w", err)
	}
	reg, err := attest.New(a, attest.Config{
		BuildKey:   buildKey,
		SessionKey: sessionKey,
		Journal:    store,
		NonceTTL:   cfg.TTLs.Nonce.Std(),
		SessionTTL: cfg.TTLs.Session.Std(),
		Logger:     logger.Named("attest"),
		Security:   store,
	})
	if err != nil {
		return nil, fmt.Errorf("create attestation registry: %w", err)
	}
	return reg, nil
}

func advertise(cfg *config.Config, addr net.Addr, fingerprint string) (*discovery.Advertiser, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %T", addr)
	}
	return discovery.Advertise(discovery.Config{
		InstanceID:     cfg.InstanceID,
		InstanceName:   cfg.InstanceName,
		Port:           tcp.Port,
		TLS:            cfg.TLSCertFile != "",
		KeyFingerprint: fingerprint,
	})
}

func listCoordinators(cfg *config.Config) error {
	found, err := discovery.Browse(context.Background(), discovery.Config{InstanceID: cfg.InstanceID})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no coordinators found")
		return nil
	}
	for _, c := range found {
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\tkey=%s\n", c.InstanceID, c.Name, c.URL(), c.KeyFingerprint)
	}
	return nil
}
