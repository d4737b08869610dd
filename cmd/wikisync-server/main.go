package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/wikisync/pkg/config"
	"github.com/astromechza/wikisync/pkg/discovery"
	"github.com/astromechza/wikisync/pkg/identity"
	"github.com/astromechza/wikisync/pkg/relay"
	"github.com/astromechza/wikisync/pkg/server"
	"github.com/astromechza/wikisync/pkg/storage"
	"github.com/astromechza/wikisync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to a toml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides the config")
	dumpVar := flag.Bool("dump", false, "dump and render every open room on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Server.Addr = *addrVar
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pages, err := openPages(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer pages.Close()

	rooms, err := openRooms(cfg.Rooms)
	if err != nil {
		return err
	}
	if rooms != nil {
		defer rooms.Close()
	}

	opts := relay.Options{
		Logger:       logger,
		SendBuffer:   cfg.Server.SendBuffer,
		PingInterval: cfg.Server.PingInterval,
	}
	if rooms != nil {
		opts.Store = rooms
	}
	if cfg.Redis.Addr != "" {
		broker, err := relay.NewRedisBroker(ctx, cfg.Redis.Addr, cfg.Server.Instance, logger)
		if err != nil {
			return err
		}
		defer broker.Close()
		opts.Broker = broker
		slog.Info("sharing rooms through redis", "addr", cfg.Redis.Addr, "instance", cfg.Server.Instance)
	}
	serverOpts := server.Options{Pages: pages, Logger: logger}
	if cfg.Auth.Secret != "" {
		auth := identity.Authenticator{Issuer: identity.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)}
		opts.Authenticator = auth
		serverOpts.Authenticator = auth
	}
	hub := relay.NewHub(opts)
	serverOpts.Hub = hub

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	slog.Info("listening", "addr", listener.Addr().String())

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.RunBackups(ctx, cfg.Server.BackupInterval)
	}()

	httpServer := &http.Server{Handler: server.New(serverOpts)}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	if cfg.Discovery.Enabled {
		_, portRaw, _ := net.SplitHostPort(listener.Addr().String())
		port, _ := strconv.Atoi(portRaw)
		shutdown, err := discovery.Advertise(cfg.Server.Instance, cfg.Discovery.Service, cfg.Discovery.Domain, port, logger)
		if err != nil {
			slog.Error("failed to advertise", "err", err)
		} else {
			defer shutdown()
		}
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	if *dumpVar {
		dumpRooms(hub)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := hub.Close(shutdownCtx); err != nil {
		slog.Error("failed to close rooms", "err", err)
	}
	_ = httpServer.Shutdown(shutdownCtx)

	wg.Wait()
	return nil
}

func openPages(ctx context.Context, cfg config.Storage) (storage.RevisionStore, error) {
	switch cfg.Driver {
	case "postgres":
		slog.Info("Opening postgres page store")
		return storage.OpenPostgresStore(ctx, cfg.URL)
	default:
		slog.Info("Opening sqlite page store", "path", cfg.Path)
		return storage.OpenSQLiteStore(cfg.Path)
	}
}

func openRooms(cfg config.Rooms) (relay.RoomStore, error) {
	switch cfg.Driver {
	case "memory":
		slog.Warn("rooms are kept in memory only")
		return nil, nil
	case "bolt":
		slog.Info("Opening bolt room store", "path", cfg.Path)
		return relay.OpenBoltRoomStore(cfg.Path)
	default:
		slog.Info("Opening sqlite room store", "path", cfg.Path)
		return relay.OpenSQLiteRoomStore(cfg.Path)
	}
}

func dumpRooms(hub *relay.Hub) {
	for _, name := range hub.Rooms() {
		doc, ok := hub.Room(name)
		if !ok {
			continue
		}
		tf := filepath.Join(os.TempDir(), doc.Replica()+".automerge")
		if err := os.WriteFile(tf, doc.Save(), 0o644); err != nil {
			slog.Error("failed to dump", "room", name, "err", err)
			continue
		}
		slog.Info("dumped", "room", name, "path", tf)
		if svgPath, err := viz.RenderToTemp(doc); err != nil {
			slog.Error("failed to render", "room", name, "err", err)
		} else {
			slog.Info("rendered", "room", name, "path", "file://"+svgPath)
		}
	}
}
