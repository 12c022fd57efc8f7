package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/scribesync/scribesync/pkg/bridge"
	"github.com/scribesync/scribesync/pkg/room"
	"github.com/scribesync/scribesync/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", envDefault("DATABASE_URL", "scribesync.sqlite3"), "sqlite path or postgres:// url")
	redisVar := flag.String("redis", os.Getenv("REDIS_ADDR"), "redis address for cross-process fan-out (optional)")
	debounceVar := flag.Duration("debounce", room.DefaultDebounce, "snapshot debounce delay")
	handshakeVar := flag.Duration("handshake-timeout", 10*time.Second, "time allowed for the opening handshake")
	flag.Parse()

	slog.Info("Opening store", "db", *dbVar)
	st, err := store.Open(context.Background(), *dbVar)
	if err != nil {
		return err
	}
	defer st.Close()
	auth, ok := st.(store.Authorizer)
	if !ok {
		return fmt.Errorf("store %T does not answer access-control queries", st)
	}

	opts := []room.Option{room.WithDebounce(*debounceVar)}
	var br *bridge.Bridge
	if *redisVar != "" {
		if br, err = bridge.New(context.Background(), *redisVar); err != nil {
			return err
		}
		defer br.Close()
		opts = append(opts, room.WithRelay(br))
		slog.Info("Connected to redis", "addr", *redisVar)
	}
	registry := room.NewRegistry(st, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &server{
		registry:         registry,
		store:            st,
		auth:             auth,
		verifier:         store.IdentityVerifier(),
		handshakeTimeout: *handshakeVar,
		shutdown:         ctx,
	}

	httpServer := &http.Server{Addr: *addrVar, Handler: s.routes()}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	wg.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer flushCancel()
	if err := registry.Close(flushCtx); err != nil {
		return fmt.Errorf("failed to flush rooms at shutdown: %w", err)
	}
	return nil
}
