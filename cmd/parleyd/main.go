// Command parleyd runs the in-memory development messaging backend:
// the REST store, the websocket stream, and a /metrics endpoint.
//
//	parleyd --addr :8475
//
// Every bearer token is accepted as a user ID, so two terminals with
// different tokens are two users.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"

	"github.com/enrollworks/parley/internal/devserver"
)

var flagAddr = flag.String("addr", "", "listen address, host:port (default $PARLEYD_ADDR or :8475)")

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if err := godotenv.Load(); err != nil {
		glog.V(1).Infof("no .env file loaded: %v", err)
	}

	addr := *flagAddr
	if addr == "" {
		addr = os.Getenv("PARLEYD_ADDR")
	}
	if addr == "" {
		addr = ":8475"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           devserver.New().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	glog.Infof("parleyd listening on %s", addr)
	if err := serve(ctx, srv); err != nil {
		glog.Errorf("parleyd: %v", err)
		return 1
	}
	glog.Info("parleyd stopped")
	return 0
}

func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
