package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"lukechampine.com/farm/storage"
	"lukechampine.com/farm/tunnel"
	"lukechampine.com/frand"
)

type tunnelClient interface {
	Open(ctx context.Context) error
	Close() error
	State() tunnel.State
}

// maintainTunnel keeps c open until ctx is canceled, reopening it whenever it
// closes. closed must receive a value each time the tunnel closes. Attempts
// are limited to one per interval, plus a random delay of up to a quarter of
// the interval.
func maintainTunnel(ctx context.Context, c tunnelClient, closed <-chan struct{}, interval time.Duration) error {
	lim := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		if jitter := time.Duration(frand.Intn(int(interval/4) + 1)); jitter > 0 {
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return nil
			}
		}

		// discard stale notifications
		select {
		case <-closed:
		default:
		}
		if err := c.Open(ctx); err != nil {
			log.Println("Could not open tunnel:", err)
			continue
		}
		select {
		case <-closed:
			log.Println("Tunnel closed; reconnecting")
		case <-ctx.Done():
			if c.State() == tunnel.StateOpen {
				c.Close()
			}
			return nil
		}
	}
}

func serve(config farmerConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	db, err := openStore(config.StorageEngine, config.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := storage.NewManager(db,
		storage.WithReapInterval(time.Duration(config.ReapInterval)),
		storage.WithMetrics(storage.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	// bind the API first; nothing else has started if this fails
	l, err := net.Listen("tcp", config.APIAddr)
	if err != nil {
		return errors.Wrap(err, "could not start API server")
	}
	defer l.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var status tunnelStatus
	if config.RelayURL != "" {
		closed := make(chan struct{}, 1)
		tc := tunnel.NewClient(config.RelayURL, config.LocalAddr,
			tunnel.WithMetrics(tunnel.NewMetrics(reg)),
			tunnel.WithErrorHandler(func(err error) {
				log.Println("Tunnel error:", err)
			}),
			tunnel.WithCloseHandler(func() {
				select {
				case closed <- struct{}{}:
				default:
				}
			}),
		)
		status = tc
		g.Go(func() error {
			return maintainTunnel(ctx, tc, closed, time.Duration(config.ReconnectInterval))
		})
	} else {
		log.Println("No relay configured; tunnel disabled")
	}

	srv := &http.Server{Handler: newServer(m, status, reg)}
	g.Go(func() error {
		if err := srv.Serve(l); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	log.Printf("Listening on %v...", l.Addr())
	return g.Wait()
}
