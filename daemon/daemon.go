// Package daemon wires the service together and supervises its tasks: the
// HTTP API, the liveness monitor, the notifier, the job reclaimer, and the
// NTP drift checker.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"golang.org/x/sync/errgroup"

	"powerwatch"
	"powerwatch/internal/api"
	"powerwatch/internal/config"
	"powerwatch/internal/monitor"
	"powerwatch/internal/notify"
	"powerwatch/internal/ntp"
	"powerwatch/internal/queue"
	"powerwatch/internal/sensormap"
	"powerwatch/internal/store"
)

// handlerBudget bounds one API request end to end; sensors retry heartbeats,
// so cutting a slow request loses nothing.
const handlerBudget = 15 * time.Second

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       handlerBudget,
		WriteTimeout:      handlerBudget,
		IdleTimeout:       2 * time.Minute,
	}
}

// Run blocks until ctx is canceled or a task fails. The messenger is the
// delivery backend; pass notify.LogMessenger{} to run without one.
func Run(ctx context.Context, cfg *config.Config, messenger notify.Messenger) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	canonical, err := sensormap.Load(cfg.SensorMapPath)
	if err != nil {
		return err
	}
	if canonical.Len() > 0 {
		slog.Info("canonical sensor map loaded", "sensors", canonical.Len())
	}

	clock := powerwatch.RealClock{}
	mon := monitor.New(st, clock, monitor.Config{
		TickInterval:  cfg.CheckInterval,
		StaleAfter:    cfg.SensorTimeout,
		ThresholdUp:   cfg.ThresholdUp,
		ThresholdDown: cfg.ThresholdDown,
	})
	notifier := notify.New(st, clock, messenger, notify.Config{
		RatePerSec:       cfg.BroadcastRatePerSec,
		Concurrency:      cfg.BroadcastConcurrency,
		MaxRetries:       cfg.BroadcastMaxRetries,
		AdminIDs:         cfg.AdminIDs,
		ElectricianPhone: cfg.ElectricianPhone,
	})
	reclaimer := queue.NewReclaimer(st, clock, cfg.JobLeaseTTL, cfg.JobMaxAttempts)

	var checker *ntp.Checker
	if cfg.NTPCheck {
		checker = ntp.NewChecker(clock)
	}

	srv := api.NewServer(st, mon, clock, canonical, checker, api.Config{
		SensorAPIKey: cfg.SensorAPIKey,
		BotToken:     cfg.BotToken,
	})
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	httpSrv := newHTTPServer(addr, srv.Router())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return notifier.Run(ctx) })
	g.Go(func() error { return reclaimer.Run(ctx) })
	if checker != nil {
		g.Go(func() error {
			checker.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("http api listening", "addr", addr)
		if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
			slog.Error("systemd ready notification failed", "error", err)
		}
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
