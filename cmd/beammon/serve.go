package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/e3-lab/beammon/internal/api"
	"github.com/e3-lab/beammon/internal/command"
	"github.com/e3-lab/beammon/internal/config"
	"github.com/e3-lab/beammon/internal/db"
	"github.com/e3-lab/beammon/internal/power"
	"github.com/e3-lab/beammon/internal/scan"
	"github.com/e3-lab/beammon/internal/session"
	"github.com/e3-lab/beammon/internal/snapshot"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the beam monitor daemon",
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
}

func newEngine(s Settings) (scan.Engine, error) {
	switch s.Engine {
	case "", "sim":
		cfg := scan.DefaultSimulatorConfig()
		if s.SimBeamRate > 0 {
			cfg.BeamRate = s.SimBeamRate
		}
		cfg.Seed = s.SimSeed
		return scan.NewSimulator(cfg, nil), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", s.Engine)
	}
}

// openSupply returns the configured power supply. A supply that cannot be
// opened is reported and replaced by power.Disabled.
func openSupply(ctx context.Context, s Settings, tuning *config.TuningConfig) power.Supply {
	settle := tuning.GetPowerSettle()
	switch {
	case s.PowerSim:
		logrus.Info("using simulated power supply")
		return power.NewTTi(power.NewFakeQL355TP(), settle, nil)
	case s.PowerDevice != "":
		supply, err := power.OpenTTi(ctx, power.OpenSerial, s.PowerDevice, s.Serial, settle)
		if err != nil {
			logrus.Warnf("power supply on %s unavailable: %v", s.PowerDevice, err)
			return power.Disabled{}
		}
		logrus.Infof("power supply %s on %s", supply.Name(), s.PowerDevice)
		return supply
	default:
		logrus.Warn("no power supply configured")
		return power.Disabled{}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	tuning, err := loadTuning(settings.TuningFile)
	if err != nil {
		return err
	}
	engine, err := newEngine(settings)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supply := openSupply(ctx, settings, tuning)
	defer supply.Close()

	var journal *db.DB
	if settings.Journal != "" {
		journal, err = db.NewDB(settings.Journal)
		if err != nil {
			logrus.Fatalf("failed to open journal: %v", err)
		}
		defer journal.Close()
	}

	publisher := snapshot.NewPublisher(snapshot.Config{ListenAddr: settings.SnapshotAddr})
	if err := publisher.Start(); err != nil {
		logrus.Fatalf("failed to start snapshot publisher: %v", err)
	}
	defer publisher.Stop()

	lines := command.NewLineServer(settings.CommandAddr)
	if err := lines.Start(); err != nil {
		logrus.Fatalf("failed to start command channel: %v", err)
	}
	defer lines.Close()

	ctlCfg := session.Config{
		Engine:    engine,
		Power:     supply,
		Tuning:    tuning,
		Publisher: publisher,
		Notify:    lines.SendAll,
	}
	dispCfg := command.Config{
		Transport:    lines,
		PollInterval: tuning.GetPollInterval(),
	}
	if journal != nil {
		ctlCfg.Journal = journal
		dispCfg.Journal = journal
	}
	ctl, err := session.NewController(ctlCfg)
	if err != nil {
		return err
	}
	defer ctl.Close()
	dispCfg.Controller = ctl
	dispatcher, err := command.NewDispatcher(dispCfg)
	if err != nil {
		return err
	}

	mux := api.NewServer(ctl, journal, publisher).ServeMux()
	power.AttachAdminRoutes(mux, supply)
	if journal != nil {
		if err := journal.AttachAdminRoutes(mux); err != nil {
			logrus.Warnf("journal admin routes: %v", err)
		}
	}

	ln, err := net.Listen("tcp", settings.HTTPAddr)
	if err != nil {
		logrus.Fatalf("failed to listen on %s: %v", settings.HTTPAddr, err)
	}
	server := &http.Server{Handler: api.LoggingMiddleware(mux)}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("HTTP server: %v", err)
		}
	}()
	logrus.Infof("HTTP on %s, commands on %s, snapshots on %s", ln.Addr(), lines.Addr(), publisher.Addr())

	runErr := dispatcher.Run(ctx)
	if ctl.Busy() {
		lines.SendAll(ctl.Exit()...)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("HTTP server shutdown error: %v", err)
		server.Close()
	}
	wg.Wait()

	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	logrus.Info("graceful shutdown complete")
	return nil
}
