package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/evse-controller/internal/command"
	"github.com/sweeney/evse-controller/internal/config"
	"github.com/sweeney/evse-controller/internal/meter"
	"github.com/sweeney/evse-controller/internal/mqtt"
	"github.com/sweeney/evse-controller/internal/pilot"
	"github.com/sweeney/evse-controller/internal/status"
	"github.com/sweeney/evse-controller/internal/trans"
	"github.com/sweeney/evse-controller/internal/web"
)

// blockPeriod is the wall time covered by one CT block.
const blockPeriod = time.Duration(meter.SamplesPerPhase) * time.Second / meter.SampleRate

// siteBudget returns the power manager for a managed charger.
func siteBudget(p config.Power) pilot.PowerManager {
	if !p.Managed {
		return nil
	}
	limit := p.SiteLimit
	if limit == 0 {
		limit = pilot.ChargeCurrentMax
	}
	return pilot.StaticBudget{Limit: limit}
}

func run(ctx context.Context, f *flags, cfg config.Config) error {
	store := config.NewStore(f.configPath, cfg)

	be, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer be.close()

	m := meter.NewMeter()
	engine := meter.NewEngine(m, store)
	tr := trans.New(trans.Options{Meter: m, Settings: store})
	neg := pilot.NewNegotiator(cfg.Power.ChargeCurrentMax, cfg.Power.Managed, siteBudget(cfg.Power))
	machine := pilot.New(pilot.Options{
		Board:      be.board,
		Levels:     pilot.NewClassifier(be.frontEnd),
		Trans:      tr,
		Meter:      m,
		Power:      store,
		Negotiator: neg,
		TickPeriod: f.tick,
	})
	tr.SetHealth(machine.IsHardwareOK)

	reload := func() error {
		if err := store.Reload(); err != nil {
			return err
		}
		engine.RequestReload()
		machine.RequestReload()
		log.Printf("config: reloaded %s", f.configPath)
		return nil
	}

	opts := command.Options{
		Pilot:    machine,
		Trans:    tr,
		Meter:    m,
		Capacity: neg,
		Settings: store,
	}
	if f.configPath != "" {
		opts.Reload = reload
	}
	if be.sim != nil {
		opts.Emulator = be.sim
	}
	dispatcher := command.New(opts)

	client := mqtt.NewRealClient(cfg.MQTT.Broker, cfg.MQTT.ClientID, mqtt.NewTopics(cfg.Device.ID), dispatcher.Handle)
	defer client.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		DeviceID:    cfg.Device.ID,
		Backend:     cfg.Hardware.Backend,
		TickMs:      f.tick.Milliseconds(),
		HeartbeatMs: f.heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := client.PublishSystem(startup); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx, be.frontEnd.Blocks()) })
	if be.sim != nil {
		g.Go(func() error { return be.sim.Run(gctx, blockPeriod, meter.BlockLen) })
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, dispatcher)
		g.Go(func() error {
			log.Printf("http status server listening on %s", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()
	var heartbeat <-chan time.Time
	if f.heartbeat > 0 {
		hb := time.NewTicker(f.heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	log.Printf("started: device=%s backend=%s tick=%v broker=%s heartbeat=%v",
		cfg.Device.ID, cfg.Hardware.Backend, f.tick, cfg.MQTT.Broker, f.heartbeat)

	c := controller{
		machine:    machine,
		trans:      tr,
		meter:      m,
		capacity:   neg,
		publisher:  client,
		mqttStatus: client,
		tracker:    tracker,
		reload:     reload,
		now:        time.Now,
	}
	g.Go(func() error {
		defer cancel()
		return runLoop(gctx, c, ticker.C, heartbeat, sigCh)
	})
	return g.Wait()
}
