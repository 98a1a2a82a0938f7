package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/presence.report/internal/api"
	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/driver"
	"github.com/banshee-data/presence.report/internal/emitter"
	"github.com/banshee-data/presence.report/internal/health"
	"github.com/banshee-data/presence.report/internal/hvc"
	"github.com/banshee-data/presence.report/internal/monitor"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/serialport"
	"github.com/banshee-data/presence.report/internal/stb"
	"github.com/banshee-data/presence.report/internal/version"
)

type runFlags struct {
	configPath string
	portID     int
	path       string
	listen     string
	grpcListen string
	dbPath     string
	record     bool
	simulate   bool
	people     int
	debug      bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start acquisition and serve results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f.configPath)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "config file (default "+config.DefaultConfigPath+" when present)")
	fl.IntVar(&f.portID, "port-id", 0, "serial port number substituted into serial.path_template")
	fl.StringVar(&f.path, "path", "", "serial device path, overrides --port-id")
	fl.StringVar(&f.listen, "listen", "", "HTTP listen address")
	fl.StringVar(&f.grpcListen, "grpc-listen", "", "gRPC health listen address")
	fl.StringVar(&f.dbPath, "db", "", "sqlite database path")
	fl.BoolVar(&f.record, "record", false, "record frames to the database")
	fl.BoolVar(&f.simulate, "simulate", false, "drive a simulated camera instead of a serial port")
	fl.IntVar(&f.people, "people", 2, "people in the simulated scene")
	fl.BoolVar(&f.debug, "debug", false, "log every merged frame")
	return cmd
}

// apply copies explicitly set flags over the file configuration.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("port-id") {
		cfg.Serial.PortID = &f.portID
	}
	if changed("path") {
		cfg.Serial.Path = &f.path
	}
	if changed("listen") {
		cfg.HTTP.Listen = &f.listen
	}
	if changed("grpc-listen") {
		cfg.GRPC.Listen = &f.grpcListen
	}
	if changed("db") {
		cfg.Database.Path = &f.dbPath
	}
	if changed("record") {
		cfg.Database.Record = &f.record
	}
	if changed("debug") {
		cfg.Detection.DebugPrint = &f.debug
	}
}

func serve(ctx context.Context, cfg *config.Config, f runFlags) error {
	closer, err := monitoring.Configure(monitoring.Options{
		File:     cfg.Log.GetFile(),
		Level:    cfg.Log.GetLevel(),
		NoColors: cfg.Log.GetNoColors(),
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	monitoring.Logf("%s starting", version.String())

	dc, err := driverConfig(cfg)
	if err != nil {
		return err
	}
	var opener serialport.Opener = serialport.RealOpener{}
	if f.simulate {
		opener = hvc.NewSimulator(hvc.WanderingScene(f.people), 70*time.Millisecond)
		monitoring.Logf("using simulated camera with %d people", f.people)
	}
	tr := serialport.NewTransport(opener, cfg.Serial.GetPath(), cfg.Serial.GetPathTemplate())
	client := hvc.NewClient(tr)
	d := driver.New(dc, tr, client, stb.New(trackerParams(&cfg.Stabilizer)), driver.WithDevice(client))
	defer d.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.Setup(); err != nil {
		monitoring.Logf("driver setup on %s failed, retrying every %v: %v",
			tr.ResolvePath(dc.PortID), cfg.Health.GetInterval(), err)
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			monitoring.Logf("%s routine stopped", name)
		}()
	}

	spawn("watch", func() { d.Watch(ctx, cfg.Health.GetInterval()) })

	sampler := monitor.NewSampler(d, nil, 0, 0)
	spawn("sampler", func() { sampler.Run(ctx) })

	var history api.History
	var database *db.DB
	if cfg.Database.GetRecord() {
		database, err = db.NewDB(cfg.Database.GetPath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()
		history = database

		info := func() (string, string, string) {
			st := d.Status()
			return st.Device, strings.Join(st.Features, ","), st.ImageMode
		}
		rec := db.NewRecorder(database, d, info, nil, cfg.Database.GetPollInterval())
		spawn("recorder", func() { rec.Run(ctx) })
	}

	if broker := cfg.MQTT.GetBroker(); broker != "" {
		format, err := emitter.ParseFormat(cfg.MQTT.GetFormat())
		if err != nil {
			return err
		}
		pub, err := emitter.Dial(ctx, emitter.MQTTOptions{
			Broker:      broker,
			ClientID:    cfg.MQTT.GetClientID(),
			StatusTopic: emitter.StatusTopicFor(cfg.MQTT.GetTopic()),
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		em := emitter.New(pub, d, emitter.Options{Topic: cfg.MQTT.GetTopic(), Format: format, QoS: byte(cfg.MQTT.GetQoS())})
		spawn("mqtt", func() { em.Run(ctx) })
	}

	if addr := cfg.GRPC.GetListen(); addr != "" {
		hs := health.NewServer(d, nil, cfg.Health.GetInterval())
		spawn("grpc", func() {
			if err := hs.ListenAndServe(ctx, addr); err != nil {
				monitoring.Logf("grpc: %v", err)
			}
		})
	}

	mux := api.NewServer(d, history, cfg.HTTP.GetStreamInterval()).ServeMux()
	d.AttachAdminRoutes(mux)
	sampler.AttachRoutes(mux)
	if database != nil {
		if err := database.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              cfg.HTTP.GetListen(),
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		monitoring.Logf("http: listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	monitoring.Logf("shutting down")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("http shutdown: %v", err)
		server.Close()
	}
	wg.Wait()
	if err := d.Close(); err != nil {
		monitoring.Logf("driver close: %v", err)
	}
	monitoring.Logf("graceful shutdown complete")
	return runErr
}
