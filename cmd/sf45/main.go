package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/rangefinder/internal/config"
	"github.com/banshee-data/rangefinder/internal/emulator"
	"github.com/banshee-data/rangefinder/internal/fsutil"
	"github.com/banshee-data/rangefinder/internal/lwnx"
	"github.com/banshee-data/rangefinder/internal/monitoring"
	"github.com/banshee-data/rangefinder/internal/recorder"
	"github.com/banshee-data/rangefinder/internal/security"
	"github.com/banshee-data/rangefinder/internal/serialport"
	"github.com/banshee-data/rangefinder/internal/sf45"
	"github.com/banshee-data/rangefinder/internal/sweep"
	"github.com/banshee-data/rangefinder/internal/units"
	"github.com/banshee-data/rangefinder/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Talk to an emulated SF45 instead of a serial port")
	port        = flag.String("port", "", "Serial port (overrides the config file)")
	baud        = flag.Int("baud", 0, "Baud rate (overrides the config file)")
	configPath  = flag.String("config", "", "Device config JSON; built-in defaults when empty")
	poll        = flag.Duration("poll", 0, "Interval between polls (overrides poll_interval)")
	stream      = flag.Bool("stream", false, "Let the device push frames instead of polling it")
	duration    = flag.Duration("duration", 0, "Stop after this long; 0 runs until interrupted")
	record      = flag.String("record", "", "Record samples to this SQLite database")
	listen      = flag.String("listen", "", "Serve debug pages on this address, e.g. localhost:8081")
	sweeps      = flag.Bool("sweeps", false, "Log a summary of every scan sweep")
	distUnits   = flag.String("units", units.CM, "Distance units for sweep summaries ("+units.GetValidUnitsString()+")")
	saveConfig  = flag.String("save-config", "", "Write the effective device config to this file and exit")
	verbose     = flag.Bool("v", false, "Log every sample")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

// options is the parsed command line. Overrides are only applied when the
// corresponding flag was given.
type options struct {
	Dev        bool
	ConfigPath string
	Port       string
	Baud       int
	Poll       *time.Duration
	Stream     *bool
	Duration   time.Duration
	Record     string
	Listen     string
	Sweeps     bool
	Units      string
	SaveConfig string
}

func optionsFromFlags() options {
	o := options{
		Dev:        *devMode,
		ConfigPath: *configPath,
		Port:       *port,
		Baud:       *baud,
		Duration:   *duration,
		Record:     *record,
		Listen:     *listen,
		Sweeps:     *sweeps,
		Units:      *distUnits,
		SaveConfig: *saveConfig,
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "poll":
			o.Poll = poll
		case "stream":
			o.Stream = stream
		}
	})
	return o
}

// loadConfig reads the device config and layers the command line on top.
func loadConfig(o options) (*config.DeviceConfig, error) {
	cfg := config.DefaultDeviceConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadDeviceConfig(o.ConfigPath); err != nil {
			return nil, err
		}
	}
	if o.Port != "" {
		cfg.Port = &o.Port
	}
	if o.Baud != 0 {
		cfg.BaudRate = &o.Baud
	}
	if o.Poll != nil {
		s := o.Poll.String()
		cfg.PollInterval = &s
	}
	if o.Stream != nil {
		cfg.Stream = o.Stream
	}
	return cfg, cfg.Validate()
}

// connect opens the configured serial port, or an emulated unit in dev mode.
// The returned stop function ends the emulator.
func connect(ctx context.Context, o options, cfg *config.DeviceConfig) (*sf45.Session, func(), error) {
	sessOpts := []sf45.Option{sf45.WithPollTimeout(cfg.GetPollTimeout())}
	if !o.Dev {
		s, err := sf45.Connect(cfg.GetPort(), serialport.PortOptions{BaudRate: cfg.GetBaudRate()}, sessOpts...)
		return s, func() {}, err
	}

	dev, host := emulator.NewLoopback(emulator.Options{})
	// The emulator outlives ctx so the unit can still be parked on shutdown.
	devCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := dev.Run(devCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("emulator stopped: %v", err)
		}
	}()
	log.Print("dev mode: using an emulated SF45")
	tr := lwnx.NewTransport(host, lwnx.Options{})
	return sf45.NewSession(tr, sessOpts...), func() { cancel(); <-done }, nil
}

func run(ctx context.Context, o options, out io.Writer) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if o.Units == "" {
		o.Units = units.CM
	}
	if !units.IsValid(o.Units) {
		return fmt.Errorf("invalid units %q, expected one of %s", o.Units, units.GetValidUnitsString())
	}
	if o.SaveConfig != "" {
		if err := security.ValidateOutputPath(o.SaveConfig); err != nil {
			return err
		}
		if err := config.SaveDeviceConfig(fsutil.OSFileSystem{}, o.SaveConfig, cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", o.SaveConfig)
		return nil
	}

	s, stopDevice, err := connect(ctx, o, cfg)
	if err != nil {
		return fmt.Errorf("could not establish serial connection: %w", err)
	}
	defer stopDevice()
	defer s.Close()

	fmt.Fprintln(out, "Welcome to the SF45 datalogger")
	id, err := s.RefreshIdentity(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(out, id.Header())

	if err := sf45.Apply(ctx, s, cfg); err != nil {
		return err
	}
	rate, err := s.SampleRate(ctx)
	if err != nil {
		return err
	}
	speed, err := s.ScanSpeed(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%-15s%10s\n", "Sample rate:", rate)
	fmt.Fprintf(out, "%-15s%10d\n", "Scan speed:", speed)

	hub := sf45.NewHub(0)
	defer hub.Close()
	ctrl, err := sf45.NewController(s, sf45.ControllerOptions{Interval: cfg.GetPollInterval()})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var rec *recorder.Recorder
	var recSession string
	if o.Record != "" {
		path, err := recordingPath(o.Record, id)
		if err != nil {
			return err
		}
		if rec, err = recorder.Open(path, recorder.Options{}); err != nil {
			return err
		}
		defer rec.Close()
		if recSession, err = rec.BeginSession(ctx, id, cfg); err != nil {
			return err
		}
		log.Printf("recording session %s to %s", recSession, path)

		_, ch := hub.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Runs until the hub closes so the tail is flushed.
			if err := rec.Run(context.Background(), recSession, ch); err != nil {
				log.Printf("recorder stopped: %v", err)
			}
		}()
	}

	if o.Sweeps {
		_, ch := hub.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweep.Run(context.Background(), ch, sweep.Options{}, func(sw sweep.Sweep) { logSweep(sw, o.Units) })
		}()
	}

	var server *http.Server
	if o.Listen != "" {
		mux := http.NewServeMux()
		sf45.AttachAdminRoutes(mux, s, hub)
		server = &http.Server{Addr: o.Listen, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("debug server failed: %v", err)
			}
		}()
		log.Printf("debug pages on http://%s/debug/", o.Listen)
	}

	if err := ctrl.Start(hub.Sink()); err != nil {
		return err
	}

	var expired <-chan time.Time
	if o.Duration > 0 {
		timer := time.NewTimer(o.Duration)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ctx.Done():
		log.Printf("interrupted, shutting down")
	case <-expired:
	case <-ctrl.Done():
	}

	ctrl.Stop()
	hub.Close()
	wg.Wait()
	if dropped := hub.TotalDropped(); dropped > 0 {
		log.Printf("%d events dropped by slow consumers", dropped)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
		cancel()
	}

	// Leave the unit quiet and parked even when ctx was cancelled.
	quiet, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if s.Streaming() {
		if err := s.EnableStream(quiet, false); err != nil {
			log.Printf("failed to stop streaming: %v", err)
		}
	}
	fmt.Fprintln(out, "Stop scanning..")
	if err := s.EnableScanning(quiet, false); err != nil {
		log.Printf("failed to stop scanning: %v", err)
	}
	if rec != nil {
		if err := rec.EndSession(quiet, recSession); err != nil {
			log.Printf("failed to end recording: %v", err)
		}
	}
	return ctrl.Err()
}

// recordingPath checks the -record target. A directory gets a file named
// after the unit.
func recordingPath(target string, id sf45.UnitIdentity) (string, error) {
	if fi, err := os.Stat(target); err == nil && fi.IsDir() {
		target = filepath.Join(target, security.RecordingName(id.SerialNumber, time.Now()))
	}
	if err := security.ValidateOutputPath(target); err != nil {
		return "", err
	}
	return target, nil
}

func logSweep(sw sweep.Sweep, unit string) {
	d := func(cm float64) float64 { return units.ConvertDistance(cm, unit) }
	log.Printf("sweep %d dir=%+d angle=[%.1f, %.1f] points=%d no_return=%d dist mean=%.2f%s sd=%.2f median=%.2f min=%.2f max=%.2f (%s)",
		sw.Index, sw.Direction, sw.MinAngle, sw.MaxAngle, sw.Points, sw.NoReturn,
		d(sw.Distance.Mean), unit, d(sw.Distance.StdDev), d(sw.Distance.Median),
		d(sw.Distance.Min), d(sw.Distance.Max), sw.Duration())
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("sf45"))
		return
	}
	monitoring.SetDebug(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, optionsFromFlags(), os.Stdout); err != nil {
		log.Fatalf("sf45: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
