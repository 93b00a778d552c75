package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softkey/apps/admin"
	"github.com/ardnew/softkey/apps/rng"
	"github.com/ardnew/softkey/apps/secrets"
	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/runner"
	"github.com/ardnew/softkey/service"
	"github.com/ardnew/softkey/store"
)

// Store paths of the attestation material.
const (
	attestationKeyPath  = "fido/sec/00"
	attestationCertPath = "fido/x5c/00"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the simulated device",
	Long: `Runs the device on a FIFO bus until interrupted. Settings come from
--config when given, and flags override the file.`,
	Args: cobra.NoArgs,
	RunE: runDevice,
}

var (
	vendorID  hex16
	productID hex16
)

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.String("name", runner.DefaultProduct, "Product name")
	f.String("manufacturer", runner.DefaultManufacturer, "Manufacturer name")
	f.String("serial", runner.DefaultSerialNumber, "Serial number")
	vendorID, productID = runner.DefaultVendorID, runner.DefaultProductID
	f.Var(&vendorID, "vid", "USB vendor ID")
	f.Var(&productID, "pid", "USB product ID")
	f.String("state", runner.DefaultState, "State store: a file, a directory, sqlite://, redis:// or :memory:")
	f.String("bus-dir", runner.DefaultBusDir, "Directory of the FIFO bus")
	f.Duration("poll-interval", runner.DefaultPollInterval, "Loop tick interval")
	f.StringSlice("protocols", []string{runner.ProtocolCTAPHID, runner.ProtocolCCID}, "Protocols to expose")
	f.String("attestation-key", "", "File with the attestation private key")
	f.String("attestation-cert", "", "File with the attestation certificate")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address")
}

func setupLogging(cmd *cobra.Command) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}
	if verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	} else {
		pkg.SetLogLevel(slog.LevelInfo)
	}
}

// loadConfig reads --config and applies every flag the user set.
func loadConfig(cmd *cobra.Command) (runner.Config, error) {
	f := cmd.Flags()
	cfg := runner.DefaultConfig()
	if path, _ := f.GetString("config"); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, errors.Wrap(err, "open config")
		}
		defer file.Close()
		if cfg, err = runner.LoadConfig(file); err != nil {
			return cfg, err
		}
	}

	text := map[string]*string{
		"name":         &cfg.Device.Product,
		"manufacturer": &cfg.Device.Manufacturer,
		"serial":       &cfg.Device.SerialNumber,
		"state":        &cfg.State,
		"bus-dir":      &cfg.BusDir,
		"metrics-addr": &cfg.MetricsAddr,
	}
	for name, dst := range text {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	if f.Changed("vid") {
		cfg.Device.VendorID = uint16(vendorID)
	}
	if f.Changed("pid") {
		cfg.Device.ProductID = uint16(productID)
	}
	if f.Changed("poll-interval") {
		cfg.PollInterval, _ = f.GetDuration("poll-interval")
	}
	if f.Changed("protocols") {
		cfg.Protocols, _ = f.GetStringSlice("protocols")
	}
	return cfg, cfg.Validate()
}

// attestation is the provisioning material read from disk.
type attestation struct {
	key  []byte
	cert []byte
}

func readAttestation(cmd *cobra.Command) (attestation, error) {
	var a attestation
	keyPath, _ := cmd.Flags().GetString("attestation-key")
	certPath, _ := cmd.Flags().GetString("attestation-cert")
	if (keyPath == "") != (certPath == "") {
		return a, errors.New("--attestation-key and --attestation-cert go together")
	}
	if keyPath == "" {
		return a, nil
	}
	var err error
	if a.key, err = os.ReadFile(keyPath); err != nil {
		return a, errors.Wrap(err, "read attestation key")
	}
	if a.cert, err = os.ReadFile(certPath); err != nil {
		return a, errors.Wrap(err, "read attestation certificate")
	}
	return a, nil
}

// provision writes the attestation material into internal storage.
func (a attestation) provision(ctx context.Context, platform service.Platform) error {
	if a.key == nil {
		return nil
	}
	if err := platform.Store.Write(ctx, store.Internal, attestationKeyPath, a.key); err != nil {
		return err
	}
	if err := platform.Store.Write(ctx, store.Internal, attestationCertPath, a.cert); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentRunner, "attestation provisioned",
		"key", attestationKeyPath,
		"cert", attestationCertPath)
	return nil
}

// deviceApps is the app set of the softkey executable.
func deviceApps(b *runner.ClientBuilder, _ struct{}) ([]any, error) {
	rc, err := b.Build("rng")
	if err != nil {
		return nil, err
	}
	ac, err := b.Build("admin")
	if err != nil {
		return nil, err
	}
	sc, err := b.Build("secrets", secrets.Backends...)
	if err != nil {
		return nil, err
	}
	adm := admin.New(ac, firmwareVersion)
	return []any{rng.New(rc), adm.HID(), adm.Card(), secrets.New(sc)}, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		pkg.LogInfo(pkg.ComponentRunner, "serving metrics", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			pkg.LogWarn(pkg.ComponentRunner, "metrics shutdown incomplete", "error", err)
			return srv.Close()
		}
		return nil
	}
}

func runDevice(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	att, err := readAttestation(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []runner.Option{runner.WithInitPlatform(att.provision)}
	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := runner.NewMetrics(reg)
		if err != nil {
			return err
		}
		opts = append(opts, runner.WithMetrics(m))
	}

	r, err := runner.New(cfg, deviceApps, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Exec(gctx, func(service.Platform) (struct{}, error) { return struct{}{}, nil })
	})
	if reg != nil {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, reg) })
	}
	err = g.Wait()
	pkg.LogInfo(pkg.ComponentRunner, "device stopped")
	return err
}
