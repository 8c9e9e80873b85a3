// Command rdmd hosts an rdm.Endpoint's progress loop and Prometheus
// metrics exporter. It does not bind a real NIC device or address
// vector itself — those are the external collaborators spec.md §1
// places out of scope — so it is a thin composition point for an
// embedding application to plug a concrete nic.Device/AddressVector
// into, grounded on the teacher's coordinator daemon shape
// (coordinator/cmd/coordinator/main.go): cobra flags, zap logging,
// errgroup-driven concurrent loops, signal-based shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/efa-rdm/rdmcore/internal/config"
	"github.com/efa-rdm/rdmcore/internal/loopback"
	"github.com/efa-rdm/rdmcore/internal/logging"
	"github.com/efa-rdm/rdmcore/internal/metrics"
	"github.com/efa-rdm/rdmcore/internal/xcmd"
	"github.com/efa-rdm/rdmcore/pkg/rdm"
	"github.com/efa-rdm/rdmcore/pkg/rdm/nic"
	"github.com/efa-rdm/rdmcore/pkg/rdm/pool"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

// newDeviceBinding constructs the nic.Device/AddressVector/pool.Allocator
// triple the endpoint needs. This build only ships the loopback binding
// (internal/loopback): wiring a real EFA/RoCE device is left to an
// embedding application, since the device itself is an external
// collaborator (spec §1).
func newDeviceBinding(cfg *config.Config) (nic.Device, nic.AddressVector, pool.Allocator, error) {
	dev := loopback.New(proto.Addr(1))
	av := loopback.NewAddressVector()
	return dev, av, loopback.Allocator{}, nil
}

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "rdmd",
	Short: "Hosts an RDM endpoint's progress loop and metrics exporter",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	device, av, alloc, err := newDeviceBinding(cfg)
	if err != nil {
		return fmt.Errorf("failed to bind NIC device: %w", err)
	}

	ep, err := rdm.NewEndpoint(cfg.Endpoint, device, av, alloc, rdm.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to initialize endpoint: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(ep))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return server.ListenAndServe()
	})
	wg.Go(func() error {
		<-ctx.Done()
		return server.Close()
	})
	wg.Go(func() error {
		for ctx.Err() == nil {
			if err := ep.Progress(); err != nil {
				log.Errorw("progress tick failed", "error", err)
			}
		}
		return ctx.Err()
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal", "error", err)
		return err
	})

	return wg.Wait()
}
