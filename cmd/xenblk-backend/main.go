// Command xenblk-backend runs a single para-virtual block device backend
// against one control socket, the Go-native stand-in for the original
// qemu-dp.c's single hypervisor-domain-socket invocation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xenblk/xenblk"
	"github.com/xenblk/xenblk/backend"
	"github.com/xenblk/xenblk/internal/constants"
	"github.com/xenblk/xenblk/internal/logging"
)

var (
	imagePath     string
	imageProto    string
	readOnly      bool
	cdrom         bool
	discardEnable bool
	deviceID      int
	metricsAddr   string
	verbose       bool
)

func main() {
	root := &cobra.Command{
		Use:   "xenblk-backend <control-socket-path>",
		Short: "Serve one para-virtual block device over a control socket",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	root.Flags().StringVar(&imagePath, "image", "", "path to the backing raw disk image (required)")
	root.Flags().StringVar(&imageProto, "image-proto", "raw", "backing image protocol")
	root.Flags().BoolVar(&readOnly, "read-only", false, "export the device read-only")
	root.Flags().BoolVar(&cdrom, "cdrom", false, "export the device as a CD-ROM")
	root.Flags().BoolVar(&discardEnable, "discard", true, "advertise DISCARD support")
	root.Flags().IntVar(&deviceID, "device-id", xenblk.AutoAssignDeviceID, "device id, or -1 to auto-assign")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Arguments are valid by now; later failures do not print usage.
	cmd.SilenceUsage = true
	socketPath := args[0]

	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	loadTraceEvents(logger)

	if imagePath == "" {
		return fmt.Errorf("--image is required")
	}

	bk, err := backend.OpenFile(imagePath, !readOnly)
	if err != nil {
		logger.Error("failed to open backing image", "path", imagePath, "error", err)
		return err
	}

	params := xenblk.DefaultParams(bk)
	params.DeviceID = deviceID
	params.ReadWrite = !readOnly
	params.CDROM = cdrom
	params.DiscardEnable = discardEnable
	params.ImageProto = imageProto
	params.ImagePath = imagePath

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev, err := xenblk.CreateAndServe(params, xenblk.Options{
		Context:           ctx,
		Logger:            logger,
		ControlSocketPath: socketPath,
	})
	if err != nil {
		logger.Error("failed to create device", "error", err)
		bk.Close()
		return err
	}
	metrics := dev.Metrics()

	if metricsAddr != "" && metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server exited", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", metricsAddr)
	}

	logger.Info("device serving", "id", dev.ID(), "control-socket", dev.ControlSocketPath(),
		"sectors", dev.NumSectors(), "sector-size", dev.BlockSize())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal, stopping device")
	if err := dev.StopAndDelete(); err != nil {
		logger.Error("error stopping device", "error", err)
		return err
	}
	return nil
}

// loadTraceEvents reads the fixed trace-event enable list; a missing or
// empty file is silently ignored.
func loadTraceEvents(logger *logging.Logger) {
	data, err := os.ReadFile(constants.TraceEventPath)
	if err != nil {
		return
	}
	var events []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		events = append(events, line)
	}
	if len(events) == 0 {
		return
	}
	logger.Info("trace events enabled", "count", len(events), "events", strings.Join(events, ","))
}
