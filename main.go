package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbase/transferbox/config"
	"github.com/kbase/transferbox/copier"
	"github.com/kbase/transferbox/devices"
	"github.com/kbase/transferbox/engine"
	"github.com/kbase/transferbox/journal"
	"github.com/kbase/transferbox/progress"
	"github.com/kbase/transferbox/proxies"
	"github.com/kbase/transferbox/services"
)

// time allowed for a running session to finish once a shutdown is requested
const shutdownTimeout = 30 * time.Second

// Prints usage info.
func usage() {
	fmt.Fprintf(os.Stderr, "%s: usage:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s <config_file>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "See the config package for configuration parameters.\n")
	os.Exit(1)
}

// returns the process logger configured by the service parameters
func newLogger(name, level string, useJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if useJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(
		slog.String("app", name),
		slog.Int("pid", os.Getpid()),
	)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// returns the copy policy given by the transfer parameters
func transferPolicy() copier.Policy {
	return copier.Policy{
		MediaOnly:                config.Transfer.MediaOnly,
		MediaExtensions:          config.Transfer.Extensions(),
		RenameWithTimestamp:      config.Transfer.RenameWithTimestamp,
		PreserveOriginalFilename: config.Transfer.PreserveOriginalFilename,
		FilenameTemplate:         config.Transfer.FilenameTemplate,
		TimestampFormat:          config.Transfer.TimestampFormat,
		CreateDateFolders:        config.Transfer.CreateDateFolders,
		DateFolderFormat:         config.Transfer.DateFolderFormat,
		CreateDeviceFolders:      config.Transfer.CreateDeviceFolders,
		DeviceFolderTemplate:     config.Transfer.DeviceFolderTemplate,
		PreserveFolderStructure:  config.Transfer.PreserveFolderStructure,
	}
}

// returns engine options drawn from the configuration, consuming the events
// of the given device monitor
func engineOptions(monitor *devices.Monitor) engine.Options {
	opts := engine.Options{
		Policy:          transferPolicy(),
		Algorithm:       config.Transfer.HashAlgorithm,
		BufferSize:      config.Transfer.BufferSize,
		VerifyTransfers: config.Transfer.VerifyTransfers,
		SpaceMargin:     config.Transfer.SpaceMargin,
		GenerateProxies: config.Proxies.GenerateProxies,
		ProxySubfolder:  config.Proxies.ProxySubfolder,
		ProxyWorkers:    config.Transfer.MaxTransferThreads,
		Events:          monitor.Events(),
		Bus: progress.NewBus(float64(config.Progress.MaxUpdatesPerSecond),
			config.Progress.SubscriberQueue),
		Destination: config.Service.Destination,
		Recorder:    journal.RecordTransfer,
		Devices:     monitor.Devices,
	}
	if config.Proxies.GenerateProxies {
		watermark := ""
		if config.Proxies.IncludeWatermark {
			watermark = config.Proxies.WatermarkPath
		}
		ffmpeg, err := proxies.NewFFmpeg(config.Proxies.FFmpegPath, watermark)
		if err != nil {
			// sessions still run; each one reports that proxies were skipped
			slog.Warn(err.Error())
		} else {
			opts.ProxyGenerator = ffmpeg
		}
	}
	return opts
}

func main() {

	// The only argument is the configuration filename.
	if len(os.Args) < 2 {
		usage()
	}
	configFile := os.Args[1]

	// Read the configuration file.
	log.Printf("Reading configuration from '%s'...\n", configFile)
	if err := config.InitFromFile(configFile); err != nil {
		log.Panicf("Couldn't initialize the configuration: %s\n", err.Error())
	}
	slog.SetDefault(newLogger(config.Service.Name, config.Service.LogLevel,
		config.Service.LogJSON))

	// Open the session journal.
	if err := journal.Init(); err != nil {
		log.Panicf("Couldn't open the session journal: %s\n", err.Error())
	}
	defer journal.Finalize()

	// Intercept the SIGINT, SIGHUP, SIGTERM, and SIGQUIT signals, shutting down
	// as gracefully as possible if they are encountered.
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer stop()

	// Create the device monitor, the engine, and the control service.
	monitor := devices.NewMonitor(
		devices.NewMountTable(config.Devices.MountTable, config.Devices.MountRoots),
		config.Devices.Interval())
	transferEngine := engine.New(engineOptions(monitor))
	service, err := services.NewTransferBoxService(transferEngine)
	if err != nil {
		log.Panicf("Couldn't create the service: %s\n", err.Error())
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := transferEngine.Init(groupCtx); err != nil {
			return err
		}
		return monitor.Start(groupCtx)
	})
	group.Go(func() error {
		return service.Start(config.Service.Port)
	})
	group.Go(func() error {
		// Block till we receive a signal (or something else fails).
		<-groupCtx.Done()
		slog.Info("Shutting down")

		// Create a deadline to wait for.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		monitor.Stop()
		engineErr := transferEngine.Shutdown(shutdownCtx)
		if err := service.Shutdown(shutdownCtx); err != nil {
			slog.Error(err.Error())
		}
		return engineErr
	})
	if err := group.Wait(); err != nil {
		slog.Error(err.Error())
		journal.Finalize()
		os.Exit(1)
	}
}
