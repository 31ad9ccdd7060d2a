// Command gpusim runs the simulated GPU submission core over a shared-memory
// command channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/channel"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/debugfs"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

type options struct {
	configPath string
	shmPath    string
	create     bool
	capacity   uint
	debugAddr  string
	logLevel   string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "TOML configuration file")
	flag.StringVar(&o.shmPath, "shm", sab.DefaultSharedMemoryPath(), "shared memory file holding the command channel")
	flag.BoolVar(&o.create, "create", false, "create and format the channel region")
	flag.UintVar(&o.capacity, "capacity", sab.CHANNEL_CAPACITY_DEFAULT, "channel capacity in bytes when creating")
	flag.StringVar(&o.debugAddr, "debug-addr", "", "serve debug endpoints on this address")
	flag.StringVar(&o.logLevel, "log-level", "", "override the configured log level")
	flag.Parse()
	return o
}

func main() {
	if err := run(parseFlags()); err != nil {
		utils.Fatal("gpusim failed", utils.Err(err))
	}
}

func run(o options) error {
	cfg := gpu.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = gpu.LoadConfig(o.configPath); err != nil {
			return err
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	level, err := utils.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:      level,
		Component:  "gpusim",
		Colorize:   true,
		ShowCaller: level == utils.DEBUG,
	})
	utils.SetGlobalLogger(logger)
	logger.Debug("configuration", utils.Any("config", cfg))

	mem, err := openChannel(o)
	if err != nil {
		return err
	}

	dev, err := gpu.New(cfg, mem, nil, logger)
	if err != nil {
		_ = mem.Close()
		return err
	}

	shutdown := utils.NewGracefulShutdown(5*time.Second, logger.Named("shutdown"))
	shutdown.Register("channel", mem.Close)
	shutdown.Register("device", dev.Close)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(gctx) })
	g.Go(func() error { return dev.Engine().Run(gctx, cfg.EngineInterval) })
	if cfg.WaitForFirmware {
		g.Go(func() error { return awaitFirmware(gctx, dev, logger) })
	}
	if o.debugAddr != "" {
		srv := debugfs.New(dev, time.Second, logger.Named("debugfs"))
		g.Go(func() error { return srv.ListenAndServe(gctx, o.debugAddr) })
	}

	utils.Info("gpusim running",
		utils.String("shm", o.shmPath),
		utils.String("state", dev.State().String()))
	runErr := g.Wait()

	if err := shutdown.Shutdown(context.Background()); err != nil {
		utils.Warn("shutdown incomplete", utils.Err(err))
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// awaitFirmware marks the device ready on the first SIGUSR1.
func awaitFirmware(ctx context.Context, dev *gpu.Device, logger *utils.Logger) error {
	ready := make(chan os.Signal, 1)
	signal.Notify(ready, syscall.SIGUSR1)
	defer signal.Stop(ready)

	select {
	case <-ctx.Done():
	case <-ready:
		dev.MarkReady()
		logger.Info("firmware ready", utils.String("state", dev.State().String()))
	}
	return nil
}

// channelCapacity narrows the -capacity flag without wrapping.
func channelCapacity(value uint) (uint32, error) {
	if value > sab.CHANNEL_CAPACITY_MAX {
		return 0, utils.NewError(fmt.Sprintf("capacity %d exceeds the %d byte channel limit", value, sab.CHANNEL_CAPACITY_MAX))
	}
	return uint32(value), nil
}

func openChannel(o options) (*sab.SharedMemoryProvider, error) {
	capacity, err := channelCapacity(o.capacity)
	if err != nil {
		return nil, err
	}
	mem, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{
		Path:   o.shmPath,
		Size:   sab.RegionSize(capacity),
		Create: o.create,
	})
	if err != nil {
		return nil, err
	}
	if o.create {
		if err := channel.Format(mem, capacity); err != nil {
			_ = mem.Close()
			return nil, err
		}
	}
	return mem, nil
}
