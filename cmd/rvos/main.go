package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sagevm/rvos/internal/config"
	"github.com/sagevm/rvos/internal/kernel"
	"github.com/sagevm/rvos/internal/klog"
	"github.com/sagevm/rvos/internal/sbi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvos: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "boot descriptor YAML (defaults to the virt machine layout)")
	diskPath := flag.String("disk", "", "Minix3 disk image to attach as virtio-blk")
	programPath := flag.String("program", "", "ELF user program to spawn at boot")
	tick := flag.Duration("tick", time.Millisecond, "simulated timer period")
	runFor := flag.Duration("run-for", 0, "power off after this long (0 runs until poweroff)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := klog.New(os.Stderr, level)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *diskPath != "" {
		cfg.DiskImage = *diskPath
	}

	var disk []byte
	if cfg.DiskImage != "" {
		var err error
		disk, err = os.ReadFile(cfg.DiskImage)
		if err != nil {
			return fmt.Errorf("read disk image: %w", err)
		}
	}

	k, err := kernel.New(cfg, os.Stdout, disk, log)
	if err != nil {
		return err
	}

	if *programPath != "" {
		image, err := os.ReadFile(*programPath)
		if err != nil {
			return fmt.Errorf("read program: %w", err)
		}
		if _, err := k.Spawn(image); err != nil {
			return err
		}
	}

	if *runFor > 0 {
		go func() {
			time.Sleep(*runFor)
			if _, err := k.Machine().HandleEcall(0, sbi.CallPoweroff, [7]uint64{}); err != nil {
				log.Error("poweroff", "err", err)
			}
		}()
	}

	k.Run(*tick)

	if disk != nil && cfg.DiskImage != "" {
		if err := os.WriteFile(cfg.DiskImage, disk, 0o644); err != nil {
			return fmt.Errorf("write back disk image: %w", err)
		}
	}
	return nil
}
