// Polly: Phone-Hosted Robot Runtime
// Copyright (C) 2026  Polly Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"polly/internal/config"
	"polly/internal/logging"
	"polly/internal/supervisor"
)

// Configuration flags; empty values fall back to .env / environment.
var (
	serialDevice = flag.String("serial", "", "serial device path (default from POLLY_SERIAL_DEVICE)")
	listenAddr   = flag.String("listen", "", "wire hub listen address (default from POLLY_LISTEN_ADDR)")
	mapDir       = flag.String("map-dir", "", "directory for map snapshots")
	datasetDir   = flag.String("dataset-dir", "", "directory for dataset recordings")
	echoLog      = flag.Bool("echo-log", true, "echo the human log to stderr")
)

func main() {
	flag.Parse()

	log.Printf("Polly runtime %s starting...", supervisor.AppVersion)

	cfg, err := config.LoadRuntimeConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *serialDevice != "" {
		cfg.SerialDevice = *serialDevice
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *mapDir != "" {
		cfg.MapDir = *mapDir
	}
	if *datasetDir != "" {
		cfg.DatasetDir = *datasetDir
	}

	ring := logging.NewRing(*echoLog)
	sup := supervisor.New(cfg, ring)
	sup.Start()

	log.Printf("Serial device: %s", cfg.SerialDevice)
	log.Printf("Wire hub: %s", cfg.ListenAddr)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	sup.Stop()
	log.Println("Runtime stopped")
}
