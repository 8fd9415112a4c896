// Package main runs a single Source component: the zero-input, one-output
// producer that pulls events from the mock HardwareSource and encodes/
// sends them on its data socket, driven entirely by the command listener
// started at Bootstrap (spec.md §4.5 "Source").
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aogaki/delila2/cmn/nlog"
	"github.com/aogaki/delila2/config"
	"github.com/aogaki/delila2/frame"
	"github.com/aogaki/delila2/mockhw"
	"github.com/aogaki/delila2/runtime"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "component configuration bundle (JSON)")
}

// sourceParams is the on-disk shape of Bundle.Params for a Source.
type sourceParams struct {
	Modules       uint8  `json:"modules"`
	Channels      uint8  `json:"channels"`
	EventsPerTick int    `json:"events_per_tick"`
	TickIntervalMs int   `json:"tick_interval_ms"`
	Format        string `json:"format"` // "full" | "minimal"
	Compress      bool   `json:"compress"`
	Checksum      bool   `json:"checksum"`
}

func main() {
	flag.Parse()
	if configPath == "" {
		nlog.Errorln("delila-source: -config is required")
		os.Exit(1)
	}
	bundle, err := config.ConfigureFromFile(configPath)
	if err != nil {
		nlog.Errorf("delila-source: %v", err)
		os.Exit(1)
	}
	var p sourceParams
	if len(bundle.Params) > 0 {
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(bundle.Params, &p); err != nil {
			nlog.Errorf("delila-source: parse params: %v", err)
			os.Exit(1)
		}
	}
	format := frame.FormatMinimal
	if p.Format == "full" {
		format = frame.FormatFull
	}
	tick := time.Duration(p.TickIntervalMs) * time.Millisecond

	src := runtime.NewSource()
	reg := prometheus.NewRegistry()
	params := runtime.SourceParams{
		HW: mockhw.Options{
			Modules:       p.Modules,
			Channels:      p.Channels,
			EventsPerTick: p.EventsPerTick,
			TickInterval:  tick,
		},
		Format:   format,
		Compress: p.Compress,
		Checksum: p.Checksum,
	}
	if err := src.Bootstrap(*bundle, params, reg); err != nil {
		nlog.Errorf("delila-source: bootstrap: %v", err)
		os.Exit(1)
	}
	nlog.Infof("delila-source: %s listening on command=%s, awaiting Configure", bundle.ComponentID, src.CommandAddr())

	waitForShutdown()
	src.Shutdown()
}

func waitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c
}
