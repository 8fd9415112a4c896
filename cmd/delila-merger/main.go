// Package main runs a single Merger component: N inputs, one output,
// either FIFO-by-arrival (Simple) or timestamp-windowed (TimeSort), per the
// "variant" field of its configuration bundle (spec.md §4.5 "Merger").
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aogaki/delila2/cmn/nlog"
	"github.com/aogaki/delila2/config"
	"github.com/aogaki/delila2/merger"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "merger configuration bundle (JSON)")
}

// mergerBundle is the on-disk shape of a Merger's configuration: an output
// config.Bundle plus the N input socket specs and variant selection that
// have no place in config.Bundle itself (a merger is the one component with
// more than one data socket).
type mergerBundle struct {
	config.Bundle
	Inputs       []config.SocketBundle `json:"inputs"`
	Variant      string                `json:"variant"` // "simple" | "timesort"
	SortWindowNs float64               `json:"sort_window_ns"`
	QueueMax     int                   `json:"queue_max"`
}

func main() {
	flag.Parse()
	if configPath == "" {
		nlog.Errorln("delila-merger: -config is required")
		os.Exit(1)
	}
	buf, err := os.ReadFile(configPath)
	if err != nil {
		nlog.Errorf("delila-merger: read config: %v", err)
		os.Exit(1)
	}
	var mb mergerBundle
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(buf, &mb); err != nil {
		nlog.Errorf("delila-merger: parse config: %v", err)
		os.Exit(1)
	}
	if len(mb.Inputs) == 0 {
		nlog.Errorln("delila-merger: at least one input is required")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	switch mb.Variant {
	case "timesort":
		m := merger.NewTimeSort()
		if err := m.Bootstrap(mb.Bundle, mb.Inputs, mb.SortWindowNs, reg); err != nil {
			nlog.Errorf("delila-merger: bootstrap: %v", err)
			os.Exit(1)
		}
		nlog.Infof("delila-merger: %s (timesort) listening on command=%s", mb.ComponentID, m.CommandAddr())
		waitForShutdown()
		m.Shutdown()
	default:
		m := merger.NewSimple()
		if err := m.Bootstrap(mb.Bundle, mb.Inputs, mb.QueueMax, reg); err != nil {
			nlog.Errorf("delila-merger: bootstrap: %v", err)
			os.Exit(1)
		}
		nlog.Infof("delila-merger: %s (simple) listening on command=%s", mb.ComponentID, m.CommandAddr())
		waitForShutdown()
		m.Shutdown()
	}
}

func waitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c
}
