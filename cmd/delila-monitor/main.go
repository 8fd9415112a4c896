// Package main runs a single Monitor component: the one-input, zero-output
// consumer that feeds decoded records to the HistogramSink and serves an
// HTTP aggregate endpoint (spec.md §4.5 "Monitor").
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
	"github.com/aogaki/delila2/runtime"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "component configuration bundle (JSON)")
}

// monitorParams is the on-disk shape of Bundle.Params for a Monitor.
type monitorParams struct {
	HTTPAddr string `json:"http_addr"`
}

func main() {
	flag.Parse()
	if configPath == "" {
		nlog.Errorln("delila-monitor: -config is required")
		os.Exit(1)
	}
	bundle, err := config.ConfigureFromFile(configPath)
	if err != nil {
		nlog.Errorf("delila-monitor: %v", err)
		os.Exit(1)
	}
	var p monitorParams
	if len(bundle.Params) > 0 {
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(bundle.Params, &p); err != nil {
			nlog.Errorf("delila-monitor: parse params: %v", err)
			os.Exit(1)
		}
	}

	m := runtime.NewMonitor()
	reg := prometheus.NewRegistry()
	if err := m.Bootstrap(*bundle, p.HTTPAddr, reg); err != nil {
		nlog.Errorf("delila-monitor: bootstrap: %v", err)
		os.Exit(1)
	}
	nlog.Infof("delila-monitor: %s listening on command=%s, http=%s", bundle.ComponentID, m.CommandAddr(), p.HTTPAddr)

	waitForShutdown()
	m.Shutdown()
}

func waitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c
}
