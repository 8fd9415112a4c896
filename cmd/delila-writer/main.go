// Package main runs a single Writer component: the one-input, zero-output
// consumer that decodes batches and appends them to a run file through
// FilePersister (spec.md §4.5 "Writer").
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

// writerParams is the on-disk shape of Bundle.Params for a Writer.
type writerParams struct {
	Dir    string `json:"dir"`
	Prefix string `json:"prefix"`
	Ext    string `json:"ext"`
}

func main() {
	flag.Parse()
	if configPath == "" {
		nlog.Errorln("delila-writer: -config is required")
		os.Exit(1)
	}
	bundle, err := config.ConfigureFromFile(configPath)
	if err != nil {
		nlog.Errorf("delila-writer: %v", err)
		os.Exit(1)
	}
	var p writerParams
	if len(bundle.Params) > 0 {
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(bundle.Params, &p); err != nil {
			nlog.Errorf("delila-writer: parse params: %v", err)
			os.Exit(1)
		}
	}

	w := runtime.NewWriter()
	reg := prometheus.NewRegistry()
	if err := w.Bootstrap(*bundle, runtime.WriterParams{Dir: p.Dir, Prefix: p.Prefix, Ext: p.Ext}, reg); err != nil {
		nlog.Errorf("delila-writer: bootstrap: %v", err)
		os.Exit(1)
	}
	nlog.Infof("delila-writer: %s listening on command=%s, awaiting Configure", bundle.ComponentID, w.CommandAddr())

	waitForShutdown()
	w.Shutdown()
}

func waitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c
}
