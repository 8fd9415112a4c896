// Package main runs the Operator/Control Plane: registers a fixed roster of
// component command addresses from a JSON roster file and serves the job
// and status HTTP API described in operator.Server (spec.md §4.6).
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

	"github.com/aogaki/delila2/cmn/nlog"
	"github.com/aogaki/delila2/operator"
)

var (
	rosterPath string
	httpAddr   string
	dbPath     string
)

func init() {
	flag.StringVar(&rosterPath, "roster", "", "component roster (JSON)")
	flag.StringVar(&httpAddr, "http", ":8900", "HTTP address for the job/status API")
	flag.StringVar(&dbPath, "db", "", "job ledger path (defaults to :memory:)")
}

// roster is the on-disk shape of the Operator's registered component set.
type roster struct {
	Components []operator.Component `json:"components"`
}

func main() {
	flag.Parse()
	if rosterPath == "" {
		nlog.Errorln("delila-operator: -roster is required")
		os.Exit(1)
	}
	buf, err := os.ReadFile(rosterPath)
	if err != nil {
		nlog.Errorf("delila-operator: read roster: %v", err)
		os.Exit(1)
	}
	var r roster
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(buf, &r); err != nil {
		nlog.Errorf("delila-operator: parse roster: %v", err)
		os.Exit(1)
	}

	ledgerPath := dbPath
	if ledgerPath == "" {
		ledgerPath = ":memory:"
	}
	op, err := operator.New(ledgerPath)
	if err != nil {
		nlog.Errorf("delila-operator: %v", err)
		os.Exit(1)
	}
	defer op.Close()

	for _, c := range r.Components {
		op.Register(c)
		nlog.Infof("delila-operator: registered %s (%s) at %s, start_order=%d", c.ID, c.Role, c.CommandAddress, c.StartOrder)
	}

	srv := operator.NewServer(op)
	if err := srv.Listen(httpAddr); err != nil {
		nlog.Errorf("delila-operator: %v", err)
		os.Exit(1)
	}
	defer srv.Close()
	nlog.Infof("delila-operator: serving job/status API on %s", httpAddr)

	waitForShutdown()
}

func waitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c
}
