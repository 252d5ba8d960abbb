/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/config"
	"github.com/quiltnet/quilt/core"
	"github.com/quiltnet/quilt/cron"
	"github.com/quiltnet/quilt/fragment"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/internal/load"
	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
	"github.com/quiltnet/quilt/transport/udp"
)

func main() {
	cfgPath := flag.String("config", "quilt.toml", "configuration file")
	port := flag.Int("port", 0, "UDP port to listen on")
	metricsAddr := flag.String("metrics", "", "address for the Prometheus endpoint (empty: disabled)")
	flag.Parse()

	if err := run(*cfgPath, *port, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string, port int, metricsAddr string) error {
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		cfg = config.Default()
	}

	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend,
		logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module} %{message}"))
	leveled := logging.AddModuleLevel(formatted)
	if lvl, err := logging.LogLevel(cfg.Daemon.LogLevel); err == nil {
		leveled.SetLevel(lvl, "")
	}
	logging.SetBackend(leveled)
	log := logging.MustGetLogger("quiltd")

	ident, err := identity.New()
	if err != nil {
		return err
	}
	log.Noticef("local peer is %s", ident.ID())

	mon := load.NewMonitor(cfg.MaxUpBPM(), cfg.MaxDownBPM())
	mux := transport.NewMux(ident)
	mux.Register(udp.New(
		logging.MustGetLogger("quilt/udp"),
		ident.ID(), ident.PublicKey(), ident.Sign, identity.Verify, port))

	c := core.New(logging.MustGetLogger("quilt/core"), cfg, ident, mux, mon)

	frag := fragment.New(logging.MustGetLogger("quilt/fragment"),
		func(peer peerid.ID, msg *core.Message, priority uint32, maxDelay time.Duration) {
			c.Unicast(peer, msg, priority, maxDelay)
		},
		c.InjectMessages)
	c.SetFragmenter(frag)
	if _, err := c.RegisterHandler(core.MsgTypeFragment, frag.HandleFragment); err != nil {
		return err
	}

	jobs := cron.NewManager()
	jobs.AddJob(time.Minute, time.Minute, frag.Purge)
	defer jobs.Stop()

	if metricsAddr != "" {
		go func() {
			mx := http.NewServeMux()
			mx.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mx); err != nil {
				log.Errorf("metrics endpoint: %v", err)
			}
		}()
	}

	if err := c.Start(); err != nil {
		return err
	}
	log.Notice("node is up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Notice("shutting down")
	c.Close()
	return nil
}
