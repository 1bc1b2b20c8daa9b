// Copyright (C) 2025  socksguard authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// socksguardd is the socks5 proxy server daemon.
//
// Exit codes: 0 clean shutdown, 1 fatal configuration error,
// 2 bind failure.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/socksguard/socksguard/pkg/acl"
	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/log"
	"github.com/socksguard/socksguard/pkg/metrics"
	"github.com/socksguard/socksguard/pkg/netutil"
	"github.com/socksguard/socksguard/pkg/security"
	"github.com/socksguard/socksguard/pkg/server"
	"github.com/socksguard/socksguard/pkg/state"
)

var (
	configPath     = flag.String("config", "socksguard.json", "path to the configuration file")
	logLevel       = flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	reloadInterval = flag.Duration("config-poll-interval", 10*time.Second, "configuration file poll interval for hot reload")
)

func main() {
	flag.Parse()
	if !log.SetLevel(*logLevel) {
		fmt.Fprintf(os.Stderr, "unknown log level %q\n", *logLevel)
		os.Exit(1)
	}

	c, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("load configuration failed: %v", err)
		os.Exit(1)
	}
	// Pattern compilation must also pass before the config is used.
	if _, err := acl.NewEngine(c); err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	configs := config.NewStore(c)
	guard := security.NewGuard(c.Security)
	store := state.NewStore(c.Monitoring.MaxHistoricalConnections)

	srv, err := server.New(configs, guard, store)
	if err != nil {
		log.Errorf("create server failed: %v", err)
		os.Exit(1)
	}

	listener, err := netutil.Listen("tcp", c.Server.BindAddr)
	if err != nil {
		log.Errorf("bind to %s failed: %v", c.Server.BindAddr, err)
		os.Exit(2)
	}

	guard.StartCleanup()
	if c.Monitoring.MetricsLogInterval.Duration > 0 {
		metrics.SetLoggingDuration(c.Monitoring.MetricsLogInterval.Duration)
		metrics.EnableLogging()
	}
	if c.Routing.SmartRouting.Enabled {
		checker := srv.Engine().NewHealthChecker()
		checker.Start()
		defer checker.Stop()
	}

	watcher := config.NewWatcher(*configPath, *reloadInterval, configs,
		func(next *config.Config) error {
			_, err := acl.NewEngine(next)
			return err
		},
		func(next *config.Config) {
			if err := srv.ApplyConfig(next); err != nil {
				log.Errorf("apply reloaded configuration failed: %v", err)
			}
		})
	watcher.Start()
	defer watcher.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		srv.Shutdown()
	}()

	if err := srv.Serve(listener); err != nil {
		log.Errorf("server terminated with error: %v", err)
		os.Exit(2)
	}
	guard.Stop()
	log.Infof("clean shutdown complete")
}
