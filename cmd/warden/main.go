// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command warden is the entry point for all three roles this module plays:
// the main process (`warden main`), a worker process (`warden worker`,
// launched only by the Supervisor, never by hand), and the CLI a human or
// script runs against a running main's control socket (`warden status`,
// `warden query`, ...). One binary plays all three roles the way the
// original sozu splits main/worker/cli across compiled targets that share a
// workspace; here a subcommand argument picks the role instead.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"warden/internal/audit"
	"warden/internal/channel"
	"warden/internal/cliclient"
	"warden/internal/command"
	"warden/internal/config"
	"warden/internal/metrics"
	"warden/internal/proxystate"
	"warden/internal/scmsocket"
	"warden/internal/snapshot"
	"warden/internal/supervisor"
	"warden/internal/wire"
	"warden/internal/workerhandle"
	"warden/internal/workerproc"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: warden <main|worker|status|metrics|query|events|save-state|load-state|reload|shutdown|launch-worker|upgrade-worker|upgrade-main|config-check> [args...]")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "main":
		err = runMain(os.Args[2:])
	case "worker":
		err = runWorker(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "metrics":
		err = runMetrics(os.Args[2:])
	case "query":
		err = runQuery(os.Args[2:])
	case "events":
		err = runEvents(os.Args[2:])
	case "save-state":
		err = runSaveState(os.Args[2:])
	case "load-state":
		err = runLoadState(os.Args[2:])
	case "reload":
		err = runReload(os.Args[2:])
	case "shutdown":
		err = runShutdown(os.Args[2:])
	case "launch-worker":
		err = runLaunchWorker(os.Args[2:])
	case "upgrade-worker":
		err = runUpgradeWorker(os.Args[2:])
	case "upgrade-main":
		err = runUpgradeMain(os.Args[2:])
	case "config-check":
		err = runConfigCheck(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "warden: unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("warden: %v", err)
	}
}

// --- main process ---

func runMain(args []string) error {
	fs := flag.NewFlagSet("main", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the JSON config file")
	resumeFD := fs.Int("resume-fd", -1, "fd of an upgrade snapshot inherited from a prior main process")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	sup := supervisor.New(supervisor.Options{
		ExecutablePath: exe,
		BufInitial:     cfg.BufInitial,
		BufMax:         cfg.BufMax,
		SpawnTimeout:   time.Duration(cfg.UpgradeTimeout),
		DrainTimeout:   time.Duration(cfg.UpgradeTimeout),
		KillGrace:      5 * time.Second,
	})

	state := proxystate.New()
	var resumedWorkers []supervisor.WorkerSnapshot
	if *resumeFD >= 0 {
		f := os.NewFile(uintptr(*resumeFD), "resume")
		restoredState, workers, err := supervisor.LoadMainSnapshot(f)
		if err != nil {
			return fmt.Errorf("load resumed snapshot: %w", err)
		}
		state = restoredState
		resumedWorkers = workers
		log.Printf("[main] resumed from upgrade snapshot: %d workers", len(resumedWorkers))
	}

	listenerFD, err := command.OpenControlSocket(cfg.ControlSocketPath)
	if err != nil {
		return err
	}

	srv := command.New(command.Config{
		ControlSocketPath: cfg.ControlSocketPath,
		BufInitial:        cfg.BufInitial,
		BufMax:            cfg.BufMax,
		DefaultTimeout:    time.Duration(cfg.DefaultTimeout),
		PollInterval:      time.Duration(cfg.PollInterval),
	}, sup, listenerFD, state)

	if cfg.OrderLogPath != "" {
		ol, err := snapshot.OpenOrderLog(cfg.OrderLogPath)
		if err != nil {
			log.Printf("[main] order log disabled: %v", err)
		} else {
			srv.SetOrderLog(ol)
			defer ol.Close()
		}
	}
	if cfg.AuditTopic != "" {
		srv.SetAuditSink(audit.NewLoggingSink(cfg.AuditTopic))
	}

	if cfg.MetricsAddr != "" {
		metricsServer := &metricsHTTPServer{addr: cfg.MetricsAddr}
		go metricsServer.run()
	}

	if len(resumedWorkers) > 0 {
		for _, ws := range resumedWorkers {
			ch := channel.New[wire.CommandRequest, wire.CommandResponse](ws.ChannelFD, cfg.BufInitial, cfg.BufMax)
			if err := ch.Nonblocking(); err != nil {
				return fmt.Errorf("resume worker %d channel: %w", ws.ID, err)
			}
			scm := scmsocket.New(ws.SCMFD)
			if err := scm.Nonblocking(); err != nil {
				return fmt.Errorf("resume worker %d scm: %w", ws.ID, err)
			}
			srv.AddWorker(workerhandle.New(ws.ID, ws.PID, ws.Tag, ch, scm))
		}
	} else {
		for i := 0; i < cfg.WorkerCount; i++ {
			h, err := sup.SpawnWorker(uint32(i), state, scmsocket.Listeners{})
			if err != nil {
				return fmt.Errorf("spawn initial worker %d: %w", i, err)
			}
			srv.AddWorker(h)
			metrics.ObserveWorkerSpawn()
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		fmt.Println("\n[main] received shutdown signal")
		srv.Stop()
	}()

	fmt.Printf("[main] control socket listening on %s (%d workers)\n", cfg.ControlSocketPath, cfg.WorkerCount)
	return srv.Run()
}

// metricsHTTPServer is a tiny adapter so `go metricsServer.run()` reads
// naturally at the call site instead of an inline closure swallowing errors.
type metricsHTTPServer struct{ addr string }

func (m *metricsHTTPServer) run() {
	if err := metrics.ListenAndServe(m.addr); err != nil {
		log.Printf("[metrics] server stopped: %v", err)
	}
}

// --- worker process ---

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	id := fs.Uint("id", 0, "worker id")
	tag := fs.String("tag", "", "worker tag")
	channelFD := fs.Int("channel-fd", 3, "inherited Framed Channel fd")
	scmFD := fs.Int("scm-fd", 4, "inherited SCM socket fd")
	stateFD := fs.Int("state-fd", 5, "inherited ConfigState snapshot fd")
	bufInitial := fs.Int("buf-initial", 4096, "initial Framed Channel buffer size")
	bufMax := fs.Int("buf-max", 1<<20, "max Framed Channel buffer size")
	fs.Parse(args)

	w, err := workerproc.Bootstrap(workerproc.Params{
		ID:         uint32(*id),
		Tag:        *tag,
		ChannelFD:  *channelFD,
		SCMFD:      *scmFD,
		StateFD:    *stateFD,
		BufInitial: *bufInitial,
		BufMax:     *bufMax,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		w.Stop()
	}()

	return w.Run()
}

// --- CLI subcommands ---

func dialFlag(fs *flag.FlagSet) *string {
	return fs.String("socket", "/run/warden/warden.sock", "control socket path")
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	sock := dialFlag(fs)
	format := fs.String("format", "table", "output format: table|json")
	fs.Parse(args)

	c, err := cliclient.Dial(*sock)
	if err != nil {
		return err
	}
	defer c.Close()

	req, err := wire.NewRequest(requestID(), wire.OrderStatus, nil)
	if err != nil {
		return err
	}
	resp, err := c.Send(req, printProcessing)
	if err != nil {
		return err
	}
	return printResult(resp, *format)
}

func runMetrics(args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	sock := dialFlag(fs)
	format := fs.String("format", "json", "output format: table|json")
	fs.Parse(args)

	c, err := cliclient.Dial(*sock)
	if err != nil {
		return err
	}
	defer c.Close()

	order, err := wire.NewProxyOrder(wire.ProxyQuery, wire.QueryData{Target: wire.QueryMetrics})
	if err != nil {
		return err
	}
	req, err := wire.NewRequest(requestID(), wire.OrderProxy, order)
	if err != nil {
		return err
	}
	resp, err := c.Send(req, printProcessing)
	if err != nil {
		return err
	}
	return printResult(resp, *format)
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	sock := dialFlag(fs)
	target := fs.String("target", "clusters", "query target: clusters|certificates|metrics")
	filter := fs.String("filter", "", "optional filter")
	format := fs.String("format", "json", "output format: table|json")
	fs.Parse(args)

	qt := parseQueryTarget(*target)

	c, err := cliclient.Dial(*sock)
	if err != nil {
		return err
	}
	defer c.Close()

	order, err := wire.NewProxyOrder(wire.ProxyQuery, wire.QueryData{Target: qt, Filter: *filter})
	if err != nil {
		return err
	}
	req, err := wire.NewRequest(requestID(), wire.OrderProxy, order)
	if err != nil {
		return err
	}
	resp, err := c.Send(req, printProcessing)
	if err != nil {
		return err
	}
	return printResult(resp, *format)
}

func parseQueryTarget(s string) wire.QueryTarget {
	switch s {
	case "certificates":
		return wire.QueryCertificates
	case "metrics":
		return wire.QueryMetrics
	default:
		return wire.QueryClusters
	}
}

func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	sock := dialFlag(fs)
	fs.Parse(args)

	c, err := cliclient.Dial(*sock)
	if err != nil {
		return err
	}
	defer c.Close()

	return c.SubscribeEvents(func(ev wire.ProxyEvent) {
		fmt.Println(cliclient.FormatEvent(ev))
	})
}

func runSaveState(args []string) error {
	fs := flag.NewFlagSet("save-state", flag.ExitOnError)
	sock := dialFlag(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: warden save-state [--socket path] <target>")
	}
	return sendSimple(*sock, wire.OrderSaveState, wire.SaveStateData{Path: fs.Arg(0)})
}

func runLoadState(args []string) error {
	fs := flag.NewFlagSet("load-state", flag.ExitOnError)
	sock := dialFlag(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: warden load-state [--socket path] <target>")
	}
	return sendSimple(*sock, wire.OrderLoadState, wire.LoadStateData{Path: fs.Arg(0)})
}

func runReload(args []string) error {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	sock := dialFlag(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: warden reload [--socket path] <config-file>")
	}
	return sendSimple(*sock, wire.OrderReloadConfiguration, wire.ReloadConfigurationData{Path: fs.Arg(0)})
}

func runShutdown(args []string) error {
	fs := flag.NewFlagSet("shutdown", flag.ExitOnError)
	sock := dialFlag(fs)
	hard := fs.Bool("hard", false, "skip the graceful drain (supplemented feature #2)")
	fs.Parse(args)
	return sendSimple(*sock, wire.OrderShutdown, wire.ShutdownData{Graceful: !*hard})
}

func runLaunchWorker(args []string) error {
	fs := flag.NewFlagSet("launch-worker", flag.ExitOnError)
	sock := dialFlag(fs)
	tag := fs.String("tag", "", "worker tag")
	fs.Parse(args)
	return sendSimple(*sock, wire.OrderLaunchWorker, wire.LaunchWorkerData{Tag: *tag})
}

func runUpgradeWorker(args []string) error {
	fs := flag.NewFlagSet("upgrade-worker", flag.ExitOnError)
	sock := dialFlag(fs)
	id := fs.Uint("id", 0, "worker id to upgrade")
	fs.Parse(args)
	return sendSimple(*sock, wire.OrderUpgradeWorker, wire.UpgradeWorkerData{WorkerID: uint32(*id)})
}

func runUpgradeMain(args []string) error {
	fs := flag.NewFlagSet("upgrade-main", flag.ExitOnError)
	sock := dialFlag(fs)
	fs.Parse(args)
	return sendSimple(*sock, wire.OrderUpgradeMain, nil)
}

func runConfigCheck(args []string) error {
	fs := flag.NewFlagSet("config-check", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: warden config-check <path>")
	}
	cfg, err := config.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println("config OK")
	return nil
}

func sendSimple(sock string, typ wire.OrderTag, data any) error {
	c, err := cliclient.Dial(sock)
	if err != nil {
		return err
	}
	defer c.Close()

	req, err := wire.NewRequest(requestID(), typ, data)
	if err != nil {
		return err
	}
	resp, err := c.Send(req, printProcessing)
	if err != nil {
		return err
	}
	return printResult(resp, "json")
}

func printProcessing(message string) {
	fmt.Fprintf(os.Stderr, "... %s\n", message)
}

func printResult(resp wire.CommandResponse, format string) error {
	if resp.Status == wire.StatusError {
		return fmt.Errorf("%s", resp.Message)
	}
	switch format {
	case "table":
		out, err := cliclient.FormatTable(resp)
		if err != nil {
			out, err = cliclient.FormatJSON(resp)
			if err != nil {
				return err
			}
		}
		fmt.Print(out)
	default:
		out, err := cliclient.FormatJSON(resp)
		if err != nil {
			return err
		}
		fmt.Print(out)
	}
	return nil
}

var requestCounter int

func requestID() string {
	requestCounter++
	return fmt.Sprintf("cli-%d-%d", os.Getpid(), requestCounter)
}
