// Command vatkernel boots the kernel process: it loads a launch config,
// opens the store, resumes any persisted vats, and runs the crank loop
// until signalled to stop. Subcommands let an operator inspect a running
// kernel (vats) or attach an interactive console (attach) against its
// admin API, mirroring the teacher's own cmd/gprobe CLI shape built on
// urfave/cli.v1.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/ocapkernel/vatkernel/internal/adminapi"
	"github.com/ocapkernel/vatkernel/internal/config"
	"github.com/ocapkernel/vatkernel/internal/kernel/crankloop"
	"github.com/ocapkernel/vatkernel/internal/kernel/lifecycle"
	"github.com/ocapkernel/vatkernel/internal/kernel/promise"
	"github.com/ocapkernel/vatkernel/internal/kernel/queue"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/kernel/reftables"
	"github.com/ocapkernel/vatkernel/internal/metrics"
	"github.com/ocapkernel/vatkernel/internal/store"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

// influxReportInterval is how often the optional InfluxDB reporter
// samples crank throughput and queue depth.
const influxReportInterval = 10 * time.Second

var log = vlog.Root().New("component", "cmd")

var configFlag = cli.StringFlag{
	Name:  "config",
	Usage: "path to the kernel's TOML launch config",
}

var adminListenFlag = cli.StringFlag{
	Name:  "admin-listen",
	Usage: "address the admin API listens on, overrides the config file",
}

func main() {
	app := cli.NewApp()
	app.Name = "vatkernel"
	app.Usage = "object-capability kernel runtime"
	app.Flags = []cli.Flag{configFlag, adminListenFlag}
	app.Action = runKernel
	app.Commands = []cli.Command{
		{
			Name:   "vats",
			Usage:  "list live vats known to a running kernel",
			Flags:  []cli.Flag{cli.StringFlag{Name: "admin-url", Value: "http://127.0.0.1:8090"}},
			Action: listVats,
		},
		{
			Name:   "attach",
			Usage:  "open an interactive console against a running kernel's admin API",
			Flags:  []cli.Flag{cli.StringFlag{Name: "admin-url", Value: "http://127.0.0.1:8090"}},
			Action: attachConsole,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("vatkernel exited with error", "err", err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.String(configFlag.Name); path != "" {
		c, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = c
	}
	if listen := ctx.String(adminListenFlag.Name); listen != "" {
		cfg.AdminListen = listen
	}
	return cfg, nil
}

func runKernel(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tables := reftables.New(st)
	q := queue.New(st)
	promises := promise.New(tables, q)

	factory := lifecycle.NewProcessWorkerFactory(func(id refs.EndpointId) string {
		return fmt.Sprintf("ws://127.0.0.1:%d/vat", cfg.WorkerDialPort(id))
	})
	lc := lifecycle.New(st, tables, q, promises, factory)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := lc.Restart(runCtx); err != nil {
		log.Error("restart replay encountered errors", "err", err)
	}

	loop := crankloop.New(st, q, tables, promises, lc)

	counter := &metrics.CrankCounter{}
	loop.SetCounter(counter)

	admin := adminapi.New(tables, q, lc)
	adminSrv := &http.Server{Addr: cfg.AdminListen, Handler: admin}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin API server failed", "err", err)
		}
	}()

	var reporter *metrics.InfluxReporter
	if cfg.InfluxURL != "" {
		r, err := metrics.NewInfluxReporter(cfg.InfluxURL, cfg.InfluxDatabase, counter, q, influxReportInterval)
		if err != nil {
			log.Error("influx reporter disabled, failed to construct client", "err", err)
		} else {
			reporter = r
			go func() {
				if err := reporter.Run(runCtx); err != nil && err != context.Canceled {
					log.Warn("influx reporter stopped", "err", err)
				}
			}()
		}
	}

	diag := metrics.NewDiagnostics(cfg.DefaultWorker.MemoryBudget)
	go runDiagnosticsLoop(runCtx, diag, tables)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		_ = adminSrv.Close()
		if reporter != nil {
			_ = reporter.Close()
		}
	}()

	log.Info("vatkernel started", "store", cfg.StorePath, "admin", cfg.AdminListen)
	err = loop.Run(runCtx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// runDiagnosticsLoop periodically scans the live RefTables footprint
// against the configured worker memory budget, the same cadence the
// teacher's reaper ticks run on.
func runDiagnosticsLoop(ctx context.Context, diag *metrics.Diagnostics, tables *reftables.Tables) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			diag.Scan(tables)
		}
	}
}

func decodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func listVats(ctx *cli.Context) error {
	resp, err := http.Get(ctx.String("admin-url") + "/vats")
	if err != nil {
		return err
	}

	var ids []string
	if err := decodeJSON(resp, &ids); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Vat ID"})
	for _, id := range ids {
		table.Append([]string{id})
	}
	table.Render()
	return nil
}

func attachConsole(ctx *cli.Context) error {
	adminURL := ctx.String("admin-url")
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("vatkernel console, connected to", adminURL)
	for {
		input, err := line.Prompt("vatkernel> ")
		if err != nil {
			return nil
		}
		line.AppendHistory(input)
		switch input {
		case "vats":
			resp, err := http.Get(adminURL + "/vats")
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			var ids []string
			_ = decodeJSON(resp, &ids)
			fmt.Println(ids)
		case "queue":
			resp, err := http.Get(adminURL + "/queue/length")
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			var out struct {
				Length uint64 `json:"length"`
			}
			_ = decodeJSON(resp, &out)
			fmt.Println("queue length:", out.Length)
		case "exit", "quit":
			return nil
		default:
			fmt.Println("commands: vats, queue, exit")
		}
	}
}
