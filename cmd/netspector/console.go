package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/NodePath81/netspector/internal/app"
	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/measure"
	"github.com/NodePath81/netspector/internal/storage"
	"github.com/NodePath81/netspector/internal/util"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

const namePrompt = "Please enter a name for this network connection (e.g., Irancell-NearWindow):"

var (
	bannerColor  = color.New(color.FgCyan, color.Bold)
	stepColor    = color.New(color.FgYellow)
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed, color.Bold)
	summaryColor = color.New(color.Bold)
)

type consoleOptions struct {
	ConfigPath  string
	Name        string
	Count       int
	LatencyOnly bool
	Verbose     bool
}

// console renders a run the way the interactive tool presents it. It is
// also the orchestrator observer that prints the step headers.
type console struct {
	out io.Writer
}

func (c *console) progress(line string) {
	fmt.Fprintln(c.out, line)
}

func (c *console) StageChanged(stage measure.Stage) {
	switch stage {
	case measure.StageLatency:
		stepColor.Fprintln(c.out, "--- Step 1: Running Ping Test ---")
	case measure.StageBandwidth:
		stepColor.Fprintln(c.out, "\n--- Step 2: Running Speed Test ---")
	case measure.StagePersisting:
		stepColor.Fprintln(c.out, "\n--- Step 3: Saving Results ---")
		fmt.Fprintln(c.out, "[+] Saving results...")
	}
}

func (c *console) RunFinished(measure.Record, bool, time.Duration, error) {}

func (c *console) banner() {
	rule := strings.Repeat("=", 50)
	fmt.Fprintln(c.out, "\n"+rule)
	bannerColor.Fprintln(c.out, "NetSpector - Network Monitoring Console")
	fmt.Fprintln(c.out, rule)
}

func (c *console) saved(location string) {
	okColor.Fprintf(c.out, "[+] Results successfully saved to '%s'.\n", location)
}

func (c *console) summary(rec measure.Record, latencyOnly bool) {
	summaryColor.Fprintln(c.out, "\n--- SUMMARY RESULTS ---")
	fmt.Fprintf(c.out, "Connection: %s\n", rec.ConnectionName)
	fmt.Fprintf(c.out, "Average Latency: %.2f ms\n", rec.Ping.AverageMs)
	fmt.Fprintf(c.out, "Jitter: %.2f ms\n", rec.Ping.JitterMs)
	fmt.Fprintf(c.out, "Packet Loss: %.0f%%\n", rec.Ping.LossPercent)
	if !latencyOnly {
		fmt.Fprintf(c.out, "Download Speed: %s Mbps\n", formatMbps(rec.Speed.DownloadMbps))
		fmt.Fprintf(c.out, "Upload Speed: %s Mbps\n", formatMbps(rec.Speed.UploadMbps))
	}
	okColor.Fprintln(c.out, "\nProgram completed successfully!")
}

func (c *console) failure(err error) {
	failColor.Fprintf(c.out, "[-] %v\n", err)
}

// formatMbps prints the stored two-decimal value without padding zeros.
func formatMbps(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

func storageLocation(cfg config.StorageConfig) string {
	if cfg.Backend == config.StorageBackendSQLite {
		return cfg.SQLitePath
	}
	return cfg.Path
}

func runConsole(opts consoleOptions) int {
	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	logOpts := cfg.Logging.LogOptions()
	if !opts.Verbose && logOpts.File == "" {
		logOpts.Level = "warn"
	}
	logger, err := util.NewLoggerWithOptions(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		return 1
	}

	out := &console{out: color.Output}
	out.banner()

	name := opts.Name
	if name == "" {
		name, err = promptName(os.Stdin, out.out)
		if err != nil {
			if errors.Is(err, terminal.InterruptErr) {
				return 130
			}
			out.failure(err)
			return 1
		}
	}
	count := opts.Count
	if count == 0 {
		count = cfg.Ping.Count
	}

	components, err := app.Build(cfg, logger, app.BuildOptions{
		Progress:  out.progress,
		Observers: []measure.Observer{out},
	})
	if err != nil {
		out.failure(err)
		return 1
	}
	defer components.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rec, err := components.Orchestrator.Run(ctx, name, count, opts.LatencyOnly)
	if err != nil {
		out.failure(err)
		return 1
	}
	out.saved(storageLocation(cfg.Storage))
	out.summary(rec, opts.LatencyOnly)
	return 0
}

// promptName asks for the connection label. A blank answer is returned
// as-is; the orchestrator substitutes the default name.
func promptName(in *os.File, out io.Writer) (string, error) {
	if isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd()) {
		var name string
		err := survey.AskOne(&survey.Input{Message: namePrompt}, &name)
		return strings.TrimSpace(name), err
	}
	fmt.Fprint(out, namePrompt+" ")
	return readLine(in)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func showHistory(configPath string, limit int) int {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	store, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open result log: %v\n", err)
		return 1
	}
	defer store.Close()
	records, err := store.LoadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load results: %v\n", err)
		return 1
	}
	if limit <= 0 {
		limit = cfg.Control.HistoryLimit
	}
	printHistory(color.Output, storage.Recent(records, limit))
	return 0
}

func printHistory(w io.Writer, records []measure.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No results recorded yet.")
		return
	}
	summaryColor.Fprintf(w, "%-20s  %-24s %9s %8s %6s %10s %10s\n",
		"Time", "Connection", "Avg (ms)", "Jitter", "Loss", "Down Mbps", "Up Mbps")
	for _, rec := range records {
		fmt.Fprintf(w, "%-20s  %-24s %9.2f %8.2f %5.0f%% %10.2f %10.2f\n",
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			truncate(rec.ConnectionName, 24),
			rec.Ping.AverageMs,
			rec.Ping.JitterMs,
			rec.Ping.LossPercent,
			rec.Speed.DownloadMbps,
			rec.Speed.UploadMbps,
		)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
