package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/frederic-klein/srcfetch/internal/archive"
	"github.com/frederic-klein/srcfetch/internal/batch"
	"github.com/frederic-klein/srcfetch/internal/config"
	"github.com/frederic-klein/srcfetch/internal/downloader"
	"github.com/frederic-klein/srcfetch/internal/extractor"
	"github.com/frederic-klein/srcfetch/internal/fetch"
	"github.com/frederic-klein/srcfetch/internal/logging"
	"github.com/frederic-klein/srcfetch/internal/manifest"
	"github.com/frederic-klein/srcfetch/internal/metrics"
	"github.com/frederic-klein/srcfetch/internal/report"
	"github.com/frederic-klein/srcfetch/internal/runner"
)

var (
	configPath string
	verbose    bool

	fetchURL     string
	fetchSHA256  string
	fetchModule  string
	showProgress bool

	manifestPath string
	reportPath   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "srcfetch",
		Short:        "Download, verify and unpack module source archives",
		Long:         "srcfetch downloads source archives, checks their SHA-256 digest and unpacks them into per-module directories with tar, unzip or rpm2cpio.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./srcfetch.yaml or $XDG_CONFIG_HOME/srcfetch/srcfetch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("metrics-file", "", "Write Prometheus metrics to this file after the run")

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a single archive into a module directory",
		Args:  cobra.NoArgs,
		RunE:  runFetch,
	}
	fetchCmd.Flags().StringVarP(&fetchURL, "url", "u", "", "Archive URL")
	fetchCmd.Flags().StringVar(&fetchSHA256, "sha256", "", "Expected SHA-256 of the archive")
	fetchCmd.Flags().StringVarP(&fetchModule, "module", "m", "", "Module directory name")
	fetchCmd.Flags().BoolVar(&showProgress, "progress", false, "Show download progress")
	addPipelineFlags(fetchCmd)
	for _, name := range []string{"url", "sha256", "module"} {
		_ = fetchCmd.MarkFlagRequired(name)
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch every module of a manifest",
		Args:  cobra.NoArgs,
		RunE:  runSync,
	}
	syncCmd.Flags().StringVarP(&manifestPath, "file", "f", "./srcfetch-modules.yaml", "Manifest path (.yaml, .toml or .json)")
	syncCmd.Flags().StringVarP(&reportPath, "report", "r", "", "Write the sync report here instead of stdout")
	syncCmd.Flags().IntP("workers", "w", 4, "Modules fetched in parallel")
	addPipelineFlags(syncCmd)

	detectCmd := &cobra.Command{
		Use:   "detect NAME...",
		Short: "Print the archive type detected for each file name",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDetect,
	}

	rootCmd.AddCommand(fetchCmd, syncCmd, detectCmd)
	return rootCmd
}

// addPipelineFlags registers the flags that map onto config keys.
func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("dest", "d", ".", "Destination root for module directories")
	cmd.Flags().Int("strip-components", 1, "Leading path components removed on extraction")
	cmd.Flags().Bool("reuse-archives", false, "Skip downloads whose archive is already present and verified")
	cmd.Flags().Int64("max-archive-size", 1<<30, "Maximum archive size in bytes, -1 for no limit")
	cmd.Flags().Duration("timeout", 10*time.Minute, "HTTP request timeout")
}

type pipeline struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Prom
	fetcher *fetch.Fetcher
}

func newPipeline(cmd *cobra.Command, progress bool) (*pipeline, error) {
	cfg, used, err := config.Load(config.LoadOptions{ConfigFile: configPath, Flags: cmd.Flags()})
	if err != nil {
		return nil, err
	}

	logger := logging.New(cmd.ErrOrStderr(), verbose)
	if used != "" {
		logger.Debug("loaded config", "file", used)
	}
	m := metrics.NewProm(config.AppName)

	dlOpts := []downloader.Option{
		downloader.WithLogger(logger),
		downloader.WithMetrics(m),
		downloader.WithUserAgent(cfg.HTTP.UserAgent),
		downloader.WithMaxSize(cfg.MaxArchiveSize),
		downloader.WithReuseVerified(cfg.ReuseArchives),
	}
	if progress {
		dlOpts = append(dlOpts, downloader.WithProgress(progressTo(cmd.ErrOrStderr())))
	}
	dl := downloader.NewDownloader(&http.Client{Timeout: cfg.HTTP.Timeout}, dlOpts...)

	runOpts := []runner.Option{runner.WithLogger(logger)}
	if verbose {
		runOpts = append(runOpts, runner.WithOutput(cmd.ErrOrStderr()))
	}
	ex := extractor.New(runner.NewExec(runOpts...),
		extractor.WithLogger(logger),
		extractor.WithMetrics(m),
		extractor.WithTar(cfg.Tools.Tar),
		extractor.WithUnzip(cfg.Tools.Unzip),
	)

	f := fetch.New(dl, ex,
		fetch.WithLogger(logger),
		fetch.WithMetrics(m),
		fetch.WithStripComponents(cfg.StripComponents),
	)
	return &pipeline{cfg: cfg, logger: logger, metrics: m, fetcher: f}, nil
}

func (p *pipeline) writeMetrics() {
	if p.cfg.MetricsFile == "" {
		return
	}
	if err := p.metrics.WriteTextfile(p.cfg.MetricsFile); err != nil {
		p.logger.Warn("writing metrics", "error", err)
	}
}

func progressTo(w io.Writer) downloader.ProgressFunc {
	return func(name string, total int64) io.Writer {
		return progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetDescription(name),
			progressbar.OptionThrottle(80*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	p, err := newPipeline(cmd, showProgress)
	if err != nil {
		return err
	}
	defer p.writeMetrics()

	dir, err := p.fetcher.Fetch(cmd.Context(), fetch.Request{
		URL:      fetchURL,
		SHA256:   fetchSHA256,
		Module:   fetchModule,
		DestRoot: p.cfg.Destination,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), dir)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	p, err := newPipeline(cmd, false)
	if err != nil {
		return err
	}
	defer p.writeMetrics()

	m, err := manifest.Load(afero.NewOsFs(), manifestPath)
	if err != nil {
		return err
	}

	// The manifest destination applies unless --dest is given.
	dest := m.Destination
	if dest == "" || cmd.Flags().Changed("dest") {
		dest = p.cfg.Destination
	}
	jobs, skipped := m.Jobs(dest)
	for _, s := range skipped {
		p.logger.Info("skipping source", "module", s.Module, "index", s.Index, "type", s.Type)
	}

	b := batch.New(p.fetcher, p.cfg.Workers, batch.WithLogger(p.logger))
	results := b.FetchAll(cmd.Context(), jobs)

	if err := writeReport(cmd, results, skipped); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Error != nil {
			failed++
			p.logger.Error("module failed", "module", r.Job.Module, "error", r.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d modules failed", failed, len(results))
	}

	p.logger.Info("sync complete", "modules", len(results), "dest", dest)
	return nil
}

func writeReport(cmd *cobra.Command, results []batch.Result, skipped []manifest.Skipped) error {
	if reportPath == "" {
		return report.NewEmitter(cmd.OutOrStdout()).Emit(results, skipped)
	}

	outFile, err := os.Create(reportPath)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	defer outFile.Close()

	if err := report.NewEmitter(outFile).Emit(results, skipped); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return outFile.Close()
}

func runDetect(cmd *cobra.Command, args []string) error {
	for _, name := range args {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, archive.Detect(name))
	}
	return nil
}
