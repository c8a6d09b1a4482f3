// Command crucible drives annotation-strategy sweeps from the terminal:
// expand a sweep definition into the seed/task/strategy grid, launch each
// combination pinned to a GPU, and track results in the project workspace.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/launcher"
	"github.com/kingrea/crucible/internal/logbook"
	"github.com/kingrea/crucible/internal/logging"
	"github.com/kingrea/crucible/internal/monitor"
	"github.com/kingrea/crucible/internal/results"
	"github.com/kingrea/crucible/internal/sweep"
	"github.com/kingrea/crucible/internal/tui"
	"github.com/kingrea/crucible/internal/watch"
	"github.com/kingrea/crucible/plugins"
)

var (
	projectDir string
	verbose    bool

	sweepID     string
	resume      bool
	maxParallel int
	jobTimeout  time.Duration
	deviceList  []int
	withMonitor bool
	monitorPort int

	tailFollow bool
	tailLines  int
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Launch and track in-context learning annotation sweeps",
	Long: `Crucible expands a sweep definition into every seed, task, and
annotation-strategy combination, runs each one as a child process pinned to
its own GPU, and records the outcome in the project workspace.

State lives under .crucible/ in the project directory: the shared sweep
logbook, per-run transcripts, and a results database for resume and status.`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .crucible workspace in the project directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveProjectDir()
		if err != nil {
			return err
		}
		if err := config.InitCrucibleDir(dir); err != nil {
			return err
		}
		fmt.Printf("initialized %s\n", filepath.Join(dir, config.CrucibleDir))
		return nil
	},
}

var sweepsCmd = &cobra.Command{
	Use:   "sweeps",
	Short: "List the sweep definitions available to this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		catalog, err := plugins.Discover(cfg)
		if err != nil {
			return err
		}
		def := cfg.DefaultSweep()
		for _, id := range catalog.IDs() {
			marker := " "
			if id == def {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, id)
		}
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print every invocation the sweep would launch, without running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		def, err := lookupSweep(cfg)
		if err != nil {
			return err
		}
		lines, err := launcher.PlanLines(cfg, def)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the sweep grid and wait for every job to finish",
	Long: `Expands the sweep definition and launches one child process per
seed/task/strategy combination. Strategies within a seed/task group run in
parallel, each pinned to its own GPU via CUDA_VISIBLE_DEVICES. The command
blocks until every launched job has exited, including after Ctrl-C, so no
child is ever orphaned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(deviceList) > 0 {
			cfg.Project.Devices = deviceList
		}
		logger, err := logging.New(cfg.ProjectDir, verbose)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		book, err := logbook.New(cfg.LogbookPath())
		if err != nil {
			return err
		}
		store, err := results.Open(cfg.ResultsDBPath())
		if err != nil {
			return err
		}
		defer store.Close()

		def, err := lookupSweep(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if withMonitor {
			settings := monitor.DefaultSettings()
			if monitorPort > 0 {
				settings.Port = monitorPort
			}
			srv := monitor.NewServer(settings, store, book, monitor.WithLogger(logger))
			if err := srv.Start(ctx); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
			fmt.Printf("monitor listening on http://%s\n", srv.Addr())
		}

		launch, err := launcher.New(cfg, book, store, launcher.WithLogger(logger))
		if err != nil {
			return err
		}
		summary, err := launch.Run(ctx, launcher.RunRequest{
			Definition:  def,
			Resume:      resume,
			MaxParallel: maxParallel,
			Timeout:     jobTimeout,
		})
		printSummary(summary)
		if err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d job(s) failed, see %s", summary.Failed, cfg.LogbookPath())
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded runs for a sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := results.Open(cfg.ResultsDBPath())
		if err != nil {
			return err
		}
		defer store.Close()

		id := sweepID
		if id == "" {
			id = cfg.DefaultSweep()
		}
		runs, err := store.List(id)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Printf("no runs recorded for sweep %s\n", id)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCE\tGPU\tSTATUS\tEXIT\tSTARTED")
		for _, run := range runs {
			started := ""
			if !run.StartedAt.IsZero() {
				started = run.StartedAt.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n",
				run.InstanceID, run.Device, run.Status, run.ExitCode, started)
		}
		return w.Flush()
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the end of the sweep logbook, optionally following it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		book, err := logbook.New(cfg.LogbookPath())
		if err != nil {
			return err
		}
		for _, line := range book.Tail(tailLines) {
			fmt.Println(line)
		}
		if !tailFollow {
			return nil
		}
		follower, err := watch.NewFollower(cfg.LogbookPath())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return follower.Run(ctx, func(line string) {
			fmt.Println(line)
		})
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Open the live sweep dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := results.Open(cfg.ResultsDBPath())
		if err != nil {
			return err
		}
		defer store.Close()
		book, err := logbook.New(cfg.LogbookPath())
		if err != nil {
			return err
		}
		id := sweepID
		if id == "" {
			id = cfg.DefaultSweep()
		}
		app := tui.NewApp(id, store, book)
		program := tea.NewProgram(app, tea.WithAltScreen())
		_, err = program.Run()
		return err
	},
}

func resolveProjectDir() (string, error) {
	dir := projectDir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir %s: %w", dir, err)
	}
	return abs, nil
}

func loadConfig() (*config.Config, error) {
	dir, err := resolveProjectDir()
	if err != nil {
		return nil, err
	}
	if err := config.InitCrucibleDir(dir); err != nil {
		return nil, err
	}
	return config.NewConfig(dir)
}

func lookupSweep(cfg *config.Config) (sweep.SweepDefinition, error) {
	catalog, err := plugins.Discover(cfg)
	if err != nil {
		return sweep.SweepDefinition{}, err
	}
	id := sweepID
	if id == "" {
		id = cfg.DefaultSweep()
	}
	def, ok := catalog.Lookup(id)
	if !ok {
		return sweep.SweepDefinition{}, fmt.Errorf("sweep %s not found, try `crucible sweeps`", id)
	}
	return def, nil
}

func printSummary(s launcher.Summary) {
	fmt.Printf("total %d · launched %d · skipped %d\n", s.Total, s.Launched, s.Skipped)
	fmt.Printf("completed %d · failed %d · canceled %d\n", s.Completed, s.Failed, s.Canceled)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", "", "Project directory (default: current)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Mirror debug logging to stderr")

	runCmd.Flags().StringVar(&sweepID, "sweep", "", "Sweep definition ID (default: project default)")
	runCmd.Flags().BoolVar(&resume, "resume", false, "Skip combinations already recorded as completed")
	runCmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Cap concurrent jobs (default: one per GPU)")
	runCmd.Flags().DurationVar(&jobTimeout, "timeout", 0, "Per-job timeout (default: sweep definition)")
	runCmd.Flags().IntSliceVar(&deviceList, "devices", nil, "GPU device indices to schedule across (default: project config)")
	runCmd.Flags().BoolVar(&withMonitor, "monitor", false, "Serve the HTTP status endpoint while running")
	runCmd.Flags().IntVar(&monitorPort, "monitor-port", 0, "Port for the HTTP status endpoint")

	planCmd.Flags().StringVar(&sweepID, "sweep", "", "Sweep definition ID (default: project default)")
	statusCmd.Flags().StringVar(&sweepID, "sweep", "", "Sweep definition ID (default: project default)")
	monitorCmd.Flags().StringVar(&sweepID, "sweep", "", "Sweep definition ID (default: project default)")

	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Keep printing new logbook lines")
	tailCmd.Flags().IntVar(&tailLines, "lines", 20, "How many trailing lines to print first")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(sweepsCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(monitorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
