package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pipelinetool/pipelinetool/internal/backend"
	"github.com/pipelinetool/pipelinetool/internal/backend/redisbackend"
	"github.com/pipelinetool/pipelinetool/internal/cli"
	"github.com/pipelinetool/pipelinetool/internal/samplepipeline"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// rootCmd is the pipelinectl entrypoint: a thin cobra/viper wiring layer
// over internal/cli. This file is the only place cobra or viper is
// imported; every subcommand's actual work is a call into internal/cli
// against the sample_ingest pipeline definition.
var rootCmd = &cobra.Command{
	Use:   "pipelinectl",
	Short: "Inspect and run the sample_ingest pipeline",
}

func init() {
	viper.SetDefault("x-cmd", "tpt_executor")
	viper.SetDefault("pipelines-dir", "./bin")
	viper.SetDefault("store-url", "redis://localhost:6379/0")
	viper.SetDefault("watchdog-interval", "5s")
	viper.SetDefault("listen-addr", ":8080")

	rootCmd.PersistentFlags().String("x-cmd", "tpt_executor", "executor binary name (TPT_X_CMD)")
	rootCmd.PersistentFlags().String("pipelines-dir", "./bin", "directory the executor binary is resolved from (PIPELINES_DIR / DAGS_DIR)")
	rootCmd.PersistentFlags().String("store-url", "redis://localhost:6379/0", "shared-store (Redis) connection URL")
	rootCmd.PersistentFlags().Duration("watchdog-interval", 5*time.Second, "timeout-sweep interval")
	rootCmd.PersistentFlags().String("listen-addr", ":8080", "HTTP introspection + metrics listen address")

	for _, name := range []string{"x-cmd", "pipelines-dir", "store-url", "watchdog-interval", "listen-addr"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("TPT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	// PIPELINES_DIR/DAGS_DIR are spec-mandated aliases without the TPT_
	// prefix; bind them explicitly since AutomaticEnv only applies the
	// prefix form.
	_ = viper.BindEnv("pipelines-dir", "PIPELINES_DIR", "DAGS_DIR")

	rootCmd.AddCommand(
		describeCmd,
		optionsCmd,
		tasksCmd,
		edgesCmd,
		hashCmd,
		graphCmd,
		treeCmd,
		runCmd,
		serveCmd,
	)
	runCmd.AddCommand(runLocalCmd, runFunctionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(cli.ExitInvalidInvocation)
	}
}

func loadDefinition() (cli.PipelineDefinition, error) {
	return samplepipeline.Build()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print task count, function names, and upcoming schedule fire times",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}
		desc, err := cli.Describe(def, time.Now().UTC())
		if err != nil {
			return err
		}
		return printJSON(desc)
	},
}

var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "Print the pipeline's name, concurrency default, and schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}
		return printJSON(cli.Options(def))
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List every task id, name, and function reference",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}
		return printJSON(def.Graph.Tasks())
	},
}

var edgesCmd = &cobra.Command{
	Use:   "edges",
	Short: "List every dependency edge",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}
		return printJSON(def.Graph.Edges())
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the graph's stable identity hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}
		fmt.Println(cli.Hash(def))
		return nil
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Render the DAG as mermaid flowchart source plus node/edge JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}
		return printJSON(cli.Graph(def))
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Render the DAG as an ASCII tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}
		fmt.Print(cli.Tree(def))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the pipeline, or a single registered function",
}

var runLocalCmd = &cobra.Command{
	Use:   "local [N|max|--blocking]",
	Short: "Run one instance of the pipeline against an in-memory backend",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}

		blocking, _ := cmd.Flags().GetBool("blocking")
		spelling := ""
		if len(args) == 1 {
			spelling = args[0]
		}
		concurrency := cli.LocalConcurrency(spelling)
		if blocking {
			concurrency = 1
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		result, err := cli.RunLocal(cmd.Context(), def, concurrency, logger)
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if result.Aggregate != task.Success {
			os.Exit(cli.ExitAggregateFailure)
		}
		return nil
	},
}

func init() {
	runLocalCmd.Flags().Bool("blocking", false, "force concurrency 1 regardless of the N|max argument")
}

var runFunctionCmd = &cobra.Command{
	Use:   "function <name> <out_path> <in_path>",
	Short: "Invoke one registered function against a JSON args file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}
		name, outPath, inPath := args[0], args[1], args[2]
		if err := cli.RunFunction(def.Registry, name, outPath, inPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(cli.ExitInternalError)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cron scheduler, watchdog, worker pool, and HTTP API against the shared store",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition()
		if err != nil {
			return err
		}

		opt, err := redis.ParseURL(viper.GetString("store-url"))
		if err != nil {
			return fmt.Errorf("parsing store-url: %w", err)
		}
		rdb := redis.NewClient(opt)
		var be backend.Backend = redisbackend.New(rdb)

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		logger.Info("starting pipelinectl serve",
			"pipeline", def.Name,
			"x_cmd", viper.GetString("x-cmd"),
			"pipelines_dir", viper.GetString("pipelines-dir"),
		)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return cli.Serve(ctx, cli.ServeOptions{
			Backend:          be,
			Def:              def,
			Concurrency:      def.DefaultConcurrency,
			WatchdogInterval: viper.GetDuration("watchdog-interval"),
			ListenAddr:       viper.GetString("listen-addr"),
			Logger:           logger,
		})
	},
}
