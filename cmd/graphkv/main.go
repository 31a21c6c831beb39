// Package main provides the graphkv CLI entry point.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/graphkv/pkg/config"
	"github.com/orneryd/graphkv/pkg/graph"
	"github.com/orneryd/graphkv/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const configFileName = "graphkv.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "graphkv",
		Short: "graphkv - property graph storage on BadgerDB",
		Long: `graphkv stores a property graph (typed vertices, typed directed edges
and JSON properties) in an embedded BadgerDB key-value store.

Configuration is read from a YAML file and GRAPHKV_* environment variables,
with the environment taking precedence.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default <data-dir>/graphkv.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graphkv v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create a data directory with a default config file",
		RunE:  runInit,
	})

	loadCmd := &cobra.Command{
		Use:   "load [file.jsonl]",
		Short: "Bulk load vertices, edges and properties from a JSON lines file",
		Long: `Bulk load a JSON lines file, one record per line:

  {"kind":"vertex","id":"<uuid>","type":"person"}
  {"kind":"edge","outbound":"<uuid>","type":"knows","inbound":"<uuid>"}
  {"kind":"vertex_property","id":"<uuid>","name":"age","value":30}
  {"kind":"edge_property","outbound":"<uuid>","type":"knows","inbound":"<uuid>","name":"since","value":2020}

The load bypasses transactions. Do not run it against a database that is in
use, and only load records that do not exist yet.`,
		Args: cobra.ExactArgs(1),
		RunE: runLoad,
	}
	loadCmd.Flags().Int("chunk-size", 0, "Items per write batch (overrides config)")
	loadCmd.Flags().Bool("presorted", false, "Input already yields ascending keys")
	rootCmd.AddCommand(loadCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "index [property]",
		Short: "Declare a property name indexed and backfill its value index",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndex,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show vertex and edge counts, indexed properties and disk usage",
		RunE:  runStats,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "get-vertex [id]",
		Short: "Print a vertex and its properties",
		Args:  cobra.ExactArgs(1),
		RunE:  runGetVertex,
	})

	edgesCmd := &cobra.Command{
		Use:   "edges [vertex-id]",
		Short: "List a vertex's outbound or inbound edges",
		Args:  cobra.ExactArgs(1),
		RunE:  runEdges,
	}
	edgesCmd.Flags().Bool("inbound", false, "List inbound instead of outbound edges")
	edgesCmd.Flags().String("type", "", "Only edges of this type")
	edgesCmd.Flags().Int("limit", 0, "Maximum edges to print (0 = all)")
	edgesCmd.Flags().String("before", "", "Only edges updated at or before this RFC 3339 time")
	rootCmd.AddCommand(edgesCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "gc",
		Short: "Run value log garbage collection",
		RunE:  runGC,
	})

	return rootCmd
}

// loadConfig resolves the config file, applies environment overrides and the
// --data-dir flag, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	if path == "" {
		dir := dataDir
		if dir == "" {
			dir = config.Default().Storage.DataDir
		}
		path = filepath.Join(dir, configFileName)
	}

	cfg, err := config.LoadFromEnvOrFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openDatastore(cmd *cobra.Command, cfg *config.Config) (*storage.Datastore, error) {
	logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	logger.WithField("config", cfg.String()).Debug("configuration loaded")
	opts := storage.OptionsFromConfig(cfg)
	opts.Logger = logger

	ds, err := storage.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return ds, nil
}

// withDatastore loads config, opens the datastore, runs fn and closes it.
func withDatastore(cmd *cobra.Command, fn func(ds *storage.Datastore, out io.Writer) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ds, err := openDatastore(cmd, cfg)
	if err != nil {
		return err
	}
	defer ds.Close()
	return fn(ds, cmd.OutOrStdout())
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfg := config.Default()
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "📂 Initializing graphkv database in %s\n", cfg.Storage.DataDir)
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.Storage.DataDir, err)
	}

	configPath := filepath.Join(cfg.Storage.DataDir, configFileName)
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(configPath, append([]byte("# graphkv configuration\n"), data...), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintln(out, "✅ Database initialized")
	fmt.Fprintf(out, "   Config: %s\n", configPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Declare indexes:  graphkv index <property> --data-dir", cfg.Storage.DataDir)
	fmt.Fprintln(out, "  2. Load data:        graphkv load graph.jsonl --data-dir", cfg.Storage.DataDir)
	return nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	file := args[0]
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("input file: %w", err)
	}

	return withDatastore(cmd, func(ds *storage.Datastore, out io.Writer) error {
		loader := ds.BulkLoader()
		if n, _ := cmd.Flags().GetInt("chunk-size"); n > 0 {
			loader.ChunkSize = n
		}
		if cmd.Flags().Changed("presorted") {
			loader.PreSorted, _ = cmd.Flags().GetBool("presorted")
		}

		fmt.Fprintf(out, "📥 Loading %s\n", file)
		start := time.Now()
		res, err := loader.LoadJSONLinesFile(file)
		if err != nil {
			return fmt.Errorf("loading %s after %d chunks: %w", file, res.Chunks, err)
		}
		if err := ds.Sync(); err != nil {
			return err
		}

		fmt.Fprintf(out, "✅ Loaded %d vertices, %d edges, %d vertex properties, %d edge properties in %v (%d chunks)\n",
			res.Vertices, res.Edges, res.VertexProperties, res.EdgeProperties,
			time.Since(start).Round(time.Millisecond), res.Chunks)
		return nil
	})
}

func runIndex(cmd *cobra.Command, args []string) error {
	name, err := graph.NewIdentifier(args[0])
	if err != nil {
		return err
	}
	return withDatastore(cmd, func(ds *storage.Datastore, out io.Writer) error {
		if err := ds.IndexProperty(name); err != nil {
			return fmt.Errorf("indexing %s: %w", name, err)
		}
		fmt.Fprintf(out, "✅ Property %s is indexed\n", name)
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withDatastore(cmd, func(ds *storage.Datastore, out io.Writer) error {
		s, err := ds.Stats()
		if err != nil {
			return err
		}
		indexed := make([]string, len(s.IndexedProperties))
		for i, n := range s.IndexedProperties {
			indexed[i] = n.String()
		}
		if len(indexed) == 0 {
			indexed = []string{"(none)"}
		}

		fmt.Fprintln(out, "📊 Graph Statistics:")
		fmt.Fprintf(out, "  Vertices:           %d\n", s.Vertices)
		fmt.Fprintf(out, "  Edges:              %d\n", s.Edges)
		fmt.Fprintf(out, "  Indexed properties: %s\n", strings.Join(indexed, ", "))
		fmt.Fprintf(out, "  LSM size:           %s\n", config.FormatMemorySize(s.LSMBytes))
		fmt.Fprintf(out, "  Value log size:     %s\n", config.FormatMemorySize(s.VlogBytes))
		return nil
	})
}

func runGetVertex(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("vertex id: %w", err)
	}
	return withDatastore(cmd, func(ds *storage.Datastore, out io.Writer) error {
		v, err := ds.GetVertex(id)
		if err != nil {
			return fmt.Errorf("vertex %s: %w", id, err)
		}
		fmt.Fprintf(out, "(%s:%s)\n", v.ID, v.Type)

		props, err := ds.GetVertexProperties(id)
		for _, p := range props {
			fmt.Fprintf(out, "  %s = %v\n", p.Name, p.Value)
		}
		return err
	})
}

func runEdges(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("vertex id: %w", err)
	}
	inbound, _ := cmd.Flags().GetBool("inbound")
	typ, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")

	query := graph.EdgeQuery{VertexID: id, Limit: limit}
	if typ != "" {
		t, err := graph.NewIdentifier(typ)
		if err != nil {
			return err
		}
		query.Type = &t
	}
	if before, _ := cmd.Flags().GetString("before"); before != "" {
		high, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return fmt.Errorf("--before: %w", err)
		}
		query.High = &high
	}

	return withDatastore(cmd, func(ds *storage.Datastore, out io.Writer) error {
		fetch := ds.GetOutboundEdges
		if inbound {
			fetch = ds.GetInboundEdges
		}
		page, err := fetch(query)
		for _, e := range page.Edges {
			fmt.Fprintf(out, "%s  %s\n", e.Key, e.UpdatedAt.Format(time.RFC3339))
		}
		if page.Next != nil {
			fmt.Fprintln(out, "... more edges, raise --limit to see them")
		}
		return err
	})
}

func runGC(cmd *cobra.Command, args []string) error {
	return withDatastore(cmd, func(ds *storage.Datastore, out io.Writer) error {
		if err := ds.Engine().RunGC(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✅ Value log garbage collection finished")
		return nil
	})
}
