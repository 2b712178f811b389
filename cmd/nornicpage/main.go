// Package main provides the nornicpage CLI: a continuous-paging graph node
// and a driver client for it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-driver/pkg/audit"
	"github.com/orneryd/nornicdb-driver/pkg/auth"
	"github.com/orneryd/nornicdb-driver/pkg/config"
	"github.com/orneryd/nornicdb-driver/pkg/graph"
	"github.com/orneryd/nornicdb-driver/pkg/logging"
	"github.com/orneryd/nornicdb-driver/pkg/server"
	"github.com/orneryd/nornicdb-driver/pkg/session"
	"github.com/orneryd/nornicdb-driver/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nornicpage",
		Short: "nornicpage - continuous graph paging node and client",
		Long: `nornicpage serves a graph stored in Badger over the continuous paging
protocol, and queries such a node page by page with credit-based flow control.

Commands:
  • serve   run a node
  • load    import a YAML or JSON fixture into a data directory
  • export  dump a data directory as YAML
  • query   run a continuous query and print each page`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nornicpage v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a graph node",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().Bool("in-memory", false, "Keep the graph in memory only")
	serveCmd.Flags().String("load", "", "Load a fixture file on startup")
	serveCmd.Flags().String("node-name", "", "Node name reported to clients")
	serveCmd.Flags().String("audit-log", "", "Record authentication events to this file")
	rootCmd.AddCommand(serveCmd)

	loadCmd := &cobra.Command{
		Use:   "load [file]",
		Short: "Import a YAML or JSON fixture",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	}
	loadCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(loadCmd)

	exportCmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export the graph as YAML (stdout when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(exportCmd)

	queryCmd := &cobra.Command{
		Use:   "query [selector]",
		Short: "Run a continuous query and print every page",
		Long: `Run a continuous query and print every page as it arrives.

Selectors: "*" (all vertices), "Person" or "vertices:Person", "edges",
"edges:KNOWS".`,
		Args: cobra.MaximumNArgs(1),
		RunE: runQuery,
	}
	queryCmd.Flags().String("address", "", "Node address (overrides config)")
	queryCmd.Flags().String("username", "", "Username")
	queryCmd.Flags().String("password", "", "Password")
	queryCmd.Flags().String("profile", "", "Execution profile")
	queryCmd.Flags().String("sub-protocol", "", "graph-binary-1.0 or graphson-2.0")
	queryCmd.Flags().Duration("timeout", 0, "Global request timeout (0 uses the profile)")
	queryCmd.Flags().Bool("tracing", false, "Request tracing")
	queryCmd.Flags().Int("max-pages", 0, "Stop after this many pages (0 means all)")
	queryCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while querying")
	queryCmd.Flags().Bool("retry", false, "Apply the configured retry policy")
	rootCmd.AddCommand(queryCmd)

	return rootCmd
}

// loadConfig reads --config (or the defaults), environment overrides and
// --log-level, validates, and builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFileOrDefault(path)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyEnv()
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Server.ListenAddress = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Server.DataDir = v
	}
	if v, _ := cmd.Flags().GetBool("in-memory"); v {
		cfg.Server.InMemory = true
	}
	if v, _ := cmd.Flags().GetString("node-name"); v != "" {
		cfg.Server.NodeName = v
	}

	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:  cfg.Server.DataDir,
		InMemory: cfg.Server.InMemory,
		Logger:   storage.NewZapLogger(logger),
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer engine.Close()

	if fixture, _ := cmd.Flags().GetString("load"); fixture != "" {
		nodes, edges, err := storage.LoadFile(engine, fixture)
		if err != nil {
			return fmt.Errorf("loading %s: %w", fixture, err)
		}
		logger.Info("fixture loaded", zap.String("file", fixture), zap.Int("nodes", nodes), zap.Int("edges", edges))
	}

	if v, _ := cmd.Flags().GetString("audit-log"); v != "" {
		cfg.Server.AuditLog = v
	}
	var auditLog *audit.Logger
	if cfg.Server.AuditLog != "" {
		auditLog, err = audit.NewLogger(audit.Config{
			Path:    cfg.Server.AuditLog,
			AlertOn: []audit.EventType{audit.EventAccountLocked},
		})
		if err != nil {
			return err
		}
		defer auditLog.Close()
		auditLog.SetAlertCallback(func(e audit.Event) {
			logger.Warn("account locked", zap.String("user", e.Username))
		})
	}

	authenticator, err := newAuthenticator(cfg.Server.Users, auditLog, logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server, engine, authenticator, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	fmt.Fprintf(cmd.OutOrStdout(), "nornicpage v%s node %q listening on %s\n", version, cfg.Server.NodeName, cfg.Server.ListenAddress)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logger.Info("shutting down")
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

// newAuthenticator hashes the configured users. No users disables
// authentication. Events go to auditLog when set, else to the debug log.
func newAuthenticator(users map[string]string, auditLog *audit.Logger, logger *zap.Logger) (*auth.Authenticator, error) {
	authConfig := auth.DefaultAuthConfig()
	authConfig.SecurityEnabled = len(users) > 0
	authenticator, err := auth.NewAuthenticator(authConfig)
	if err != nil {
		return nil, err
	}
	if auditLog != nil {
		authenticator.SetAuditLogger(auditLog.AuthHook())
	} else {
		authenticator.SetAuditLogger(func(e auth.AuditEvent) {
			logger.Debug("auth event",
				zap.String("type", e.EventType),
				zap.String("user", e.Username),
				zap.Bool("success", e.Success),
				zap.String("details", e.Details))
		})
	}
	for name, password := range users {
		if err := authenticator.CreateUser(name, password); err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
	}
	return authenticator, nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	engine, err := storage.NewBadgerEngine(dataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer engine.Close()

	start := time.Now()
	nodes, edges, err := storage.LoadFile(engine, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d nodes, %d edges in %v\n", nodes, edges, time.Since(start).Round(time.Millisecond))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	engine, err := storage.NewBadgerEngine(dataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer engine.Close()

	var out io.Writer = cmd.OutOrStdout()
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return storage.WriteExport(cmd.Context(), engine, out)
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if v, _ := cmd.Flags().GetString("address"); v != "" {
		cfg.Connection.Address = v
	}
	if v, _ := cmd.Flags().GetString("username"); v != "" {
		cfg.Connection.Username = v
	}
	if v, _ := cmd.Flags().GetString("password"); v != "" {
		cfg.Connection.Password = v
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		stop, err := serveMetrics(metricsAddr, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := session.New(ctx, cfg, session.WithLogger(logger))
	if err != nil {
		return err
	}
	defer sess.Close()

	stmt, err := statementFromFlags(cmd, args)
	if err != nil {
		return err
	}

	var rs *graph.AsyncResultSet
	if useRetry, _ := cmd.Flags().GetBool("retry"); useRetry {
		rs, err = sess.ExecuteWithRetry(ctx, stmt)
	} else {
		rs, err = sess.ExecuteContinuous(ctx, stmt)
	}
	if err != nil {
		return err
	}
	maxPages, _ := cmd.Flags().GetInt("max-pages")
	return printPages(ctx, cmd.OutOrStdout(), rs, maxPages)
}

func statementFromFlags(cmd *cobra.Command, args []string) (graph.Statement, error) {
	selector := "*"
	if len(args) == 1 {
		selector = args[0]
	}
	var opts []graph.StatementOption
	if v, _ := cmd.Flags().GetString("profile"); v != "" {
		opts = append(opts, graph.WithExecutionProfile(v))
	}
	if v, _ := cmd.Flags().GetString("sub-protocol"); v != "" {
		proto, err := graph.ParseSubProtocol(v)
		if err != nil {
			return graph.Statement{}, err
		}
		opts = append(opts, graph.WithSubProtocol(proto))
	}
	if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
		opts = append(opts, graph.WithTimeout(v))
	}
	if v, _ := cmd.Flags().GetBool("tracing"); v {
		opts = append(opts, graph.WithTracing(true))
	}
	return graph.NewStatement(selector, opts...), nil
}

// printPages writes each page to w until the last page or maxPages.
// Stopping early cancels the request.
func printPages(ctx context.Context, w io.Writer, rs *graph.AsyncResultSet, maxPages int) error {
	total := 0
	for rs != nil {
		info := rs.ExecutionInfo()
		fmt.Fprintf(w, "-- page %d (%d rows) from %s", rs.PageNumber(), len(rs.CurrentPage()), info.Node)
		if info.TracingID != "" {
			fmt.Fprintf(w, " trace=%s", info.TracingID)
		}
		fmt.Fprintln(w)
		for _, warning := range info.Warnings {
			fmt.Fprintf(w, "   warning: %s\n", warning)
		}
		for _, n := range rs.CurrentPage() {
			fmt.Fprintf(w, "   %s\n", formatNode(n))
			total++
		}

		if maxPages > 0 && rs.PageNumber() >= maxPages && rs.HasMorePages() {
			rs.Cancel()
			break
		}
		next, err := rs.FetchNextPage(ctx)
		if err != nil {
			return err
		}
		rs = next
	}
	fmt.Fprintf(w, "%d results\n", total)
	return nil
}

// formatNode renders a result with its labels and properties.
func formatNode(n graph.Node) string {
	if v, ok := n.AsVertex(); ok {
		return fmt.Sprintf("%s :%s %s", n, v.Label(), formatProps(v.Properties))
	}
	if e, ok := n.AsEdge(); ok {
		return fmt.Sprintf("%s %s", n, formatProps(e.Properties))
	}
	return n.String()
}

func formatProps(props map[string]any) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", k, props[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// serveMetrics exposes the default Prometheus registry on addr.
func serveMetrics(addr string, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("address", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
