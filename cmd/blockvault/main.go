package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	api "github.com/WanderningMaster/blockvault/api"
	"github.com/WanderningMaster/blockvault/configuration"
	"github.com/WanderningMaster/blockvault/internal/logging"
	"github.com/WanderningMaster/blockvault/internal/service"
	daemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var apiAddr string

func main() {
	root := &cobra.Command{
		Use:           "blockvault",
		Short:         "BlockVault CLI",
		Long:          "Content-addressed block store with aliases, temp pins and incremental GC.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&apiAddr, "api", "a", "http://127.0.0.1:7733", "base URL of a running daemon")

	var (
		daemonConf      string
		daemonStore     string
		daemonListen    string
		daemonMem       bool
		daemonLogLevel  string
		daemonLogFormat string
	)
	cmdDaemon := &cobra.Command{
		Use:   "daemon",
		Short: "Run the block store daemon with HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(daemonConf, daemonStore, daemonListen, daemonMem, daemonLogLevel, daemonLogFormat)
		},
	}
	cmdDaemon.Flags().StringVarP(&daemonConf, "config", "c", "", "path to JSON config file")
	cmdDaemon.Flags().StringVarP(&daemonStore, "store", "s", "", "store directory (overrides config)")
	cmdDaemon.Flags().StringVarP(&daemonListen, "listen", "l", "127.0.0.1:7733", "address to listen on (host:port)")
	cmdDaemon.Flags().BoolVarP(&daemonMem, "mem", "m", false, "use in-mem store; defaults to on-disk")
	cmdDaemon.Flags().StringVar(&daemonLogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmdDaemon.Flags().StringVar(&daemonLogFormat, "log-format", "", "log format: text or json")
	root.AddCommand(cmdDaemon)

	var addIn, addAlias string
	cmdAdd := &cobra.Command{
		Use:   "add",
		Short: "Add a file; prints the manifest CID",
		RunE: func(cmd *cobra.Command, args []string) error {
			add(addIn, addAlias)
			return nil
		},
	}
	cmdAdd.Flags().StringVarP(&addIn, "in", "i", "", "input file path")
	cmdAdd.Flags().StringVar(&addAlias, "alias", "", "alias to bind to the manifest")
	_ = cmdAdd.MarkFlagRequired("in")
	root.AddCommand(cmdAdd)

	var catCID, catOut string
	cmdCat := &cobra.Command{
		Use:   "cat",
		Short: "Fetch content by manifest CID",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat(catCID, catOut)
			return nil
		},
	}
	cmdCat.Flags().StringVarP(&catCID, "cid", "c", "", "CID of the manifest to fetch")
	cmdCat.Flags().StringVarP(&catOut, "out", "o", "", "optional output file path; if omitted, writes to stdout")
	_ = cmdCat.MarkFlagRequired("cid")
	root.AddCommand(cmdCat)

	cmdStat := &cobra.Command{
		Use:   "stat",
		Short: "Show block count and total size",
		RunE: func(cmd *cobra.Command, args []string) error {
			stat()
			return nil
		},
	}
	root.AddCommand(cmdStat)

	cmdLs := &cobra.Command{
		Use:   "ls",
		Short: "List stored block CIDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			lsCids()
			return nil
		},
	}
	root.AddCommand(cmdLs)

	cmdAlias := &cobra.Command{Use: "alias", Short: "Alias operations"}

	var aliasSetName, aliasSetCID string
	cmdAliasSet := &cobra.Command{
		Use:   "set",
		Short: "Bind an alias to a CID",
		RunE: func(cmd *cobra.Command, args []string) error {
			aliasSet(aliasSetName, aliasSetCID)
			return nil
		},
	}
	cmdAliasSet.Flags().StringVarP(&aliasSetName, "name", "n", "", "alias name")
	cmdAliasSet.Flags().StringVarP(&aliasSetCID, "cid", "c", "", "target CID")
	_ = cmdAliasSet.MarkFlagRequired("name")
	_ = cmdAliasSet.MarkFlagRequired("cid")
	cmdAlias.AddCommand(cmdAliasSet)

	var aliasRmName string
	cmdAliasRm := &cobra.Command{
		Use:   "rm",
		Short: "Remove an alias",
		RunE: func(cmd *cobra.Command, args []string) error {
			aliasRm(aliasRmName)
			return nil
		},
	}
	cmdAliasRm.Flags().StringVarP(&aliasRmName, "name", "n", "", "alias name")
	_ = cmdAliasRm.MarkFlagRequired("name")
	cmdAlias.AddCommand(cmdAliasRm)

	cmdAliasLs := &cobra.Command{
		Use:   "ls",
		Short: "List aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			aliasLs()
			return nil
		},
	}
	cmdAlias.AddCommand(cmdAliasLs)
	root.AddCommand(cmdAlias)

	var resolveName string
	cmdResolve := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve an alias to its CID",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolve(resolveName)
			return nil
		},
	}
	cmdResolve.Flags().StringVarP(&resolveName, "name", "n", "", "alias name")
	_ = cmdResolve.MarkFlagRequired("name")
	root.AddCommand(cmdResolve)

	var reverseCID string
	cmdReverse := &cobra.Command{
		Use:   "reverse",
		Short: "List aliases a CID is reachable from",
		RunE: func(cmd *cobra.Command, args []string) error {
			reverse(reverseCID)
			return nil
		},
	}
	cmdReverse.Flags().StringVarP(&reverseCID, "cid", "c", "", "CID to look up")
	_ = cmdReverse.MarkFlagRequired("cid")
	root.AddCommand(cmdReverse)

	var missingCID string
	cmdMissing := &cobra.Command{
		Use:   "missing",
		Short: "List referenced but absent CIDs under a root",
		RunE: func(cmd *cobra.Command, args []string) error {
			missing(missingCID)
			return nil
		},
	}
	cmdMissing.Flags().StringVarP(&missingCID, "cid", "c", "", "root CID to check")
	_ = cmdMissing.MarkFlagRequired("cid")
	root.AddCommand(cmdMissing)

	cmdGC := &cobra.Command{
		Use:   "gc",
		Short: "Run a full eviction sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			gc()
			return nil
		},
	}
	root.AddCommand(cmdGC)

	cmdFlush := &cobra.Command{
		Use:   "flush",
		Short: "Make all prior writes durable",
		RunE: func(cmd *cobra.Command, args []string) error {
			flush()
			return nil
		},
	}
	root.AddCommand(cmdFlush)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(confPath, storePath, listen string, mem bool, logLevel, logFormat string) error {
	cfg := configuration.Default()
	if confPath != "" {
		var err error
		cfg, err = configuration.Load(confPath)
		if err != nil {
			return err
		}
	}
	if storePath != "" {
		cfg.Path = storePath
	}
	if mem {
		cfg.Path = ""
	} else if cfg.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		cfg.Path = filepath.Join(home, ".blockvault", "blocks")
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	reg := prometheus.NewRegistry()

	svc, err := service.Open(cfg, service.WithMetrics(reg), service.WithLogger(logger))
	if err != nil {
		return err
	}

	go func() {
		for ev := range svc.Events() {
			if ev.Kind == service.EventRemove {
				logger.Debug("block evicted", "cid", ev.CID)
			}
		}
	}()

	srv := &http.Server{Addr: listen, Handler: api.NewMux(svc, reg)}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		_ = svc.Close()
		return err
	case <-ctx.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	return svc.Close()
}
