package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/zcash/warpsync/blocksource"
	"github.com/zcash/warpsync/downloader"
	"github.com/zcash/warpsync/engine"
	"github.com/zcash/warpsync/enginelog"
	"github.com/zcash/warpsync/enginemetrics"
	"github.com/zcash/warpsync/keyring"
	"github.com/zcash/warpsync/pool"
	"github.com/zcash/warpsync/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "warpsync",
	Short: "warpsync is a wallet-side sync engine for the Zcash shielded pools",
	Long: `warpsync drives the four-stage pipeline that brings a sqlite-backed
wallet store up to date with a block-source service: download, trial
decryption, note-commitment tree extension, and spend detection.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

// Execute runs the root command; called once from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./warpsync.yaml)")
	rootCmd.Flags().String("source-addr", "127.0.0.1:9067", "address of the block-source gRPC service")
	rootCmd.Flags().Bool("source-insecure", false, "dial the block source without TLS (development only)")
	rootCmd.Flags().String("db-path", "./warpsync.db", "path to the sqlite3 wallet store")
	rootCmd.Flags().String("http-bind-addr", "127.0.0.1:9078", "address to serve /metrics on")
	rootCmd.Flags().Int("log-level", int(logrus.InfoLevel), "log level (logrus 0-6)")
	rootCmd.Flags().String("log-file", "", "log file to write JSON-formatted logs to (default: text to stderr)")
	rootCmd.Flags().Uint64("anchor-offset", 0, "stay this many blocks behind the source's reported tip")
	rootCmd.Flags().Uint64("reorg-horizon", 0, "override the reorg rollback horizon (0 keeps the default)")
	rootCmd.Flags().Int("spam-threshold", 0, "clear ciphertexts for transactions with more than this many outputs (0 disables)")
	rootCmd.Flags().Int("chunk-output-cap", 0, "max shielded outputs per downloaded chunk (0 keeps the default)")
	rootCmd.Flags().Int("retry-attempts", 0, "downloader retry attempts before a fatal error (0 keeps the default)")

	for _, name := range []string{
		"source-addr", "source-insecure", "db-path", "http-bind-addr",
		"log-level", "log-file", "anchor-offset", "reorg-horizon",
		"spam-threshold", "chunk-output-cap", "retry-attempts",
	} {
		viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("warpsync")
	}
	replacer := strings.NewReplacer("-", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
	viper.ReadInConfig() // a missing config file is not fatal; flags/env still apply
}

// viewingKeyConfig is one entry of the config file's viewing-keys
// list -- the account/pool/scalar triples engine.Options installs
// into a keyring.Registry before a run starts.
type viewingKeyConfig struct {
	Account uint32
	Pool    string
	Scalar  string // hex-encoded
}

func loadKeyring() (*keyring.Registry, error) {
	var entries []viewingKeyConfig
	if err := viper.UnmarshalKey("viewing-keys", &entries); err != nil {
		return nil, fmt.Errorf("decode viewing-keys: %w", err)
	}
	reg := keyring.NewRegistry()
	for _, e := range entries {
		scalar, err := hex.DecodeString(e.Scalar)
		if err != nil {
			return nil, fmt.Errorf("viewing key for account %d: decode scalar: %w", e.Account, err)
		}
		var p pool.ID
		switch strings.ToLower(e.Pool) {
		case "sapling":
			p = pool.Sapling
		case "orchard":
			p = pool.Orchard
		default:
			return nil, fmt.Errorf("viewing key for account %d: unknown pool %q", e.Account, e.Pool)
		}
		reg.Install(keyring.IVK{Account: keyring.Account(e.Account), Pool: p, Scalar: scalar})
	}
	return reg, nil
}

func run() error {
	cleanup, err := enginelog.Configure(enginelog.Options{
		Level:   logrus.Level(viper.GetInt("log-level")),
		LogFile: viper.GetString("log-file"),
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer cleanup()

	if err := enginemetrics.Register(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	go startMetricsServer(viper.GetString("http-bind-addr"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-signals
		enginelog.L.WithFields(logrus.Fields{"signal": s.String()}).Info("caught signal, stopping after the current chunk")
		cancel()
	}()

	insecureSource := viper.GetBool("source-insecure")
	var dialOpts []grpc.DialOption
	if !insecureSource {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	}
	src, err := blocksource.Dial(ctx, viper.GetString("source-addr"), insecureSource, dialOpts...)
	if err != nil {
		return fmt.Errorf("dial block source: %w", err)
	}

	store, err := storage.Open(viper.GetString("db-path"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	keys, err := loadKeyring()
	if err != nil {
		return fmt.Errorf("load viewing keys: %w", err)
	}

	downloadOpts := downloader.DefaultOptions()
	if v := viper.GetInt("spam-threshold"); v > 0 {
		downloadOpts.SpamThreshold = v
	}
	if v := viper.GetInt("chunk-output-cap"); v > 0 {
		downloadOpts.ChunkOutputCap = v
	}
	if v := viper.GetInt("retry-attempts"); v > 0 {
		downloadOpts.RetryAttempts = v
	}

	e := engine.New(engine.Options{
		Source:       src,
		Store:        store,
		Keys:         keys,
		Log:          enginelog.L,
		Download:     downloadOpts,
		AnchorOffset: viper.GetUint64("anchor-offset"),
		ReorgHorizon: viper.GetUint64("reorg-horizon"),
	})

	enginelog.L.Info("starting sync run")
	if err := e.Run(ctx); err != nil {
		return fmt.Errorf("sync run: %w", err)
	}
	enginelog.L.Info("sync run finished")
	return nil
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	enginelog.L.WithFields(logrus.Fields{"addr": addr}).Info("serving /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		enginelog.L.WithFields(logrus.Fields{"error": err}).Error("metrics server exited")
	}
}
