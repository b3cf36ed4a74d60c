package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/castore/pkg/cas"
	"github.com/jacktea/castore/pkg/gc"
	"github.com/jacktea/castore/pkg/server/httpapi"
	"github.com/jacktea/castore/pkg/server/middleware"
	"github.com/jacktea/castore/pkg/store"
)

type app struct {
	cas     *cas.CAS
	store   store.Store
	cleanup func()
}

func (a *app) ensure() error {
	if a.cas != nil {
		return nil
	}
	st, cleanup, err := buildStore()
	if err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	facade, err := cas.New(cas.Options{Store: st, Logf: log.Printf})
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return err
	}
	a.store = st
	a.cas = facade
	a.cleanup = cleanup
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

func buildStore() (store.Store, func(), error) {
	var (
		fallback store.Store
		cleanup  func()
		err      error
	)
	switch provider := viper.GetString("backend"); provider {
	case "dir", "":
		var opts []store.DirOption
		if viper.GetBool("compress") {
			opts = append(opts, store.WithCompression(viper.GetInt("compress_level")))
		}
		fallback, err = store.NewDirStore(osfs.New(viper.GetString("data_dir")), opts...)
	case "bolt":
		var bs *store.BoltStore
		bs, err = store.NewBoltStore(store.BoltConfig{Path: viper.GetString("bolt_path")})
		if err == nil {
			fallback = bs
			cleanup = func() { _ = bs.Close() }
		}
	case "s3":
		fallback, err = store.NewS3Store(store.S3Config{
			RemoteConfig: store.RemoteConfig{
				Endpoint: viper.GetString("s3_endpoint"),
				Bucket:   viper.GetString("s3_bucket"),
			},
			Region:       viper.GetString("s3_region"),
			AccessKey:    viper.GetString("s3_access_key"),
			SecretKey:    viper.GetString("s3_secret_key"),
			SessionToken: viper.GetString("s3_session_token"),
		})
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", provider)
	}
	if err != nil {
		return nil, nil, err
	}

	var cacheTier store.Store
	switch tier := viper.GetString("cache"); tier {
	case "none", "":
		st, err := maybeEncrypt(fallback)
		if err != nil {
			return nil, nil, err
		}
		return st, cleanup, nil
	case "mem":
		cacheTier = store.NewMemStore()
	case "dir":
		cacheTier, err = store.NewDirStore(osfs.New(viper.GetString("cache_dir")))
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown cache tier %q", tier)
	}
	tiered, err := store.NewTieredStore(cacheTier, fallback, store.TieredOptions{
		ByteBudget: viper.GetInt64("cache_budget"),
	})
	if err != nil {
		return nil, nil, err
	}
	st, err := maybeEncrypt(tiered)
	if err != nil {
		return nil, nil, err
	}
	return st, cleanup, nil
}

// maybeEncrypt wraps s with content encryption when an encryption key is
// configured. The key is hex-encoded, 32 bytes once decoded.
func maybeEncrypt(s store.Store) (store.Store, error) {
	keyHex := viper.GetString("encrypt_key")
	if keyHex == "" {
		return s, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("encrypt key: %w", err)
	}
	return store.NewCryptStore(s, key)
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "castore",
		Short:         "content-addressed blob storage CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensure()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	rootCmd.AddCommand(
		newPutCmd(),
		newCatCmd(),
		newStatCmd(),
		newRmCmd(),
		newHasCmd(),
		newSweepCmd(),
		newServeCmd(),
	)
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("castore")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "castore"))
		}
	}
	viper.SetEnvPrefix("CASTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("backend", "dir", "fallback backend: dir|bolt|s3")
	rootCmd.PersistentFlags().String("data-dir", ".castore/blobs", "blob root for the dir backend")
	rootCmd.PersistentFlags().Bool("compress", false, "zstd-compress blobs in the dir backend")
	rootCmd.PersistentFlags().Int("compress-level", 3, "zstd compression level")
	rootCmd.PersistentFlags().String("bolt-path", ".castore/blobs.db", "database file for the bolt backend")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "s3 endpoint")
	rootCmd.PersistentFlags().String("s3-bucket", "", "s3 bucket")
	rootCmd.PersistentFlags().String("s3-region", "", "s3 region")
	rootCmd.PersistentFlags().String("s3-access-key", "", "s3 access key")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "s3 secret key")
	rootCmd.PersistentFlags().String("s3-session-token", "", "s3 session token")

	rootCmd.PersistentFlags().String("encrypt-key", "", "hex-encoded 32-byte key enabling content encryption")

	rootCmd.PersistentFlags().String("cache", "none", "cache tier: none|mem|dir")
	rootCmd.PersistentFlags().String("cache-dir", ".castore/cache", "blob root for the dir cache tier")
	rootCmd.PersistentFlags().Int64("cache-budget", 100<<20, "cache tier byte budget")

	bindConfig("backend", rootCmd.PersistentFlags().Lookup("backend"))
	bindConfig("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	bindConfig("compress", rootCmd.PersistentFlags().Lookup("compress"))
	bindConfig("compress_level", rootCmd.PersistentFlags().Lookup("compress-level"))
	bindConfig("bolt_path", rootCmd.PersistentFlags().Lookup("bolt-path"))
	bindConfig("s3_endpoint", rootCmd.PersistentFlags().Lookup("s3-endpoint"))
	bindConfig("s3_bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	bindConfig("s3_region", rootCmd.PersistentFlags().Lookup("s3-region"))
	bindConfig("s3_access_key", rootCmd.PersistentFlags().Lookup("s3-access-key"))
	bindConfig("s3_secret_key", rootCmd.PersistentFlags().Lookup("s3-secret-key"))
	bindConfig("s3_session_token", rootCmd.PersistentFlags().Lookup("s3-session-token"))
	bindConfig("encrypt_key", rootCmd.PersistentFlags().Lookup("encrypt-key"))
	bindConfig("cache", rootCmd.PersistentFlags().Lookup("cache"))
	bindConfig("cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	bindConfig("cache_budget", rootCmd.PersistentFlags().Lookup("cache-budget"))
}

func newPutCmd() *cobra.Command {
	var (
		ext       string
		chunkSize int64
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "put <file|->",
		Short: "Store a file (or stdin) and print its blob info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader
			if args[0] == "-" {
				src = os.Stdin
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
				if ext == "" {
					ext = filepath.Ext(args[0])
				}
			}
			meta := cas.Metadata{}
			if ext != "" {
				meta[cas.MetaExt] = ext
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if chunkSize > 0 {
				manifest, err := application.cas.PutChunked(cmd.Context(), src, cas.ChunkOptions{
					ChunkSize:   chunkSize,
					Concurrency: workers,
					Meta:        meta,
				})
				if err != nil {
					return err
				}
				return enc.Encode(manifest)
			}
			info, err := application.cas.Put(cmd.Context(), src, meta)
			if err != nil {
				return err
			}
			return enc.Encode(info)
		},
	}
	cmd.Flags().StringVar(&ext, "ext", "", "extension appended to the derived key")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "split into chunks of this many bytes and print a manifest")
	cmd.Flags().IntVar(&workers, "concurrency", 4, "chunk puts in flight when chunking")
	return cmd
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <key>",
		Short: "Stream a blob to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := application.cas.Stream(cmd.Context(), cas.Key(args[0]), os.Stdout)
			return err
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <key>",
		Short: "Check whether a blob exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := application.cas.Has(cmd.Context(), cas.Key(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: not found", args[0])
			}
			fmt.Println(args[0])
			return nil
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.cas.Unlink(cmd.Context(), cas.Key(args[0]))
		},
	}
}

func newHasCmd() *cobra.Command {
	var ext string
	cmd := &cobra.Command{
		Use:   "has <file>",
		Short: "Check whether a file's content is already stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			meta := cas.Metadata{}
			if ext != "" {
				meta[cas.MetaExt] = ext
			} else if fileExt := filepath.Ext(args[0]); fileExt != "" {
				meta[cas.MetaExt] = fileExt
			}
			ok, err := application.cas.HasContent(cmd.Context(), f, meta)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: content not stored", args[0])
			}
			fmt.Println("stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&ext, "ext", "", "extension used when deriving the key")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove abandoned temporary keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := gc.NewSweeper(gc.Options{Store: application.store})
			// Two passes: the sweeper only deletes keys seen on
			// consecutive passes.
			total := 0
			for i := 0; i < 2; i++ {
				n, err := sweeper.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				total += n
			}
			fmt.Printf("removed %d temporary keys\n", total)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		addr      string
		apiKey    string
		rateLimit int
		rateWin   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := &httpapi.Server{
				CAS: application.cas,
				Log: log.New(os.Stderr, "castore ", log.LstdFlags),
				Opts: httpapi.Options{
					APIKey: apiKey,
					RateLimit: middleware.RateLimitOptions{
						Requests: rateLimit,
						Window:   rateWin,
					},
				},
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sweeper := gc.NewSweeper(gc.Options{Store: application.store})
			stop := sweeper.Start(ctx, 10*time.Minute)
			defer stop()
			fmt.Fprintf(os.Stderr, "listening on %s\n", addr)
			return srv.Start(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8934", "listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "require this API key on every request")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "max requests per window (0 disables)")
	cmd.Flags().DurationVar(&rateWin, "rate-window", time.Second, "rate limit window")
	return cmd
}
