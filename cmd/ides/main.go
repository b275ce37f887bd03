package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/auth"
	"github.com/MarcoPoloResearchLab/ides/internal/comments"
	"github.com/MarcoPoloResearchLab/ides/internal/config"
	"github.com/MarcoPoloResearchLab/ides/internal/content"
	"github.com/MarcoPoloResearchLab/ides/internal/database"
	"github.com/MarcoPoloResearchLab/ides/internal/logging"
	"github.com/MarcoPoloResearchLab/ides/internal/readers"
	"github.com/MarcoPoloResearchLab/ides/internal/reading"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	"github.com/MarcoPoloResearchLab/ides/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ides",
		Short: "Serialized book reader with stable reading positions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP service",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		newImportCommand(),
		newPublishCommand(),
		newRevisionsCommand(),
		newReaderCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("cors-origin", nil, "Allowed CORS origin (repeatable)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString(config.KeyDatabaseDriver), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt(config.KeySessionTTLMinutes), "Session lifetime in minutes")
	cmd.PersistentFlags().Int("pager-window", defaults.GetInt(config.KeyPagerWindow), "Blocks shown per page")
	cmd.PersistentFlags().Int("pager-stride", defaults.GetInt(config.KeyPagerStride), "Blocks moved per page turn (0 uses the window)")
	cmd.PersistentFlags().Int("publish-concurrency", defaults.GetInt(config.KeyPublishConcurrency), "Readers remapped in parallel on publish")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyCORSOrigins, "cors-origin")
	bindFlag(cmd, config.KeyDatabaseDriver, "database-driver")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyDatabaseDSN, "database-dsn")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeySessionSecret, "signing-secret")
	bindFlag(cmd, config.KeySessionTTLMinutes, "session-ttl-minutes")
	bindFlag(cmd, config.KeyPagerWindow, "pager-window")
	bindFlag(cmd, config.KeyPagerStride, "pager-stride")
	bindFlag(cmd, config.KeyPublishConcurrency, "publish-concurrency")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// runtime holds the services shared by the server and the offline commands.
type runtime struct {
	logger    *zap.Logger
	db        *gorm.DB
	store     *revisions.Store
	readers   *readers.Service
	pager     *reading.Pager
	publisher *reading.Publisher
	comments  *comments.Service
	realtime  *server.RealtimeDispatcher
}

func openRuntime(appConfig config.AppConfig) (*runtime, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	store, err := revisions.NewStore(revisions.StoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}
	readerService, err := readers.NewService(readers.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: readers.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	pager, err := reading.NewPager(reading.PagerConfig{
		Database: db,
		Store:    store,
		Window:   appConfig.PagerWindow,
		Stride:   appConfig.PagerStride,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	dispatcher := server.NewRealtimeDispatcher()
	publisher, err := reading.NewPublisher(reading.PublisherConfig{
		Pager:       pager,
		Concurrency: appConfig.PublishConcurrency,
		Notifier:    dispatcher,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	commentService, err := comments.NewService(comments.ServiceConfig{
		Database: db,
		Blocks:   store,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		logger:    logger,
		db:        db,
		store:     store,
		readers:   readerService,
		pager:     pager,
		publisher: publisher,
		comments:  commentService,
		realtime:  dispatcher,
	}, nil
}

func (rt *runtime) Close() {
	if sqlDB, err := rt.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = rt.logger.Sync()
}

// openOfflineRuntime loads only the storage settings, so admin commands run without a session secret.
func openOfflineRuntime() (*runtime, error) {
	appConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return nil, err
	}
	appConfig.PagerWindow = viper.GetInt(config.KeyPagerWindow)
	appConfig.PagerStride = viper.GetInt(config.KeyPagerStride)
	appConfig.PublishConcurrency = viper.GetInt(config.KeyPublishConcurrency)
	return openRuntime(appConfig)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	rt, err := openRuntime(appConfig)
	if err != nil {
		return err
	}
	defer rt.Close()

	sessions, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		TTL:           appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Readers:     rt.readers,
		Store:       rt.store,
		Pager:       rt.pager,
		Publisher:   rt.publisher,
		Comments:    rt.comments,
		Sessions:    sessions,
		Validator:   validator,
		Realtime:    rt.realtime,
		CORSOrigins: appConfig.CORSOrigins,
		Logger:      rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newImportCommand() *cobra.Command {
	var (
		file    string
		publish bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Parse a book file and store it as a new revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readSource(cmd, file)
			if err != nil {
				return err
			}
			rt, err := openOfflineRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			revision, err := rt.store.Persist(cmd.Context(), content.Parse(raw))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revision %d: %q, %d blocks\n", revision.ID, revision.Title, revision.BlockCount)
			if !publish {
				return nil
			}
			return publishRevision(cmd, rt, revision.ID)
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "Book file to import (- reads stdin)")
	cmd.Flags().BoolVar(&publish, "publish", false, "Make the imported revision live")
	return cmd
}

func readSource(cmd *cobra.Command, file string) (string, error) {
	if file == "-" || file == "" {
		raw, err := io.ReadAll(cmd.InOrStdin())
		return string(raw), err
	}
	raw, err := os.ReadFile(file)
	return string(raw), err
}

func newPublishCommand() *cobra.Command {
	var revisionID int64
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Make a stored revision live and remap every reader onto it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if revisionID <= 0 {
				return fmt.Errorf("--revision is required")
			}
			rt, err := openOfflineRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			return publishRevision(cmd, rt, revisionID)
		},
	}
	cmd.Flags().Int64Var(&revisionID, "revision", 0, "Revision id to publish")
	return cmd
}

func publishRevision(cmd *cobra.Command, rt *runtime, revisionID int64) error {
	report, err := rt.publisher.Publish(cmd.Context(), revisionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "revision %d live (pointer version %d), %d readers remapped\n",
		report.RevisionID, report.PointerVersion, len(report.Remapped))
	for tier, count := range report.TierCounts {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", tier, count)
	}
	return nil
}

func newRevisionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revisions",
		Short: "Inspect stored revisions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List revisions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openOfflineRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			var liveID int64
			if live, err := rt.store.Live(cmd.Context()); err == nil {
				liveID = live.ID
			}
			stored, err := rt.store.ListRevisions(cmd.Context())
			if err != nil {
				return err
			}
			for _, revision := range stored {
				marker := " "
				if revision.ID == liveID {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\t%s\t%d blocks\t%s\n", marker, revision.ID,
					revision.CreatedAt.UTC().Format(time.RFC3339), revision.BlockCount, revision.Title)
			}
			return nil
		},
	})
	return cmd
}

func newReaderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reader",
		Short: "Manage reader tokens",
	}

	var (
		name string
		role string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a reader token; it is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedRole, err := readers.ParseRole(role)
			if err != nil {
				return err
			}
			rt, err := openOfflineRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			reader, token, err := rt.readers.Issue(cmd.Context(), name, parsedRole)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reader %s (%s)\ntoken: %s\n", reader.ID, reader.Role, token.Reveal())
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Reader display name")
	create.Flags().StringVar(&role, "role", string(readers.RoleReader), "Role (reader, admin)")

	var readerID string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a reader's token",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openOfflineRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.readers.Revoke(cmd.Context(), readerID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reader %s revoked\n", readerID)
			return nil
		},
	}
	revoke.Flags().StringVar(&readerID, "id", "", "Reader id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List readers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openOfflineRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			stored, err := rt.readers.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, reader := range stored {
				status := "active"
				if reader.RevokedAt != nil {
					status = "revoked"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", reader.ID, reader.Role, status, reader.Name)
			}
			return nil
		},
	}

	cmd.AddCommand(create, revoke, list)
	return cmd
}
