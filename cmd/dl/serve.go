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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"defectline/internal/backup"
	"defectline/internal/db"
	"defectline/internal/metrics"
	"defectline/internal/server"
	"defectline/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			env, logger, err := openEnv(ctx, m)
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.Config

			if err := telemetry.Init(ctx, telemetry.Options{
				Enabled: cfg.Telemetry.Enabled,
				Stdout:  cfg.Telemetry.Stdout,
				Version: version,
			}); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := telemetry.Shutdown(sctx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Auth.JWTSecret,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				DevLogin:               cfg.Auth.DevLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				logger.Warn("no jwt secret configured; only API keys will authenticate (set DEFECTLINE_JWT_SECRET)")
			}
			if authCfg.DevLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("auth.dev_login requires a jwt secret")
			}
			handler, err := server.New(server.Config{
				Engine:   env.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Metrics:  m,
				Logger:   logger,
				Version:  version,
			})
			if err != nil {
				return err
			}

			if len(cfg.Webhooks) > 0 {
				d := server.NewWebhookDispatcher(env.Engine.Repo, cfg.Webhooks, logger)
				go d.Run(ctx, 0)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("serving defectline API", "addr", addr, "base_path", basePath, "docs", basePath+"/docs")
			fmt.Printf("Serving Defectline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func backupCmd() *cobra.Command {
	var dir, copyTo string
	var keep int
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the database and ship it to the configured target",
		Long:  "Writes a consistent sqlite snapshot into the backup directory, uploads it to S3 when a bucket is configured, and prunes old local snapshots.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, logger, err := openEnv(ctx, nil)
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.Config.Backup
			if dir == "" {
				dir = cfg.Dir
			}
			if dir == "" {
				wsDir, err := db.EnsureWorkspace(env.Workspace)
				if err != nil {
					return err
				}
				dir = filepath.Join(wsDir, "backups")
			}
			if !cmd.Flags().Changed("keep") {
				keep = cfg.Keep
			}
			var uploader backup.Uploader
			if cfg.S3.Bucket != "" {
				s3u, err := backup.NewS3Uploader(ctx, cfg.S3)
				if err != nil {
					return err
				}
				uploader = s3u
			} else if copyTo != "" {
				uploader = backup.DirUploader{Dir: copyTo}
			}
			res, err := backup.Run(ctx, backup.Options{
				DB:       env.DB,
				Dialect:  env.Dialect,
				Dir:      dir,
				Keep:     keep,
				Uploader: uploader,
				Events:   env.Engine.Events,
				ActorID:  viper.GetString("actor-id"),
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("Snapshot %s\n", res.Path)
			if res.Location != "" {
				fmt.Printf("Uploaded to %s\n", res.Location)
			}
			if len(res.Pruned) > 0 {
				fmt.Printf("Pruned %d old snapshot(s)\n", len(res.Pruned))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "snapshot directory (default from config)")
	cmd.Flags().StringVar(&copyTo, "copy-to", "", "also copy the snapshot into this directory when no S3 bucket is configured")
	cmd.Flags().IntVar(&keep, "keep", 0, "local snapshots to keep, 0 keeps all (default from config)")
	return cmd
}
