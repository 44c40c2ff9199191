package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/client/api"
	"github.com/agroup14/waybill/internal/client/storage"
	"github.com/agroup14/waybill/internal/client/syncer"
	"github.com/agroup14/waybill/internal/client/waybill"
	"github.com/agroup14/waybill/internal/config"
	"github.com/agroup14/waybill/internal/logger"
)

// app holds everything a command needs. It is built once per invocation in
// the root command's PersistentPreRunE.
type app struct {
	opts      config.ClientOptions
	log       *logger.Logger
	store     *storage.Store
	session   *api.Session
	svc       *syncer.Service
	registrar *waybill.Registrar
}

// flagValues mirrors the persistent flags. Only flags set explicitly on the
// command line override the loaded options.
type flagValues struct {
	config      string
	baseURL     string
	cacheDir    string
	logLevel    string
	timeout     time.Duration
	autoSync    time.Duration
	concurrency int
}

func bindFlags(cmd *cobra.Command, fv *flagValues) {
	def := config.DefaultClient()
	f := cmd.PersistentFlags()
	f.StringVarP(&fv.config, "config", "c", def.Config, "path to config file")
	f.StringVar(&fv.baseURL, "url", def.BaseURL, "API base URL")
	f.StringVar(&fv.cacheDir, "cache-dir", def.CacheDir, "local cache directory")
	f.StringVar(&fv.logLevel, "log-level", def.LogLevel, "log level (debug, info, warn, error)")
	f.DurationVar(&fv.timeout, "timeout", time.Duration(def.Timeout), "per-request timeout")
	f.DurationVar(&fv.autoSync, "autosync", time.Duration(def.AutoSync), "background sync period in the shell (0 disables)")
	f.IntVar(&fv.concurrency, "concurrency", def.Concurrency, "parallel collection fetches")
}

// loadOptions combines defaults, config file, environment and explicit flags.
func loadOptions(cmd *cobra.Command, fv *flagValues) (config.ClientOptions, error) {
	opts := config.DefaultClient()
	f := cmd.Flags()
	if f.Changed("config") {
		opts.Config = fv.config
	}
	if err := opts.Load(); err != nil {
		return opts, err
	}
	if f.Changed("url") {
		opts.BaseURL = fv.baseURL
	}
	if f.Changed("cache-dir") {
		opts.CacheDir = fv.cacheDir
	}
	if f.Changed("log-level") {
		opts.LogLevel = fv.logLevel
	}
	if f.Changed("timeout") {
		opts.Timeout = config.Duration(fv.timeout)
	}
	if f.Changed("autosync") {
		opts.AutoSync = config.Duration(fv.autoSync)
	}
	if f.Changed("concurrency") {
		opts.Concurrency = fv.concurrency
	}
	return opts, opts.Validate()
}

func newApp(opts config.ClientOptions) (*app, error) {
	log := logger.New()
	if err := log.InitConsole(opts.LogLevel); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zl := log.Log

	store, err := storage.NewStore(opts.CacheDir, zl.Named("store"))
	if err != nil {
		return nil, err
	}
	client, err := api.NewClient(opts.BaseURL,
		api.WithTimeout(time.Duration(opts.Timeout)),
		api.WithLogger(zl.Named("api")))
	if err != nil {
		return nil, err
	}
	session := api.NewSession(client, store, api.SessionOptions{
		CheckPath:       api.CollectionPath(opts.Collections[0]),
		OfflineUser:     opts.OfflineUser,
		OfflinePassword: opts.OfflinePassword,
	}, zl.Named("session"))
	svc := syncer.NewService(syncer.Config{
		Session:     session,
		Store:       store,
		Concurrency: opts.Concurrency,
		Log:         zl.Named("sync"),
	})
	return &app{
		opts:      opts,
		log:       log,
		store:     store,
		session:   session,
		svc:       svc,
		registrar: waybill.NewRegistrar(svc),
	}, nil
}

// autoLogin restores remembered credentials. Failures are reported but do
// not stop commands that work on the local cache.
func (a *app) autoLogin(ctx context.Context) {
	ok, err := a.session.TryAutoLogin(ctx)
	if err != nil {
		a.log.Log.Warn("auto-login failed", zap.Error(err))
		return
	}
	if ok {
		a.log.Log.Debug("auto-login", zap.String("user", a.session.Username()))
	}
}

func (a *app) close() {
	a.svc.Close()
	_ = a.log.Log.Sync()
}
