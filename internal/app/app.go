// Package app wires the service together: config, logging, storage, asset
// store, provider client, the bulk pipeline, and the HTTP server.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/praveen-singh01/whatsapp-automation/internal/assets"
	"github.com/praveen-singh01/whatsapp-automation/internal/bulk"
	"github.com/praveen-singh01/whatsapp-automation/internal/compositor"
	"github.com/praveen-singh01/whatsapp-automation/internal/config"
	"github.com/praveen-singh01/whatsapp-automation/internal/delivery"
	"github.com/praveen-singh01/whatsapp-automation/internal/directory"
	"github.com/praveen-singh01/whatsapp-automation/internal/httpapi"
	"github.com/praveen-singh01/whatsapp-automation/internal/storage"
	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

type App struct {
	cfgm   *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store     storage.Store
	retention *assets.Retention
	refresher *delivery.Refresher
	pipeline  *bulk.Service
	srv       *http.Server

	shutdownTimeout time.Duration
	seedFile        string

	cfgCh    chan *config.Config
	cancelBg context.CancelFunc
	bgDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	a := &App{cfgm: cfgm, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func logxConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File != "", Path: lc.File},
	}
}

func (a *App) build(cfg *config.Config) error {
	a.shutdownTimeout = 10 * time.Second
	if d, err := cfg.Server.ShutdownTimeout.Parse("server.shutdown_timeout", 10*time.Second); err == nil {
		a.shutdownTimeout = d
	}
	a.seedFile = cfg.Directory.SeedFile

	busy, err := cfg.Storage.BusyTimeout.Parse("storage.busy_timeout", 0)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}

	assetDir := cfg.Assets.Dir
	if assetDir == "" {
		assetDir = "./data/assets"
	}
	baseURL := cfg.Assets.BaseURL
	if baseURL == "" {
		baseURL = "/assets"
	}
	disk, err := assets.NewDisk(assetDir, baseURL)
	if err != nil {
		return err
	}
	maxAge, err := cfg.Assets.Retention.MaxAge.Parse("assets.retention.max_age", 0)
	if err != nil {
		return err
	}
	a.retention = assets.NewRetention(assetDir, assets.RetentionConfig{
		MaxAge:   maxAge,
		MaxFiles: cfg.Assets.Retention.MaxFiles,
		Sweep:    cfg.Assets.Retention.Sweep,
	}, a.log.With(logx.String("comp", "assets")))

	token := cfg.WhatsApp.AccessToken
	if token == "" {
		token = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	}
	var creds delivery.CredentialProvider = delivery.Static(token)
	if cfg.WhatsApp.TokenURL != "" {
		refresh, err := cfg.WhatsApp.RefreshInterval.Parse("whatsapp.refresh_interval", 0)
		if err != nil {
			return err
		}
		a.refresher = delivery.NewRefresher(cfg.WhatsApp.TokenURL, refresh, token,
			a.log.With(logx.String("comp", "credentials")))
		creds = a.refresher
	}
	sendTimeout, err := cfg.WhatsApp.SendTimeout.Parse("whatsapp.send_timeout", 0)
	if err != nil {
		return err
	}
	sender := delivery.NewWhatsAppClient(delivery.Config{
		BaseURL: cfg.WhatsApp.BaseURL,
		PhoneID: cfg.WhatsApp.PhoneID,
		Timeout: sendTimeout,
	}, creds, a.log.With(logx.String("comp", "whatsapp")))

	bulkCfg, err := bulkConfig(cfg.Bulk)
	if err != nil {
		return err
	}
	a.pipeline = bulk.New(bulkCfg, bulk.Deps{
		Store:    a.store,
		Resolver: a.store,
		Sender:   sender,
		Assets:   disk,
		Fetcher:  compositor.NewFetcher(bulkCfg.DownloadTimeout, 0),
	}, a.log.With(logx.String("comp", "bulk")))

	api := httpapi.NewServer(a.pipeline, a.store, disk.Dir(),
		a.log.With(logx.String("comp", "http")))

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	readTimeout, err := cfg.Server.ReadTimeout.Parse("server.read_timeout", 30*time.Second)
	if err != nil {
		return err
	}
	writeTimeout, err := cfg.Server.WriteTimeout.Parse("server.write_timeout", 5*time.Minute)
	if err != nil {
		return err
	}
	a.srv = &http.Server{
		Addr:         addr,
		Handler:      api.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return nil
}

func bulkConfig(bc config.BulkConfig) (bulk.Config, error) {
	sendT, err := bc.SendTimeout.Parse("bulk.send_timeout", 0)
	if err != nil {
		return bulk.Config{}, err
	}
	downloadT, err := bc.DownloadTimeout.Parse("bulk.download_timeout", 0)
	if err != nil {
		return bulk.Config{}, err
	}
	uploadT, err := bc.UploadTimeout.Parse("bulk.upload_timeout", 0)
	if err != nil {
		return bulk.Config{}, err
	}
	return bulk.Config{
		Workers:          bc.Workers,
		QueueSize:        bc.QueueSize,
		RatePerSec:       bc.RatePerSec,
		Burst:            bc.Burst,
		SendTimeout:      sendT,
		DownloadTimeout:  downloadT,
		UploadTimeout:    uploadT,
		CanvasSize:       bc.CanvasSize,
		TemplateLanguage: bc.TemplateLanguage,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if a.seedFile != "" {
		if err := a.seedRecipients(ctx); err != nil {
			return err
		}
	}

	a.pipeline.Start(ctx)
	if err := a.retention.Start(); err != nil {
		return err
	}
	if a.refresher != nil {
		a.refresher.Start(ctx)
	}

	go func() {
		a.log.Info("http server listening", logx.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server exited", logx.Err(err))
		}
	}()

	bgCtx, cancel := context.WithCancel(ctx)
	a.cancelBg = cancel
	a.bgDone = make(chan struct{})
	a.cfgCh = a.cfgm.Subscribe(1)
	go func() {
		defer close(a.bgDone)
		go func() { _ = a.cfgm.Watch(bgCtx) }()
		for {
			select {
			case <-bgCtx.Done():
				return
			case cfg, ok := <-a.cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("service started")
	return nil
}

// applyConfig folds a hot-reloaded config into the running components.
// Structural settings (listen address, storage driver, asset dir) need a
// restart and are ignored here.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logxConfig(cfg.Logging))
	if bc, err := bulkConfig(cfg.Bulk); err == nil {
		a.pipeline.Apply(bc)
	} else {
		a.log.Warn("bulk config not applied", logx.Err(err))
	}
	a.log.Info("config applied")
}

func (a *App) seedRecipients(ctx context.Context) error {
	data, err := os.ReadFile(a.seedFile)
	if err != nil {
		return fmt.Errorf("reading recipient seed: %w", err)
	}
	var rs []directory.Recipient
	if err := json.Unmarshal(data, &rs); err != nil {
		return fmt.Errorf("parsing recipient seed: %w", err)
	}
	for _, r := range rs {
		if !directory.ValidRole(r.Role) {
			return fmt.Errorf("recipient seed: %s has unknown role %q", r.ID, r.Role)
		}
	}
	if err := a.store.SeedRecipients(ctx, rs); err != nil {
		return err
	}
	a.log.Info("recipient roster seeded", logx.Int("count", len(rs)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	sctx, cancel := context.WithTimeout(ctx, a.shutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(sctx); err != nil {
		a.log.Warn("http shutdown incomplete", logx.Err(err))
	}

	a.pipeline.Stop(sctx)
	a.retention.Stop()
	if a.refresher != nil {
		a.refresher.Stop()
	}
	if a.cancelBg != nil {
		a.cancelBg()
		<-a.bgDone
		a.cfgm.Unsubscribe(a.cfgCh)
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("service stopped")
	return a.logSvc.Close()
}
