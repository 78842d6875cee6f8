// Package app builds a pipeline service from configuration.
package app

import (
	"database/sql"
	"errors"

	"github.com/spherical/pdf2deck/internal/batch"
	"github.com/spherical/pdf2deck/internal/config"
	"github.com/spherical/pdf2deck/internal/deck"
	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/extract"
	"github.com/spherical/pdf2deck/internal/llm"
	"github.com/spherical/pdf2deck/internal/pagestore"
	"github.com/spherical/pdf2deck/internal/pdf"
	"github.com/spherical/pdf2deck/internal/pipeline"
	"github.com/spherical/pdf2deck/internal/storage"
)

var _ pipeline.JobPruner = (*storage.JobRepository)(nil)

// App holds the assembled service and the resources it owns
type App struct {
	Service *pipeline.Service
	Config  *config.Config

	db *sql.DB
}

// New wires every component named in cfg. The vision capability is
// required; inpainting is optional and its absence only degrades cleaning.
func New(cfg *config.Config, logger *domain.Logger) (*App, error) {
	if logger == nil {
		logger = domain.DefaultLogger
	}
	scheduler, err := newScheduler(cfg, logger)
	if err != nil {
		return nil, err
	}
	return build(cfg, scheduler, logger)
}

// NewOffline wires a service that can edit and assemble but not analyze,
// so no capability credentials are needed.
func NewOffline(cfg *config.Config, logger *domain.Logger) (*App, error) {
	if logger == nil {
		logger = domain.DefaultLogger
	}
	return build(cfg, nil, logger)
}

func newScheduler(cfg *config.Config, logger *domain.Logger) (*batch.Scheduler, error) {
	retry := llm.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.LLM.MaxAttempts
	retry.InitialBackoff = cfg.LLM.InitialBackoff
	retry.MaxBackoff = cfg.LLM.MaxBackoff
	retry.Limiter = llm.NewLimiter(cfg.Batch.RequestsPerMinute)

	vision, err := llm.NewVisionClient(llm.ClientConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.VisionModel,
		Timeout: cfg.LLM.RequestTimeout,
	}, retry, logger)
	if err != nil {
		return nil, err
	}

	var inpaint domain.InpaintCapability
	if cfg.LLM.InpaintEnabled {
		client, err := llm.NewInpaintClient(llm.ClientConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.InpaintModel,
			Timeout: cfg.LLM.RequestTimeout,
		}, retry, logger)
		if err != nil {
			logger.Warn("inpainting unavailable, pages keep their text: %v", err)
		} else {
			inpaint = client
		}
	}

	cleaner := extract.NewCleaner(inpaint, logger).WithWatermarkRegion(cfg.LLM.WatermarkRegion)
	return batch.NewScheduler(batch.Config{
		Width:            cfg.Batch.Width,
		InterBatchDelay:  cfg.Batch.InterBatchDelay,
		PageTimeout:      cfg.Batch.PageTimeout,
		SingleFirstBatch: cfg.Batch.SingleFirstBatch,
	}, extract.NewAnalyzer(vision, logger), cleaner, logger), nil
}

func build(cfg *config.Config, scheduler *batch.Scheduler, logger *domain.Logger) (*App, error) {
	codec := pagestore.DefaultBlobCodec()
	codec.MaxBytes = cfg.Store.MaxBlobBytes

	var blobs pagestore.BlobStore
	switch cfg.Store.Driver {
	case "redis":
		rb, err := pagestore.NewRedisBlobs(pagestore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Store.BlobTTL,
		})
		if err != nil {
			return nil, domain.ConfigError("connect blob store", err)
		}
		blobs = rb
	default:
		blobs = pagestore.NewMemoryBlobs()
	}

	a := &App{Config: cfg}
	var repo pipeline.JobRepository
	if cfg.Database.Enabled {
		db, err := storage.Open(cfg.Database.Path)
		if err != nil {
			blobs.Close()
			return nil, err
		}
		a.db = db
		repo = storage.NewJobRepository(db)
	}

	rasterizer := pdf.NewRasterizer(pdf.RasterOptions{
		LowMaxDim:       cfg.Raster.LowMaxDim,
		HighDPI:         cfg.Raster.HighDPI,
		HighMaxDim:      cfg.Raster.HighMaxDim,
		Quality:         cfg.Raster.Quality,
		PageTimeout:     cfg.Raster.PageTimeout,
		FirstPageBudget: cfg.Raster.FirstPageBudget,
		MaxFileSize:     cfg.Raster.MaxFileSize,
	}, logger)

	a.Service = pipeline.NewService(pipeline.Dependencies{
		Rasterizer: pipeline.PDFRasterizer(rasterizer),
		TextLayer:  pipeline.PDFTextLayer,
		Scheduler:  scheduler,
		Assembler:  deck.NewAssembler(deck.DefaultLayoutPolicy(), logger),
		Store:      pagestore.NewStore(cfg.Store.IdleTimeout, logger),
		Blobs:      blobs,
		Codec:      codec,
		Repository: repo,
		Logger:     logger,
		Retention:  cfg.Database.Retention,
		PreviewDim: cfg.Raster.PreviewDim,
		MaxPages:   cfg.Raster.MaxPages,
	})
	return a, nil
}

// Close waits for running jobs and releases the service's resources
func (a *App) Close() error {
	err := a.Service.Close()
	if a.db != nil {
		err = errors.Join(err, a.db.Close())
	}
	return err
}
