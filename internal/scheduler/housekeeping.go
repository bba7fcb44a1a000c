package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/core"
)

// Housekeeping runs periodic catalog cleanup on a cron schedule.
type Housekeeping struct {
	catalog core.Catalog
	cron    *cron.Cron
	logger  *zap.Logger
}

// NewHousekeeping constructs a Housekeeping runner.
func NewHousekeeping(catalog core.Catalog, logger *zap.Logger) *Housekeeping {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Housekeeping{
		catalog: catalog,
		cron:    cron.New(),
		logger:  logger.Named("housekeeping"),
	}
}

// Start registers the purge entry and starts the cron loop.
func (h *Housekeeping) Start(ctx context.Context, spec string) error {
	_, err := h.cron.AddFunc(spec, func() {
		n, err := h.catalog.PurgeExpired(ctx)
		if err != nil {
			h.logger.Error("purge failed", zap.Error(err))
			return
		}
		if n > 0 {
			h.logger.Info("purged expired rows", zap.Int64("rows", n))
		}
	})
	if err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for a running entry to finish.
func (h *Housekeeping) Stop() {
	<-h.cron.Stop().Done()
}
