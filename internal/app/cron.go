package app

import (
	"context"

	"github.com/mx-space/guard/internal/config"
	"github.com/mx-space/guard/internal/modules/guard"
	pkgcron "github.com/mx-space/guard/internal/pkg/cron"
	"go.uber.org/zap"
)

func registerCronJobs(sched *pkgcron.Scheduler, engine *guard.Engine, cfg *config.AppConfig, logger *zap.Logger) {
	policy := policyFromConfig(cfg)

	sched.Register(pkgcron.Job{
		Name:        "guard_cleanup",
		Description: "Purge stale session slots and history windows for recently seen users",
		Interval:    cfg.Guard.SweepInterval,
		Fn: func(ctx context.Context) error {
			swept, err := engine.Admission.Sweep(ctx, policy)
			if err != nil {
				return err
			}
			logger.Debug("guard cleanup sweep finished", zap.Int("users", swept))
			return nil
		},
	})
}
