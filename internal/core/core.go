// Package core assembles the Whitenoise handle: one explicitly constructed
// object owning the database, relay pool, MLS coordinator, event processor,
// subscription router and scheduler.
package core

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/whitenoise-im/whitenoise/internal/blossom"
	"github.com/whitenoise-im/whitenoise/internal/config"
	"github.com/whitenoise-im/whitenoise/internal/database"
	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/events"
	"github.com/whitenoise-im/whitenoise/internal/groups"
	"github.com/whitenoise-im/whitenoise/internal/media"
	"github.com/whitenoise-im/whitenoise/internal/messages"
	"github.com/whitenoise-im/whitenoise/internal/relay"
	"github.com/whitenoise-im/whitenoise/internal/scheduler"
	"github.com/whitenoise-im/whitenoise/internal/secrets"
	"github.com/whitenoise-im/whitenoise/internal/subscriptions"
)

// Whitenoise is the backend core. Construct one in main and pass it around;
// mutability lives inside the per-subsystem locks.
type Whitenoise struct {
	cfg config.Config
	log *zap.Logger

	db         *database.DB
	keys       *secrets.Store
	relays     *relay.Manager
	coord      *groups.Coordinator
	processor  *events.Processor
	aggregator *messages.Aggregator
	media      *media.Pipeline
	router     *subscriptions.Router
	sched      *scheduler.Scheduler
}

// New builds the core. dial is the relay dialer (relay.DialNostr in
// production, fakes in tests).
func New(cfg config.Config, dial relay.Dialer, log *zap.Logger) (*Whitenoise, error) {
	for _, dir := range []string{
		cfg.DataDir,
		cfg.LogsDir,
		filepath.Join(cfg.DataDir, "mls"),
		filepath.Join(cfg.DataDir, "media-cache"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errs.E(errs.KindConfiguration, "core.New", err)
		}
	}

	db, err := database.New(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	keys, err := secrets.NewStore(cfg.SecretsDir())
	if err != nil {
		return nil, err
	}

	w := &Whitenoise{cfg: cfg, log: log, db: db, keys: keys}
	w.relays = relay.NewManager(dial, log.Named("relay"))
	w.coord = groups.NewCoordinator(db, w.relays, keys, cfg.DefaultRelays, cfg.MlsDir, log.Named("groups"))
	w.processor = events.NewProcessor(db, w.coord, log.Named("events"))
	w.aggregator = messages.NewAggregator(db)
	w.media = media.NewPipeline(db, w.coord, blossom.NewClient(cfg.BlossomURL), keys, cfg.MediaCacheDir, log.Named("media"))
	w.router = subscriptions.NewRouter(w.relays, w.processor.Handle, log.Named("subs"))

	w.sched = scheduler.New(log.Named("scheduler"))
	w.sched.Register(&keyPackageMaintenance{core: w})
	w.sched.Register(&subscriptionHealth{core: w})
	return w, nil
}

// Start launches background tasks. Shutdown stops them again.
func (w *Whitenoise) Start(ctx context.Context) {
	w.sched.Start(ctx)
}

// Shutdown stops tasks, tears down subscriptions and closes resources.
func (w *Whitenoise) Shutdown() {
	w.sched.Shutdown()
	w.router.CloseAll()
	w.relays.Close()
	if err := w.db.Close(); err != nil {
		w.log.Warn("database close failed", zap.Error(err))
	}
}

// SchedulerTaskCount reports active background task goroutines.
func (w *Whitenoise) SchedulerTaskCount() int { return w.sched.TaskCount() }

// Database exposes read access for views and the CLI binaries.
func (w *Whitenoise) Database() *database.DB { return w.db }

// Config returns the active configuration.
func (w *Whitenoise) Config() config.Config { return w.cfg }
