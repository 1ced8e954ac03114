// Package app wires the agent together: local store, dispatcher, sync
// engine, plan controller and background runner.
package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kasirinaja/offline/internal/background"
	"kasirinaja/offline/internal/cache"
	"kasirinaja/offline/internal/config"
	"kasirinaja/offline/internal/dispatch"
	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/plan"
	"kasirinaja/offline/internal/remote"
	"kasirinaja/offline/internal/session"
	"kasirinaja/offline/internal/store"
	"kasirinaja/offline/internal/syncengine"
)

// pendingTag marks pushes that failed for lack of connectivity.
const pendingTag = "pending-push"

type Options struct {
	Config     config.Config
	Store      store.LocalStore
	Remote     remote.Authority
	Session    *session.Session
	PlanCache  cache.PlanCache
	Registerer prometheus.Registerer
	Now        func() time.Time
}

type App struct {
	cfg        config.Config
	store      store.LocalStore
	remote     remote.Authority
	session    *session.Session
	dispatcher *dispatch.Dispatcher
	engine     *syncengine.Engine
	plan       *plan.Controller
	runner     *background.Runner
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *App {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sess := opts.Session
	if sess == nil {
		sess = session.New(opts.Store)
	}
	a := &App{
		cfg:     opts.Config,
		store:   opts.Store,
		remote:  opts.Remote,
		session: sess,
		now:     now,
	}

	a.dispatcher = dispatch.New(opts.Store, dispatch.WithClock(now))
	a.engine = syncengine.New(opts.Store, opts.Remote, syncengine.Options{
		BatchSize:      opts.Config.SyncBatchSize,
		Debounce:       opts.Config.SyncDebounce(),
		RequestTimeout: opts.Config.RequestTimeout(),
		PollInterval:   opts.Config.ConnectivityPoll(),
		Now:            now,
		Registerer:     opts.Registerer,
		OnStatus:       a.onSyncStatus,
		OnRejected:     a.onRejected,
		OnConnectivity: a.onConnectivity,
		OnPassComplete: a.onPassComplete,
	})
	a.dispatcher.SetScheduler(a.engine)

	bind[domain.Category](a)
	bind[domain.Customer](a)
	bind[domain.Product](a)
	bind[domain.ProductBatch](a)
	bind[domain.PurchaseOrder](a)
	bind[domain.Order](a)
	bind[domain.Transaction](a)
	bind[domain.Refund](a)
	bind[domain.Expense](a)
	bind[domain.CustomerTransaction](a)

	a.runner = background.NewRunner(32, a.handleBackground)
	a.plan = plan.NewController(a.dispatcher, opts.Remote, opts.Store, opts.PlanCache, plan.Options{
		Interval:       opts.Config.PlanCheckInterval(),
		RetryInterval:  opts.Config.PlanSwitchRetry(),
		CacheTTL:       opts.Config.PlanCacheTTL(),
		RequestTimeout: opts.Config.RequestTimeout(),
		Now:            now,
		OnNotice: func(n plan.Notice) {
			a.runner.Post(background.Message{Type: background.TypeNotice, Tag: n.Kind, Payload: n})
		},
	})
	return a
}

// bind routes sync results for T through the dispatcher so the in-memory
// state and the store move together.
func bind[T domain.Entity[T]](a *App) {
	var zero T
	kind := zero.Kind()
	syncengine.Register(a.engine, syncengine.Binding[T]{
		OnConfirmed: func(ctx context.Context, localID string, canonical T, pushedAt, syncedAt time.Time) error {
			_, err := a.dispatcher.Dispatch(ctx, dispatch.Update[T]{
				ID:       localID,
				Mutation: dispatch.SyncConfirmation[T]{Canonical: canonical, PushedAt: pushedAt, SyncedAt: syncedAt},
			})
			if errors.Is(err, dispatch.ErrNotFound) {
				// Not loaded in memory, e.g. written by another terminal
				// sharing the store.
				return syncengine.ConfirmInStore(ctx, a.store, localID, canonical, pushedAt, syncedAt)
			}
			return err
		},
		OnPurged: func(ctx context.Context, id string) error {
			_, err := a.dispatcher.Dispatch(ctx, dispatch.Purge{Kind: kind, ID: id})
			return err
		},
		OnFetched: func(ctx context.Context, items []T, incremental bool) error {
			_, err := a.dispatcher.Dispatch(ctx, dispatch.Set[T]{Items: items, Incremental: incremental})
			return err
		},
	})
}

// Start loads local state and starts the background loops. It returns once
// the agent is usable; network work continues in the background.
func (a *App) Start(ctx context.Context) error {
	if err := a.dispatcher.Load(ctx); err != nil {
		return err
	}
	if token := strings.TrimSpace(a.cfg.AccessToken); token != "" {
		if err := a.session.SetToken(token); err != nil {
			log.Printf("[app] WARN: configured access token ignored: %v", err)
		}
	}
	seller := a.session.SellerID()
	if seller == "" {
		seller = a.cfg.SellerID
	}
	if seller != "" {
		if err := a.setSeller(ctx, seller); err != nil {
			return err
		}
		if err := a.plan.Restore(ctx); err != nil {
			log.Printf("[app] WARN: restore plan details: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.runner.Start()
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.engine.Watch(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.plan.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.warmUp(runCtx)
	}()
	return nil
}

// Close stops every loop. The store stays open; it belongs to the caller.
func (a *App) Close() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.engine.Close()
	a.runner.Stop()
}

func (a *App) warmUp(ctx context.Context) {
	if !a.SignedIn() {
		return
	}
	if err := a.plan.Refresh(ctx, false); err != nil && ctx.Err() == nil {
		log.Printf("[app] WARN: plan refresh: %v", err)
	}
	if err := a.engine.Refresh(ctx, false); err != nil && ctx.Err() == nil {
		log.Printf("[app] WARN: initial fetch: %v", err)
	}
	a.engine.Schedule()
}

func (a *App) setSeller(ctx context.Context, seller string) error {
	_, err := a.dispatcher.Dispatch(ctx, dispatch.SetSeller{SellerID: seller, Location: a.cfg.Location()})
	return err
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }
func (a *App) Engine() *syncengine.Engine       { return a.engine }

func (a *App) SyncNow(ctx context.Context) error {
	return a.engine.SyncNow(ctx)
}

func (a *App) Refresh(ctx context.Context, full bool) error {
	return a.engine.Refresh(ctx, full)
}

func (a *App) RefreshPlan(ctx context.Context, force bool) error {
	return a.plan.Refresh(ctx, force)
}

func (a *App) SignedIn() bool {
	return a.dispatcher.State().SellerID != ""
}

// SignIn installs a token from an online sign-in and, when credentials are
// given, remembers them for offline unlock.
func (a *App) SignIn(ctx context.Context, token, username, password string) error {
	if err := a.session.SetToken(token); err != nil {
		return err
	}
	if username != "" && password != "" {
		if err := a.session.Remember(ctx, username, password); err != nil {
			log.Printf("[app] WARN: remember credentials: %v", err)
		}
	}
	if err := a.setSeller(ctx, a.session.SellerID()); err != nil {
		return err
	}
	if err := a.plan.Refresh(ctx, true); err != nil {
		log.Printf("[app] WARN: plan refresh after sign-in: %v", err)
	}
	a.engine.Schedule()
	return nil
}

// Unlock signs a remembered user in without the network.
func (a *App) Unlock(ctx context.Context, username, password string) error {
	if err := a.session.UnlockOffline(ctx, username, password); err != nil {
		return err
	}
	if err := a.setSeller(ctx, a.session.SellerID()); err != nil {
		return err
	}
	return a.plan.Restore(ctx)
}

func (a *App) onSyncStatus(status string, err error) {
	ctx := context.Background()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	online := a.dispatcher.State().Online
	if _, derr := a.dispatcher.Dispatch(ctx, dispatch.SetSyncStatus{Status: status, Err: msg}); derr != nil {
		log.Printf("[app] WARN: record sync status: %v", derr)
	}
	switch {
	case status == syncengine.StatusOffline && online:
		a.setOnline(false)
	case status == syncengine.StatusIdle && !online:
		a.setOnline(true)
	}
}

func (a *App) onConnectivity(online bool) {
	if a.dispatcher.State().Online != online {
		a.setOnline(online)
	}
	if online {
		a.runner.Replay()
	}
}

func (a *App) setOnline(online bool) {
	if _, err := a.dispatcher.Dispatch(context.Background(), dispatch.SetOnline{Online: online}); err != nil {
		log.Printf("[app] WARN: record connectivity: %v", err)
	}
}

func (a *App) onRejected(err *syncengine.SyncError) {
	msg := err.Error()
	if err.Err != nil {
		msg = err.Err.Error()
	}
	if _, derr := a.dispatcher.Dispatch(context.Background(), dispatch.Reject{Kind: err.Entity, ID: err.ID, Message: msg}); derr != nil {
		log.Printf("[app] WARN: record rejection: %v", derr)
	}
}

func (a *App) onPassComplete(rep syncengine.Report) {
	if rep.Err != nil && syncengine.IsNetwork(rep.Err) {
		a.runner.RegisterSync(pendingTag)
	}
}

func (a *App) handleBackground(_ context.Context, msg background.Message) {
	switch msg.Type {
	case background.TypeSync:
		a.engine.Schedule()
	case background.TypeNotice:
		if n, ok := msg.Payload.(plan.Notice); ok {
			log.Printf("[plan] %s: %s", n.Kind, n.Message)
			if n.Kind == plan.NoticeSwitched {
				// Records refused under the old plan may go through now.
				a.engine.ClearBlocks()
				a.engine.Schedule()
			}
		}
	}
}
