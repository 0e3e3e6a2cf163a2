package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"wave-portal/server/internal/ledger"
	"wave-portal/server/internal/model"
	"wave-portal/server/internal/session"
	"wave-portal/server/internal/subscriber"
	"wave-portal/server/internal/timeline"
)

const (
	defaultSweepInterval = 15 * time.Second
	defaultResyncBackoff = 3 * time.Second
	countTimeout         = 10 * time.Second
)

// Ledger 是编排需要的账本操作，*ledger.Client 实现了它。
type Ledger interface {
	FetchAll(ctx context.Context) ([]model.Record, error)
	CurrentCount(ctx context.Context) (uint64, error)
	Submit(ctx context.Context, from common.Address, message string) (*ledger.Confirmation, error)
	WatchNewWave(ctx context.Context) (ledger.Watch, error)
}

// Config 是 Orchestrator 的可选配置。
type Config struct {
	// SweepInterval 是清理超时在途写入的间隔。
	SweepInterval time.Duration
	// ResyncBackoff 是实时推送中断后重新同步前的等待时间，同步失败时按同样间隔重试。
	ResyncBackoff time.Duration
	Logger        *zap.Logger
}

// Status 汇总展示层需要的连接与同步状态。
type Status struct {
	Session   model.Session          `json:"session"`
	Count     *uint64                `json:"count,omitempty"`
	SyncError string                 `json:"sync_error,omitempty"`
	Feed      map[string]interface{} `json:"feed"`
}

// Orchestrator 负责把各组件串成一条控制流。
//
// 职责与契约：
// - 建立会话 -> 挂上实时推送（同步期间缓冲） -> 批量读取 -> 合并，Store 是展示层唯一的数据源。
// - 会话身份变化时立即摘掉旧推送，再按新身份重新同步。
// - 推送异常中断时自动重新同步；提交确认在后台等待，落定后回写 Store 并刷新计数。
type Orchestrator struct {
	session *session.Manager
	ledger  Ledger
	store   *timeline.Store
	feed    *subscriber.Subscriber
	cfg     Config
	logger  *zap.Logger

	syncMu sync.Mutex

	mu         sync.RWMutex
	count      *uint64
	syncErr    error
	resyncCh   chan struct{}
	closing    chan struct{}
	closeOnce  sync.Once
	stopChange func()

	// inflight 是仍在等待打包结果的确认句柄，按在途写入 ID 索引。
	confMu   sync.Mutex
	inflight map[string]*ledger.Confirmation

	wg sync.WaitGroup
}

func New(sess *session.Manager, l Ledger, store *timeline.Store, cfg Config) *Orchestrator {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ResyncBackoff <= 0 {
		cfg.ResyncBackoff = defaultResyncBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		session:  sess,
		ledger:   l,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		resyncCh: make(chan struct{}, 1),
		closing:  make(chan struct{}),
		inflight: make(map[string]*ledger.Confirmation),
	}
	o.feed = subscriber.New(l, subscriber.Config{
		OnError: o.onFeedError,
		Logger:  logger.Named("subscriber"),
	})
	o.stopChange = sess.OnChange(o.onSessionChange)
	return o
}

// Run 检查已有会话（有身份时自动同步），然后处理后台任务直到 ctx 结束。
func (o *Orchestrator) Run(ctx context.Context) error {
	if sess := o.session.CheckExistingSession(ctx); sess.Connected() {
		if err := o.Sync(ctx); err != nil {
			o.logger.Warn("initial sync failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.closing:
			return nil

		case now := <-ticker.C:
			o.sweep(now)

		case <-o.resyncCh:
			retry = time.After(o.cfg.ResyncBackoff)

		case <-retry:
			retry = nil
			if !o.session.Current().Connected() {
				continue
			}
			if err := o.Sync(ctx); err != nil {
				o.logger.Warn("resync failed, retrying", zap.Error(err), zap.Duration("backoff", o.cfg.ResyncBackoff))
				retry = time.After(o.cfg.ResyncBackoff)
			}
		}
	}
}

// Connect 请求用户授权，成功后立即同步。同步失败不影响授权结果，记录在 Status 里。
func (o *Orchestrator) Connect(ctx context.Context) (model.Session, error) {
	sess, err := o.session.RequestSession(ctx)
	if err != nil {
		return sess, err
	}
	if err := o.Sync(ctx); err != nil {
		o.logger.Warn("sync after connect failed", zap.Error(err))
	}
	return sess, nil
}

// Sync 挂上实时推送（已挂上则保留），然后做一次批量读取并合并。
// 推送先于批量读取建立，读取期间到达的记录由 Store 缓冲，不会遗漏也不会重复。
// 读取失败时已有状态不变，可以直接重试。
func (o *Orchestrator) Sync(ctx context.Context) error {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	if !o.session.Current().Connected() {
		return fmt.Errorf("%w: no authorized identity", session.ErrAuthorizationDeclined)
	}

	o.store.BeginSync()
	if !o.feed.Active() {
		if err := o.feed.Subscribe(ctx, o.onLive); err != nil {
			o.store.AbortSync()
			return o.setSyncErr(fmt.Errorf("%w: %w", ledger.ErrTransientRead, err))
		}
	}

	records, err := o.ledger.FetchAll(ctx)
	if err != nil {
		o.store.AbortSync()
		return o.setSyncErr(err)
	}
	o.store.IngestBulk(records)
	o.setSyncErr(nil)

	if _, err := o.Count(ctx); err != nil {
		o.logger.Debug("count after sync failed", zap.Error(err))
	}
	return nil
}

// Resync 是用户手动触发的重新同步。
func (o *Orchestrator) Resync(ctx context.Context) error {
	return o.Sync(ctx)
}

// Submit 以当前身份提交一条留言，立即返回登记在 Store 里的在途写入。
// 没有授权身份时直接拒绝，不会触达账本；提交被拒绝时失败也会记入 Store。
func (o *Orchestrator) Submit(ctx context.Context, message string) (model.PendingWrite, error) {
	sess := o.session.Current()
	if !sess.Connected() {
		return model.PendingWrite{}, fmt.Errorf("%w: no authorized identity", session.ErrAuthorizationDeclined)
	}
	from := *sess.Identity

	conf, err := o.ledger.Submit(ctx, from, message)
	if err != nil {
		o.logger.Info("submission rejected", zap.Stringer("from", from), zap.Error(err))
		return o.store.ReportFailure(from, message, err), err
	}

	p := o.store.IngestPending(model.PendingWrite{
		Author:      from,
		Message:     message,
		SubmittedAt: conf.SubmittedAt,
		TxHash:      conf.Hash,
	})
	if p.Status != model.WriteSubmitting {
		// 推送比提交返回更早到达，已经确认
		conf.Cancel()
		return p, nil
	}

	o.confMu.Lock()
	o.inflight[p.ID] = conf
	o.confMu.Unlock()

	o.wg.Add(1)
	go o.awaitConfirmation(conf, p.ID)
	return p, nil
}

// Count 读取账本上的记录总数并缓存。
func (o *Orchestrator) Count(ctx context.Context) (uint64, error) {
	n, err := o.ledger.CurrentCount(ctx)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	o.count = &n
	o.mu.Unlock()
	return n, nil
}

// Status 返回会话、最近一次计数和同步错误。
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st := Status{
		Session: o.session.Current(),
		Feed:    o.feed.Stats(),
	}
	if o.count != nil {
		n := *o.count
		st.Count = &n
	}
	if o.syncErr != nil {
		st.SyncError = o.syncErr.Error()
	}
	return st
}

// Session 返回当前会话。
func (o *Orchestrator) Session() model.Session {
	return o.session.Current()
}

// View 返回 Store 的当前快照。
func (o *Orchestrator) View() timeline.View {
	return o.store.View()
}

// Changes 见 timeline.Store.Changes。
func (o *Orchestrator) Changes() <-chan struct{} {
	return o.store.Changes()
}

// Close 摘掉实时推送并等待后台确认协程退出，幂等。
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closing)
		o.stopChange()
		o.feed.Unsubscribe()
		o.wg.Wait()
		o.logger.Info("orchestrator closed")
	})
}

func (o *Orchestrator) onLive(r model.Record) {
	o.store.IngestLive(r)
}

func (o *Orchestrator) onFeedError(err error) {
	o.logger.Warn("live feed failed, scheduling resync", zap.Error(err))
	o.requestResync()
}

// onSessionChange 在身份变化时立即摘掉旧推送；后续同步由 Connect/Run 发起。
func (o *Orchestrator) onSessionChange(prev, next model.Session) {
	o.logger.Info("session changed", zap.Bool("was_connected", prev.Connected()), zap.Bool("connected", next.Connected()))
	o.feed.Unsubscribe()
}

func (o *Orchestrator) requestResync() {
	select {
	case o.resyncCh <- struct{}{}:
	default:
	}
}

// sweep 清理超时的在途写入，并放弃它们的确认等待。
func (o *Orchestrator) sweep(now time.Time) {
	for _, p := range o.store.ExpireStale(now) {
		o.logger.Warn("pending write expired", zap.String("id", p.ID), zap.Stringer("tx", p.TxHash))

		o.confMu.Lock()
		conf := o.inflight[p.ID]
		o.confMu.Unlock()
		if conf != nil {
			conf.Cancel()
		}
	}
}

func (o *Orchestrator) awaitConfirmation(conf *ledger.Confirmation, id string) {
	defer o.wg.Done()
	defer func() {
		o.confMu.Lock()
		delete(o.inflight, id)
		o.confMu.Unlock()
	}()

	select {
	case <-conf.Done():
	case <-o.closing:
		conf.Cancel()
		<-conf.Done()
		return
	}

	if err := conf.Err(); err != nil {
		if _, ferr := o.store.FailPending(id, err); ferr != nil && !errors.Is(ferr, timeline.ErrUnknownPending) {
			o.logger.Warn("fail pending write", zap.String("id", id), zap.Error(ferr))
		}
		return
	}

	var rec *model.Record
	if r, ok := conf.Record(); ok {
		rec = &r
	}
	if err := o.store.ConfirmPending(id, rec); err != nil && !errors.Is(err, timeline.ErrUnknownPending) {
		o.logger.Warn("confirm pending write", zap.String("id", id), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), countTimeout)
	defer cancel()
	if n, err := o.Count(ctx); err != nil {
		o.logger.Debug("count after confirmation failed", zap.Error(err))
	} else {
		o.logger.Info("write confirmed", zap.String("id", id), zap.Stringer("tx", conf.Hash), zap.Uint64("total", n))
	}
}

func (o *Orchestrator) setSyncErr(err error) error {
	o.mu.Lock()
	o.syncErr = err
	o.mu.Unlock()
	return err
}
