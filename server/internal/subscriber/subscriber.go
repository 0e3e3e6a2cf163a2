package subscriber

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
)

var ErrAlreadySubscribed = errors.New("already subscribed")

// DefaultDedupWindow 是按日志位置去重时记住的最近推送条数。
const DefaultDedupWindow = 1024

// Source 提供底层的 NewWave 推送。
type Source interface {
	WatchNewWave(ctx context.Context) (ledger.Watch, error)
}

// RecordFunc 处理一条新追加的记录。
type RecordFunc func(model.Record)

// ErrorFunc 在推送异常结束时被调用一次（连接断开、缓冲溢出）。之后订阅已失效，需要重新 Subscribe。
type ErrorFunc func(error)

// Config 是 Subscriber 的可选配置。
type Config struct {
	OnError ErrorFunc
	// DedupWindow 是去重窗口大小，<=0 使用 DefaultDedupWindow。
	DedupWindow int
	Logger      *zap.Logger
}

type logPosition struct {
	tx    common.Hash
	index uint
}

// dedupWindow 记住最近 limit 个日志位置，超出后淘汰最早的。
// 重复推送只会紧跟在原推送附近出现，更早的重复由 Store 按记录身份去重。
type dedupWindow struct {
	limit int
	order []logPosition
	set   map[logPosition]struct{}
}

func newDedupWindow(limit int) *dedupWindow {
	return &dedupWindow{limit: limit, set: make(map[logPosition]struct{}, limit)}
}

func (w *dedupWindow) contains(p logPosition) bool {
	_, ok := w.set[p]
	return ok
}

func (w *dedupWindow) add(p logPosition) {
	if w.contains(p) {
		return
	}
	w.set[p] = struct{}{}
	w.order = append(w.order, p)
	if len(w.order) > w.limit {
		delete(w.set, w.order[0])
		w.order = append(w.order[:0:0], w.order[1:]...)
	}
}

func (w *dedupWindow) len() int {
	return len(w.order)
}

type activeSub struct {
	watch    ledger.Watch
	onRecord RecordFunc
	cancel   context.CancelFunc
	done     chan struct{}
	seen     *dedupWindow
}

// Subscriber 持有唯一的一条实时推送，显式 acquire/release：
// 同一时刻最多只有一个活跃监听；Unsubscribe 返回后不会再有回调。
//
// 回调在投递协程里串行执行，且执行期间持有内部锁：
// 回调里不能再调用 Subscribe/Unsubscribe。
type Subscriber struct {
	source      Source
	onError     ErrorFunc
	dedupWindow int
	logger      *zap.Logger

	mu     sync.Mutex
	active *activeSub

	// 统计信息
	statsMu   sync.Mutex
	delivered int64
	skipped   int64
	startedAt time.Time
}

func New(source Source, cfg Config) *Subscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	return &Subscriber{
		source:      source,
		onError:     cfg.OnError,
		dedupWindow: cfg.DedupWindow,
		logger:      logger,
	}
}

// Subscribe 挂上实时监听。已有活跃监听时返回 ErrAlreadySubscribed。
func (s *Subscriber) Subscribe(ctx context.Context, onRecord RecordFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return ErrAlreadySubscribed
	}

	watch, err := s.source.WatchNewWave(ctx)
	if err != nil {
		return fmt.Errorf("watch new wave: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a := &activeSub{
		watch:    watch,
		onRecord: onRecord,
		cancel:   cancel,
		done:     make(chan struct{}),
		seen:     newDedupWindow(s.dedupWindow),
	}
	s.active = a

	s.statsMu.Lock()
	s.startedAt = time.Now()
	s.statsMu.Unlock()

	go s.deliverLoop(loopCtx, a)
	s.logger.Info("subscribed to live feed")
	return nil
}

// Unsubscribe 摘掉监听，幂等，从未订阅过也可以调用。返回时投递协程已退出。
func (s *Subscriber) Unsubscribe() {
	s.mu.Lock()
	a := s.active
	s.active = nil
	s.mu.Unlock()

	if a == nil {
		return
	}
	a.cancel()
	a.watch.Unsubscribe()
	<-a.done
	s.logger.Info("unsubscribed from live feed")
}

// Active 判断当前是否有活跃的监听。
func (s *Subscriber) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Stats 获取投递统计信息。
func (s *Subscriber) Stats() map[string]interface{} {
	active := s.Active()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return map[string]interface{}{
		"active":     active,
		"delivered":  s.delivered,
		"skipped":    s.skipped,
		"started_at": s.startedAt,
	}
}

// deliverLoop 串行投递推送（单协程），保证回调按追加顺序执行。
func (s *Subscriber) deliverLoop(ctx context.Context, a *activeSub) {
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-a.watch.Err():
			if !ok {
				return
			}
			s.logger.Warn("live feed ended", zap.Error(err))
			s.detach(a, err)
			return

		case raw := <-a.watch.Waves():
			s.deliver(a, raw)
		}
	}
}

func (s *Subscriber) deliver(a *activeSub, raw ledger.RawWave) {
	if raw.Removed {
		s.skip("skip removed log", raw, nil)
		return
	}

	// 同一条日志可能被重复推送，按 (tx, logIndex) 去重保证至多一次回调。
	pos := logPosition{tx: raw.TxHash, index: raw.LogIndex}
	if raw.TxHash != (common.Hash{}) {
		if a.seen.contains(pos) {
			s.skip("skip redelivered log", raw, nil)
			return
		}
	}

	rec, err := ledger.DecodeRecord(raw)
	if err != nil {
		s.skip("skip malformed live record", raw, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Unsubscribe 之后不再回调
	if s.active != a {
		return
	}
	if raw.TxHash != (common.Hash{}) {
		a.seen.add(pos)
	}
	a.onRecord(rec)

	s.statsMu.Lock()
	s.delivered++
	s.statsMu.Unlock()
}

func (s *Subscriber) skip(msg string, raw ledger.RawWave, err error) {
	s.logger.Debug(msg, zap.Stringer("tx", raw.TxHash), zap.Uint64("block", raw.BlockNumber), zap.Uint("log_index", raw.LogIndex), zap.Error(err))
	s.statsMu.Lock()
	s.skipped++
	s.statsMu.Unlock()
}

// detach 在推送异常结束时释放订阅并通知上层。
func (s *Subscriber) detach(a *activeSub, cause error) {
	s.mu.Lock()
	current := s.active == a
	if current {
		s.active = nil
	}
	s.mu.Unlock()

	if !current {
		return
	}
	a.cancel()
	a.watch.Unsubscribe()
	if s.onError != nil {
		s.onError(cause)
	}
}
