package timeline

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wave-portal/server/internal/model"
)

var (
	ErrPendingExpired = errors.New("pending write expired")
	ErrUnknownPending = errors.New("unknown pending write")
)

const (
	DefaultPendingTimeout = 10 * time.Minute
	DefaultFailureHistory = 20
	// DefaultClockSkew 是本地提交时间和区块时间之间允许的偏差，只在没有交易哈希可比时使用。
	DefaultClockSkew = 2 * time.Minute
)

// Config 是 Store 的可选配置。
type Config struct {
	// PendingTimeout 之后仍未看到记录的在途写入被判定失败；<=0 表示不过期。
	PendingTimeout time.Duration
	FailureHistory int
	ClockSkew      time.Duration
	Now            func() time.Time
	Logger         *zap.Logger
}

// View 是给展示层的一致快照。
type View struct {
	Version uint64 `json:"version"`
	Synced  bool   `json:"synced"`
	Syncing bool   `json:"syncing"`
	// Records 按到达倒序（最新在前）。
	Records []model.Record `json:"records"`
	// Pending 按提交倒序。
	Pending        []model.PendingWrite `json:"pending"`
	LastSubmission *model.PendingWrite  `json:"last_submission,omitempty"`
	Failures       []model.PendingWrite `json:"failures"`
	Buffered       int                  `json:"buffered"`
}

// Store 合并批量读取、实时推送和本地在途写入，维护唯一的有序、无重复记录序列。
//
// 排序：批量读取的记录保持读取顺序；实时到达的记录追加在已知记录之后，不按账本时间戳重排。
// 同步期间（首次批量读取完成前，或 BeginSync 之后）到达的实时记录先缓冲，
// 批量读取完成后按到达顺序重放。
type Store struct {
	mu sync.RWMutex

	records []model.Record
	index   map[model.RecordKey]struct{}
	// claimed 记录已经用来确认过某次提交的记录，一条记录最多确认一次提交。
	claimed map[claimKey]struct{}

	// pending 按 ID 索引，order 保持提交顺序。
	pending map[string]*model.PendingWrite
	order   []string

	buffering bool
	synced    bool
	buffer    []model.Record

	last     *model.PendingWrite
	failures []model.PendingWrite

	version uint64
	changed chan struct{}

	pendingTimeout time.Duration
	failureHistory int
	clockSkew      time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

func NewStore(cfg Config) *Store {
	if cfg.FailureHistory <= 0 {
		cfg.FailureHistory = DefaultFailureHistory
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		index:          make(map[model.RecordKey]struct{}),
		claimed:        make(map[claimKey]struct{}),
		pending:        make(map[string]*model.PendingWrite),
		buffering:      true,
		changed:        make(chan struct{}),
		pendingTimeout: cfg.PendingTimeout,
		failureHistory: cfg.FailureHistory,
		clockSkew:      cfg.ClockSkew,
		now:            cfg.Now,
		logger:         logger,
	}
}

// BeginSync 开始一轮同步：之后到达的实时记录先缓冲，直到 IngestBulk 或 AbortSync。
func (s *Store) BeginSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffering {
		return
	}
	s.buffering = true
	s.notifyLocked()
}

// IngestBulk 合并一次批量读取的结果，然后重放同步期间缓冲的实时记录。返回新增的记录数。
func (s *Store) IngestBulk(records []model.Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.records)
	s.mergeLocked(records...)
	replayed := len(s.buffer)
	s.mergeLocked(s.buffer...)
	s.buffer = nil
	s.buffering = false
	s.synced = true

	resolved := s.resolveAllLocked()
	s.notifyLocked()

	added := len(s.records) - before
	s.logger.Info("bulk ingested",
		zap.Int("fetched", len(records)),
		zap.Int("replayed", replayed),
		zap.Int("added", added),
		zap.Int("resolved", resolved),
		zap.Int("total", len(s.records)))
	return added
}

// AbortSync 在批量读取失败时结束本轮同步，已有状态保持不变。
// 之前同步成功过时直接重放缓冲；从未同步成功过时继续缓冲，等下一次批量读取。
func (s *Store) AbortSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.buffering || !s.synced {
		return
	}
	s.mergeLocked(s.buffer...)
	s.buffer = nil
	s.buffering = false
	s.resolveAllLocked()
	s.notifyLocked()
}

// IngestLive 追加一条实时记录；已存在时不追加。匹配到在途写入时将其确认并移除。
// 返回是否新增了记录（缓冲中的记录返回 false）。
func (s *Store) IngestLive(r model.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buffering {
		s.buffer = append(s.buffer, r)
		s.logger.Debug("buffered live record during sync", zap.Stringer("tx", r.TxHash))
		return false
	}

	added := len(s.mergeLocked(r)) > 0
	resolved := s.resolveRecordLocked(r)
	if added || resolved {
		s.notifyLocked()
	}
	return added
}

// IngestPending 登记一次刚提交的写入，让展示层立即看到反馈。
// ID 为空时自动分配；对应记录已经先到达时直接以 Confirmed 返回，不进入在途集合。
func (s *Store) IngestPending(w model.PendingWrite) model.PendingWrite {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[w.ID]; ok && w.ID != "" {
		return *p
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.SubmittedAt.IsZero() {
		w.SubmittedAt = s.now()
	}
	w.Status = model.WriteSubmitting
	w.Error = ""

	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if s.claimable(r) && s.matches(w, r) {
			s.claimLocked(r)
			w.Status = model.WriteConfirmed
			w.ResolvedAt = s.now()
			s.setLastLocked(w)
			s.notifyLocked()
			return w
		}
	}

	p := w
	s.pending[p.ID] = &p
	s.order = append(s.order, p.ID)
	s.setLastLocked(p)
	s.notifyLocked()
	return p
}

// ConfirmPending 在确认句柄成功落定时调用。rec 是回执里解码出的记录（可能为 nil）。
// 有记录时按实时记录处理并立即销毁在途写入；没有记录时标记为 Confirmed，等批量读取或推送补上。
func (s *Store) ConfirmPending(id string, rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := false
	if rec != nil {
		if s.buffering {
			s.buffer = append(s.buffer, *rec)
		} else {
			added = len(s.mergeLocked(*rec)) > 0
		}
	}

	p, ok := s.pending[id]
	if !ok {
		// 推送比回执先到，提交已经被确认过
		if added {
			s.resolveRecordLocked(*rec)
			s.notifyLocked()
		}
		return ErrUnknownPending
	}
	if rec != nil && !s.buffering && s.claimable(*rec) && s.matches(*p, *rec) {
		s.resolveLocked(id, *rec)
	} else {
		p.Status = model.WriteConfirmed
		s.setLastLocked(*p)
	}
	s.notifyLocked()
	return nil
}

// FailPending 移除一次失败的写入并记入失败列表，返回落定后的状态。
func (s *Store) FailPending(id string, cause error) (model.PendingWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[id]; !ok {
		return model.PendingWrite{}, ErrUnknownPending
	}
	p := s.failLocked(id, cause)
	s.notifyLocked()
	return p, nil
}

// ReportFailure 记录一次还没拿到确认句柄就被拒绝的提交（签名被拒、参数非法）。
func (s *Store) ReportFailure(author common.Address, message string, cause error) model.PendingWrite {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p := model.PendingWrite{
		ID:          uuid.NewString(),
		Author:      author,
		Message:     message,
		SubmittedAt: now,
		Status:      model.WriteFailed,
		ResolvedAt:  now,
	}
	if cause != nil {
		p.Error = cause.Error()
	}
	s.pushFailureLocked(p)
	s.setLastLocked(p)
	s.notifyLocked()
	return p
}

// ExpireStale 清理超时的在途写入：仍在 Submitting 的判定为失败并返回；
// 已 Confirmed 但一直没读到记录的直接移除（确认本身已经成功）。
func (s *Store) ExpireStale(now time.Time) []model.PendingWrite {
	if s.pendingTimeout <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []model.PendingWrite
	changed := false
	for _, id := range append([]string(nil), s.order...) {
		p := s.pending[id]
		if now.Sub(p.SubmittedAt) < s.pendingTimeout {
			continue
		}
		changed = true
		if p.Status == model.WriteConfirmed {
			s.removePendingLocked(id)
			s.logger.Info("dropped confirmed write never observed in reads", zap.String("id", id), zap.Stringer("tx", p.TxHash))
			continue
		}
		expired = append(expired, s.failLocked(id, ErrPendingExpired))
	}
	if changed {
		s.notifyLocked()
	}
	return expired
}

// Records 返回按到达顺序的记录副本。
func (s *Store) Records() []model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len 返回已确认记录数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Pending 返回按提交顺序的在途写入副本。
func (s *Store) Pending() []model.PendingWrite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PendingWrite, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.pending[id])
	}
	return out
}

// View 返回当前快照。
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		Version:  s.version,
		Synced:   s.synced,
		Syncing:  s.buffering,
		Records:  DisplayOrder(s.records),
		Pending:  make([]model.PendingWrite, 0, len(s.order)),
		Failures: make([]model.PendingWrite, 0, len(s.failures)),
		Buffered: len(s.buffer),
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		v.Pending = append(v.Pending, *s.pending[s.order[i]])
	}
	for i := len(s.failures) - 1; i >= 0; i-- {
		v.Failures = append(v.Failures, s.failures[i])
	}
	if s.last != nil {
		last := *s.last
		v.LastSubmission = &last
	}
	return v
}

// Changes 返回一个在下一次状态变化时被关闭的 channel。每次变化后需要重新获取。
func (s *Store) Changes() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// mergeLocked 把 incoming 合并进记录序列，返回实际追加的记录。
func (s *Store) mergeLocked(incoming ...model.Record) []model.Record {
	var added []model.Record
	s.records, added = mergeInto(s.records, s.index, incoming)
	return added
}

// matches 判断记录是否对应某次提交。没有交易哈希可比时，
// 还要求区块时间不早于提交时间（减去允许偏差），避免和历史上的同文留言对上。
func (s *Store) matches(p model.PendingWrite, r model.Record) bool {
	if !p.Matches(r) {
		return false
	}
	if p.TxHash != (common.Hash{}) && r.TxHash != (common.Hash{}) {
		return true
	}
	return !r.Timestamp.Before(p.SubmittedAt.Add(-s.clockSkew))
}

// claimKey 是记录确认提交时的身份：有交易哈希时按哈希，否则按记录身份。
// 同一块里同一作者的同文留言记录身份相同，但交易哈希不同，可以各自确认一次提交。
type claimKey struct {
	tx  common.Hash
	rec model.RecordKey
}

func claimKeyOf(r model.Record) claimKey {
	if r.TxHash != (common.Hash{}) {
		return claimKey{tx: r.TxHash}
	}
	return claimKey{rec: r.Key()}
}

func (s *Store) claimable(r model.Record) bool {
	_, used := s.claimed[claimKeyOf(r)]
	return !used
}

func (s *Store) claimLocked(r model.Record) {
	s.claimed[claimKeyOf(r)] = struct{}{}
}

// resolveRecordLocked 用一条记录确认最早的匹配提交。
func (s *Store) resolveRecordLocked(r model.Record) bool {
	if !s.claimable(r) {
		return false
	}
	for _, id := range s.order {
		if p := s.pending[id]; s.matches(*p, r) {
			s.resolveLocked(id, r)
			return true
		}
	}
	return false
}

// resolveAllLocked 用现有记录确认所有能对上的提交，从最新的记录往前找。
func (s *Store) resolveAllLocked() int {
	resolved := 0
	for _, id := range append([]string(nil), s.order...) {
		p := s.pending[id]
		for i := len(s.records) - 1; i >= 0; i-- {
			r := s.records[i]
			if s.claimable(r) && s.matches(*p, r) {
				s.resolveLocked(id, r)
				resolved++
				break
			}
		}
	}
	return resolved
}

func (s *Store) resolveLocked(id string, r model.Record) {
	p := s.removePendingLocked(id)
	s.claimLocked(r)
	p.Status = model.WriteConfirmed
	p.ResolvedAt = s.now()
	if p.TxHash == (common.Hash{}) {
		p.TxHash = r.TxHash
	}
	if s.last != nil && s.last.ID == id {
		s.setLastLocked(p)
	}
	s.logger.Debug("pending write resolved", zap.String("id", id), zap.Stringer("tx", p.TxHash))
}

func (s *Store) failLocked(id string, cause error) model.PendingWrite {
	p := s.removePendingLocked(id)
	p.Status = model.WriteFailed
	p.ResolvedAt = s.now()
	if cause != nil {
		p.Error = cause.Error()
	}
	s.pushFailureLocked(p)
	if s.last != nil && s.last.ID == id {
		s.setLastLocked(p)
	}
	s.logger.Warn("pending write failed", zap.String("id", id), zap.Stringer("tx", p.TxHash), zap.Error(cause))
	return p
}

func (s *Store) removePendingLocked(id string) model.PendingWrite {
	p := *s.pending[id]
	delete(s.pending, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return p
}

func (s *Store) pushFailureLocked(p model.PendingWrite) {
	s.failures = append(s.failures, p)
	if over := len(s.failures) - s.failureHistory; over > 0 {
		s.failures = append([]model.PendingWrite(nil), s.failures[over:]...)
	}
}

func (s *Store) setLastLocked(p model.PendingWrite) {
	last := p
	s.last = &last
}

func (s *Store) notifyLocked() {
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
}
