package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"wave-portal/server/internal/ledger"
	"wave-portal/server/internal/model"
	"wave-portal/server/internal/session"
	"wave-portal/server/internal/timeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeAgent struct {
	mu         sync.Mutex
	authorized []common.Address
	grant      []common.Address
}

func (f *fakeAgent) ListAuthorizedIdentities(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized, nil
}

func (f *fakeAgent) RequestAuthorization(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grant, nil
}

func (f *fakeAgent) setGrant(addrs ...common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grant = addrs
}

type fakeWatch struct {
	waves chan ledger.RawWave
	errCh chan error
	quit  chan struct{}
	once  sync.Once
}

func (w *fakeWatch) Waves() <-chan ledger.RawWave { return w.waves }
func (w *fakeWatch) Err() <-chan error            { return w.errCh }
func (w *fakeWatch) Unsubscribe()                 { w.once.Do(func() { close(w.quit) }) }

func (w *fakeWatch) closed() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

// fakeChain 是内存里的账本合约：写入产生交易，mine 之后回执可查。
type fakeChain struct {
	mu       sync.Mutex
	waves    []ledger.RawWave
	readErr  error
	writeErr error
	writes   int
	queries  int
	sent     map[common.Hash]ledger.RawWave
	receipts map[common.Hash]*ledger.Receipt
	watches  []*fakeWatch
	clock    int64
}

func newFakeChain(history ...ledger.RawWave) *fakeChain {
	return &fakeChain{
		waves:    history,
		sent:     make(map[common.Hash]ledger.RawWave),
		receipts: make(map[common.Hash]*ledger.Receipt),
		clock:    1000,
	}
}

func (c *fakeChain) ReadAll(context.Context) ([]ledger.RawWave, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]ledger.RawWave(nil), c.waves...), nil
}

func (c *fakeChain) ReadCount(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return big.NewInt(int64(len(c.waves))), nil
}

func (c *fakeChain) Write(_ context.Context, from common.Address, message string, _ uint64) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.writeErr != nil {
		return common.Hash{}, c.writeErr
	}
	c.clock++
	hash := common.BigToHash(big.NewInt(c.clock))
	c.sent[hash] = ledger.RawWave{Waver: from, Message: message, Timestamp: big.NewInt(c.clock), TxHash: hash}
	return hash, nil
}

func (c *fakeChain) Receipt(_ context.Context, hash common.Hash) (*ledger.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	return c.receipts[hash], nil
}

func (c *fakeChain) receiptQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

func (c *fakeChain) WatchNewWave(context.Context) (ledger.Watch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWatch{
		waves: make(chan ledger.RawWave),
		errCh: make(chan error, 1),
		quit:  make(chan struct{}),
	}
	c.watches = append(c.watches, w)
	return w, nil
}

// mine 打包一笔交易：成功时追加到账本并生成带日志的回执。
func (c *fakeChain) mine(hash common.Hash, success bool) ledger.RawWave {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.sent[hash]
	receipt := &ledger.Receipt{TxHash: hash, BlockNumber: 1, Success: success}
	if success {
		c.waves = append(c.waves, w)
		receipt.Waves = []ledger.RawWave{w}
	}
	c.receipts[hash] = receipt
	return w
}

func (c *fakeChain) watch(i int) *fakeWatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.watches) {
		return nil
	}
	return c.watches[i]
}

func (c *fakeChain) watchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
}

func (c *fakeChain) setReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

func (c *fakeChain) push(t *testing.T, i int, raw ledger.RawWave) {
	t.Helper()
	w := c.watch(i)
	if w == nil {
		t.Fatalf("no watch %d", i)
	}
	select {
	case w.waves <- raw:
	case <-time.After(time.Second):
		t.Fatalf("push to watch %d timed out", i)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func hist(author common.Address, ts int64, msg string) ledger.RawWave {
	return ledger.RawWave{Waver: author, Message: msg, Timestamp: big.NewInt(ts)}
}

type harness struct {
	agent *fakeAgent
	chain *fakeChain
	store *timeline.Store
	orch  *Orchestrator
}

func newHarness(t *testing.T, chain *fakeChain) *harness {
	t.Helper()
	return newHarnessWithTimeout(t, chain, time.Minute)
}

func newHarnessWithTimeout(t *testing.T, chain *fakeChain, pendingTimeout time.Duration) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	agent := &fakeAgent{}
	store := timeline.NewStore(timeline.Config{PendingTimeout: pendingTimeout, Logger: logger})
	client := ledger.NewClient(chain, ledger.Config{ConfirmationPollInterval: 5 * time.Millisecond, Logger: logger})
	orch := New(session.NewManager(agent, logger), client, store, Config{
		SweepInterval: 10 * time.Millisecond,
		ResyncBackoff: 10 * time.Millisecond,
		Logger:        logger,
	})
	t.Cleanup(orch.Close)
	return &harness{agent: agent, chain: chain, store: store, orch: orch}
}

func (h *harness) connect(t *testing.T, who common.Address) {
	t.Helper()
	h.agent.setGrant(who)
	if _, err := h.orch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

// TestSubmitRefusedWhenDisconnected 验证没有授权身份时提交在触达账本之前就被拒绝。
func TestSubmitRefusedWhenDisconnected(t *testing.T) {
	h := newHarness(t, newFakeChain())

	if _, err := h.orch.Submit(context.Background(), "hi"); !errors.Is(err, session.ErrAuthorizationDeclined) {
		t.Fatalf("expected ErrAuthorizationDeclined, got %v", err)
	}
	if h.chain.writes != 0 {
		t.Fatalf("expected no write request, got %d", h.chain.writes)
	}
	if err := h.orch.Sync(context.Background()); !errors.Is(err, session.ErrAuthorizationDeclined) {
		t.Fatalf("expected sync refused while disconnected, got %v", err)
	}
}

// TestConnectSyncsHistoryAndLiveFeed 验证授权后批量读取和实时推送一起落到 Store。
func TestConnectSyncsHistoryAndLiveFeed(t *testing.T) {
	h := newHarness(t, newFakeChain(hist(alice, 100, "hi"), hist(bob, 200, "yo")))
	h.connect(t, alice)

	view := h.orch.View()
	if !view.Synced || len(view.Records) != 2 || view.Records[0].Message != "yo" {
		t.Fatalf("unexpected view after connect: %+v", view)
	}
	if st := h.orch.Status(); st.Count == nil || *st.Count != 2 {
		t.Fatalf("expected count 2, got %+v", st.Count)
	}

	live := hist(bob, 50, "live")
	live.TxHash = common.HexToHash("0x99")
	h.chain.push(t, 0, live)
	waitFor(t, "live record", func() bool { return h.store.Len() == 3 })

	if h.store.Records()[2].Message != "live" {
		t.Fatalf("expected live record appended last")
	}
}

// TestSubmitConfirmedByReceipt 验证提交立即可见，回执落定后在途写入被销毁且推送到达不会重复。
func TestSubmitConfirmedByReceipt(t *testing.T) {
	h := newHarness(t, newFakeChain(hist(bob, 200, "yo")))
	h.connect(t, alice)

	p, err := h.orch.Submit(context.Background(), "hi")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.Status != model.WriteSubmitting || len(h.orch.View().Pending) != 1 {
		t.Fatalf("expected visible pending write, got %+v", p)
	}

	mined := h.chain.mine(p.TxHash, true)
	waitFor(t, "confirmation", func() bool { return len(h.store.Pending()) == 0 })

	if h.store.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", h.store.Len())
	}
	waitFor(t, "count refresh", func() bool {
		st := h.orch.Status()
		return st.Count != nil && *st.Count == 2
	})

	h.chain.push(t, 0, mined)
	h.chain.push(t, 0, hist(bob, 300, "after")) // 保证上一条已经处理完
	waitFor(t, "later live record", func() bool { return h.store.Len() == 3 })

	last := h.orch.View().LastSubmission
	if last == nil || last.ID != p.ID || last.Status != model.WriteConfirmed {
		t.Fatalf("unexpected last submission %+v", last)
	}
}

// TestSubmitRevertedReportsFailure 验证执行失败的写入被移除并报告，记录序列不变。
func TestSubmitRevertedReportsFailure(t *testing.T) {
	h := newHarness(t, newFakeChain(hist(bob, 200, "yo")))
	h.connect(t, alice)

	p, err := h.orch.Submit(context.Background(), "hi")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.chain.mine(p.TxHash, false)
	waitFor(t, "failure", func() bool { return len(h.orch.View().Failures) == 1 })

	view := h.orch.View()
	if len(view.Pending) != 0 || len(view.Records) != 1 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.LastSubmission.Status != model.WriteFailed {
		t.Fatalf("expected failed last submission, got %s", view.LastSubmission.Status)
	}
}

// TestSubmitRejectedBySigner 验证签名阶段被拒绝时返回 ErrSubmissionRejected 并记录失败。
func TestSubmitRejectedBySigner(t *testing.T) {
	chain := newFakeChain()
	chain.writeErr = errors.New("user denied transaction signature")
	h := newHarness(t, chain)
	h.connect(t, alice)

	if _, err := h.orch.Submit(context.Background(), "hi"); !errors.Is(err, ledger.ErrSubmissionRejected) {
		t.Fatalf("expected ErrSubmissionRejected, got %v", err)
	}
	view := h.orch.View()
	if len(view.Pending) != 0 || len(view.Failures) != 1 {
		t.Fatalf("unexpected view %+v", view)
	}
}

// TestResyncFailureKeepsState 验证重新同步失败时已有记录保持不变，错误可以通过 Status 观察。
func TestResyncFailureKeepsState(t *testing.T) {
	h := newHarness(t, newFakeChain(hist(alice, 100, "hi")))
	h.connect(t, alice)

	h.chain.setReadErr(errors.New("connection reset"))
	if err := h.orch.Resync(context.Background()); !errors.Is(err, ledger.ErrTransientRead) {
		t.Fatalf("expected ErrTransientRead, got %v", err)
	}
	if h.store.Len() != 1 {
		t.Fatalf("expected records kept, got %d", h.store.Len())
	}
	if h.orch.Status().SyncError == "" {
		t.Fatalf("expected sync error reported")
	}

	h.chain.setReadErr(nil)
	if err := h.orch.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if h.orch.Status().SyncError != "" {
		t.Fatalf("expected sync error cleared")
	}
}

// TestSessionChangeReplacesFeed 验证身份变化时旧推送被摘掉，新推送按新身份挂上。
func TestSessionChangeReplacesFeed(t *testing.T) {
	h := newHarness(t, newFakeChain())
	h.connect(t, alice)
	first := h.chain.watch(0)

	h.connect(t, bob)
	if !first.closed() {
		t.Fatalf("expected old feed unsubscribed")
	}
	if h.chain.watchCount() != 2 {
		t.Fatalf("expected new feed, got %d watches", h.chain.watchCount())
	}
	if id := h.orch.Session().Identity; id == nil || *id != bob {
		t.Fatalf("expected bob session, got %v", id)
	}
}

// TestRunAutoSyncsExistingSession 验证启动时发现已授权身份会自动同步。
func TestRunAutoSyncsExistingSession(t *testing.T) {
	h := newHarness(t, newFakeChain(hist(alice, 100, "hi")))
	h.agent.authorized = []common.Address{alice}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	waitFor(t, "auto sync", func() bool { return h.orch.View().Synced })
	if !h.orch.Session().Connected() {
		t.Fatalf("expected connected session")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

// TestFeedFailureTriggersResync 验证推送中断后自动重新挂上推送并同步。
func TestFeedFailureTriggersResync(t *testing.T) {
	h := newHarness(t, newFakeChain(hist(alice, 100, "hi")))
	h.agent.authorized = []common.Address{alice}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "first feed", func() bool { return h.chain.watchCount() == 1 && h.orch.View().Synced })
	h.chain.watch(0).errCh <- errors.New("connection lost")

	waitFor(t, "resubscribe", func() bool { return h.chain.watchCount() == 2 })
	waitFor(t, "resync", func() bool { return !h.orch.View().Syncing })
}

func (o *Orchestrator) inflightCount() int {
	o.confMu.Lock()
	defer o.confMu.Unlock()
	return len(o.inflight)
}

// TestExpiredWriteStopsConfirmation 验证在途写入超时失败后，回执轮询随之停止（确认本身没有超时）。
func TestExpiredWriteStopsConfirmation(t *testing.T) {
	h := newHarnessWithTimeout(t, newFakeChain(), 30*time.Millisecond)
	h.connect(t, alice)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	p, err := h.orch.Submit(context.Background(), "never mined")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "expiry", func() bool { return len(h.orch.View().Failures) == 1 })

	failed := h.orch.View().Failures[0]
	if failed.ID != p.ID || failed.Status != model.WriteFailed || failed.Error != timeline.ErrPendingExpired.Error() {
		t.Fatalf("unexpected failure %+v", failed)
	}
	waitFor(t, "confirmation released", func() bool { return h.orch.inflightCount() == 0 })

	before := h.chain.receiptQueries()
	time.Sleep(50 * time.Millisecond)
	if after := h.chain.receiptQueries(); after != before {
		t.Fatalf("expected receipt polling to stop, got %d more queries", after-before)
	}
	if len(h.orch.View().Failures) != 1 {
		t.Fatalf("expected cancellation not to report a second failure")
	}
}
