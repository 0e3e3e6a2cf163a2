package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"wave-portal/server/internal/model"
)

// Confirmation 是一次写入的确认句柄：提交后立即返回，打包结果异步落定。
// 在结果落定之前 Status 一直是 WriteSubmitting，不会阻塞调用方。
type Confirmation struct {
	Hash        common.Hash
	From        common.Address
	Message     string
	SubmittedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu     sync.RWMutex
	status model.WriteStatus
	record *model.Record
	err    error
}

func newConfirmation(hash common.Hash, from common.Address, message string, submittedAt time.Time, cancel context.CancelFunc) *Confirmation {
	return &Confirmation{
		Hash:        hash,
		From:        from,
		Message:     message,
		SubmittedAt: submittedAt,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      model.WriteSubmitting,
	}
}

// Status 返回当前确认状态。
func (c *Confirmation) Status() model.WriteStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Done 在结果落定后被关闭。
func (c *Confirmation) Done() <-chan struct{} {
	return c.done
}

// Err 返回失败原因；未落定或成功时为 nil。
func (c *Confirmation) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Record 返回回执里解码出的记录；回执里没有可识别的 NewWave 日志时返回 false。
func (c *Confirmation) Record() (model.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.record == nil {
		return model.Record{}, false
	}
	return *c.record, true
}

// Wait 等待结果落定或 ctx 结束。ctx 结束只影响本次等待，不影响确认本身。
func (c *Confirmation) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel 放弃等待确认，句柄以 context.Canceled 落定。交易本身仍可能被打包。
func (c *Confirmation) Cancel() {
	c.cancel()
}

func (c *Confirmation) finish(rec *model.Record, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.record = rec
		c.err = err
		if err != nil {
			c.status = model.WriteFailed
		} else {
			c.status = model.WriteConfirmed
		}
		c.mu.Unlock()
		close(c.done)
	})
}
