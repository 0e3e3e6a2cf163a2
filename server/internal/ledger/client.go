package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"wave-portal/server/internal/model"
)

var (
	// ErrSubmissionRejected 表示写入在被打包前被签名代理或链拒绝（用户取消签名、交易无效、执行 revert）。
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrConfirmationTimeout 表示等待打包超过了配置的超时。
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrTransientRead 表示批量读取或计数读取失败，可以手动重试。
	ErrTransientRead = errors.New("transient read failure")
	// ErrMalformedRecord 表示单条记录无法解码成 Record。
	ErrMalformedRecord = errors.New("malformed record")
)

const (
	// DefaultGasLimit 是写入请求附带的保守 gas 上限。
	DefaultGasLimit            = 300000
	defaultConfirmPollInterval = 2 * time.Second
	// 区块时间戳的合理上限：9999-12-31T23:59:59Z。
	maxTimestamp = 253402300799
)

// Config 是 Client 的行为配置，零值使用默认值。
type Config struct {
	GasLimit uint64
	// ConfirmationPollInterval 是查询回执的间隔。
	ConfirmationPollInterval time.Duration
	// ConfirmationTimeout 为 0 表示不设硬超时；确认状态始终可以通过 Confirmation 观察。
	ConfirmationTimeout time.Duration
	Logger              *zap.Logger
}

// Client 是账本合约的类型化封装：远端的动态形状在这里被校验为严格的 Record。
type Client struct {
	contract Contract
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewClient(contract Contract, cfg Config) *Client {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	if cfg.ConfirmationPollInterval <= 0 {
		cfg.ConfirmationPollInterval = defaultConfirmPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		contract: contract,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// FetchAll 一次性读取账本上的全部记录，保持账本原生顺序（最旧在前）。
// 单条解码失败的记录被跳过并记录日志，不影响同批其他记录。
func (c *Client) FetchAll(ctx context.Context) ([]model.Record, error) {
	raw, err := c.contract.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read all: %w", ErrTransientRead, err)
	}

	records := make([]model.Record, 0, len(raw))
	skipped := 0
	for i, w := range raw {
		r, err := DecodeRecord(w)
		if err != nil {
			skipped++
			c.logger.Warn("skip malformed record", zap.Int("index", i), zap.Error(err))
			continue
		}
		records = append(records, r)
	}

	c.logger.Debug("fetched records", zap.Int("count", len(records)), zap.Int("skipped", skipped))
	return records, nil
}

// CurrentCount 读取账本上的记录总数，只作为诊断/进度信号。
func (c *Client) CurrentCount(ctx context.Context) (uint64, error) {
	n, err := c.contract.ReadCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: read count: %w", ErrTransientRead, err)
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("%w: count %s out of range", ErrTransientRead, n)
	}
	return n.Uint64(), nil
}

// WatchNewWave 打开底层的 NewWave 推送订阅。
func (c *Client) WatchNewWave(ctx context.Context) (Watch, error) {
	return c.contract.WatchNewWave(ctx)
}

// Submit 发送写入请求并立即返回确认句柄，调用方通过句柄观察打包结果。
// 打包前的任何失败（包括用户取消签名）都以 ErrSubmissionRejected 返回。
func (c *Client) Submit(ctx context.Context, from common.Address, message string) (*Confirmation, error) {
	if err := model.ValidateMessage(message); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	}

	submittedAt := c.now()
	hash, err := c.contract.Write(ctx, from, message, c.cfg.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	}
	c.logger.Info("write submitted", zap.Stringer("tx", hash), zap.Stringer("from", from))

	// 确认等待不跟随提交请求的生命周期，只受超时与 Cancel 约束。
	waitCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if c.cfg.ConfirmationTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(waitCtx, c.cfg.ConfirmationTimeout)
	} else {
		waitCtx, cancel = context.WithCancel(waitCtx)
	}

	conf := newConfirmation(hash, from, message, submittedAt, cancel)
	go c.awaitReceipt(waitCtx, conf)
	return conf, nil
}

func (c *Client) awaitReceipt(ctx context.Context, conf *Confirmation) {
	defer conf.cancel()

	ticker := time.NewTicker(c.cfg.ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.contract.Receipt(ctx, conf.Hash)
		switch {
		case err != nil && ctx.Err() == nil:
			c.logger.Debug("receipt query failed, retrying", zap.Stringer("tx", conf.Hash), zap.Error(err))
		case receipt != nil && !receipt.Success:
			c.logger.Info("write reverted", zap.Stringer("tx", conf.Hash))
			conf.finish(nil, fmt.Errorf("%w: transaction %s reverted", ErrSubmissionRejected, conf.Hash))
			return
		case receipt != nil:
			rec := c.recordFromReceipt(conf, receipt)
			c.logger.Info("write confirmed", zap.Stringer("tx", conf.Hash), zap.Uint64("block", receipt.BlockNumber))
			conf.finish(rec, nil)
			return
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				conf.finish(nil, fmt.Errorf("%w: transaction %s not included after %s", ErrConfirmationTimeout, conf.Hash, c.cfg.ConfirmationTimeout))
			} else {
				conf.finish(nil, ctx.Err())
			}
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) recordFromReceipt(conf *Confirmation, receipt *Receipt) *model.Record {
	for _, w := range receipt.Waves {
		if w.Waver != conf.From || w.Message != conf.Message {
			continue
		}
		if w.TxHash == (common.Hash{}) {
			w.TxHash = receipt.TxHash
		}
		r, err := DecodeRecord(w)
		if err != nil {
			c.logger.Warn("receipt carries malformed record", zap.Stringer("tx", conf.Hash), zap.Error(err))
			return nil
		}
		return &r
	}
	return nil
}

// DecodeRecord 把远端形状校验为严格的 Record，失败时返回包装了 ErrMalformedRecord 的错误。
func DecodeRecord(w RawWave) (model.Record, error) {
	if w.Waver == (common.Address{}) {
		return model.Record{}, fmt.Errorf("%w: zero author", ErrMalformedRecord)
	}
	if w.Timestamp == nil {
		return model.Record{}, fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	if w.Timestamp.Sign() < 0 || w.Timestamp.Cmp(big.NewInt(maxTimestamp)) > 0 {
		return model.Record{}, fmt.Errorf("%w: timestamp %s out of range", ErrMalformedRecord, w.Timestamp)
	}
	if err := model.ValidateMessage(w.Message); err != nil {
		return model.Record{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	return model.Record{
		Author:    w.Waver,
		Timestamp: time.Unix(w.Timestamp.Int64(), 0).UTC(),
		Message:   w.Message,
		TxHash:    w.TxHash,
	}, nil
}
