package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const defaultSubscriptionBuffer = 128

var errNotNewWave = errors.New("not a NewWave log")

// RawWave 是远端返回的未经校验的 wave 形状。
type RawWave struct {
	Waver     common.Address
	Message   string
	Timestamp *big.Int
	// 以下字段只有来自日志（推送或回执）的记录才有。
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Removed     bool
}

// Receipt 是一次写入被打包后的回执。
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
	Waves       []RawWave
}

// Watch 是 NewWave 推送订阅。Err 在订阅异常结束时收到原因，之后被关闭。
type Watch interface {
	Waves() <-chan RawWave
	Err() <-chan error
	Unsubscribe()
}

// Contract 是账本合约的三项远端操作加一条推送订阅。
type Contract interface {
	ReadAll(ctx context.Context) ([]RawWave, error)
	ReadCount(ctx context.Context) (*big.Int, error)
	Write(ctx context.Context, from common.Address, message string, gasLimit uint64) (common.Hash, error)
	// Receipt 查询交易回执，尚未打包时返回 nil, nil。
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	WatchNewWave(ctx context.Context) (Watch, error)
}

// wireWave 与 getAllWaves 返回的 tuple 字段一一对应。
type wireWave struct {
	Waver     common.Address
	Message   string
	Timestamp *big.Int
}

// newWaveEvent 的字段名对应 NewWave 事件参数名。
type newWaveEvent struct {
	From      common.Address
	Timestamp *big.Int
	Message   string
}

// sendArgs 是 eth_sendTransaction 的参数，由节点上的签名代理签名。
type sendArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Gas  hexutil.Uint64 `json:"gas"`
	Data hexutil.Bytes  `json:"data"`
}

type ContractConfig struct {
	// SubscriptionBuffer 是日志推送的 channel 缓冲，消费者跟不上时订阅以溢出错误结束。
	SubscriptionBuffer int
	Logger             *zap.Logger
}

// EthContract 通过以太坊 JSON-RPC 访问部署好的 WavePortal 合约。
// 读取、回执和日志订阅走 ethclient，写入直接发 eth_sendTransaction。
type EthContract struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	bound   *bind.BoundContract
	address common.Address
	buffer  int
	logger  *zap.Logger
}

func NewEthContract(client *rpc.Client, address common.Address, cfg ContractConfig) *EthContract {
	if cfg.SubscriptionBuffer <= 0 {
		cfg.SubscriptionBuffer = defaultSubscriptionBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eth := ethclient.NewClient(client)
	return &EthContract{
		rpc:     client,
		eth:     eth,
		bound:   bind.NewBoundContract(address, waveABI, eth, eth, eth),
		address: address,
		buffer:  cfg.SubscriptionBuffer,
		logger:  logger,
	}
}

func (c *EthContract) ReadAll(ctx context.Context) ([]RawWave, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, methodGetAll); err != nil {
		return nil, fmt.Errorf("call %s: %w", methodGetAll, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", methodGetAll, len(out))
	}
	waves := *abi.ConvertType(out[0], new([]wireWave)).(*[]wireWave)

	raw := make([]RawWave, 0, len(waves))
	for _, w := range waves {
		raw = append(raw, RawWave{Waver: w.Waver, Message: w.Message, Timestamp: w.Timestamp})
	}
	return raw, nil
}

func (c *EthContract) ReadCount(ctx context.Context) (*big.Int, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, methodGetTotal); err != nil {
		return nil, fmt.Errorf("call %s: %w", methodGetTotal, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", methodGetTotal, len(out))
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", methodGetTotal, out[0])
	}
	return count, nil
}

func (c *EthContract) Write(ctx context.Context, from common.Address, message string, gasLimit uint64) (common.Hash, error) {
	data, err := waveABI.Pack(methodWave, message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", methodWave, err)
	}

	args := sendArgs{From: from, To: c.address, Gas: hexutil.Uint64(gasLimit), Data: data}
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (c *EthContract) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	raw, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{
		TxHash:  raw.TxHash,
		Success: raw.Status == types.ReceiptStatusSuccessful,
	}
	if raw.BlockNumber != nil {
		receipt.BlockNumber = raw.BlockNumber.Uint64()
	}
	for _, l := range raw.Logs {
		if l == nil || l.Address != c.address {
			continue
		}
		w, err := c.decodeLog(*l)
		if errors.Is(err, errNotNewWave) {
			continue
		}
		if err != nil {
			c.logger.Warn("skip undecodable receipt log", zap.Stringer("tx", raw.TxHash), zap.Error(err))
			continue
		}
		receipt.Waves = append(receipt.Waves, w)
	}
	return receipt, nil
}

func (c *EthContract) WatchNewWave(ctx context.Context) (Watch, error) {
	logs := make(chan types.Log, c.buffer)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{newWaveTopic()}},
	}
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, err
	}

	w := &logWatch{
		contract: c,
		sub:      sub,
		logs:     logs,
		out:      make(chan RawWave),
		errCh:    make(chan error, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func newWaveTopic() common.Hash {
	return waveABI.Events[eventNewWave].ID
}

func (c *EthContract) decodeLog(l types.Log) (RawWave, error) {
	if len(l.Topics) == 0 || l.Topics[0] != newWaveTopic() {
		return RawWave{}, errNotNewWave
	}
	var ev newWaveEvent
	if err := c.bound.UnpackLog(&ev, eventNewWave, l); err != nil {
		return RawWave{}, fmt.Errorf("unpack %s: %w", eventNewWave, err)
	}
	return RawWave{
		Waver:       ev.From,
		Message:     ev.Message,
		Timestamp:   ev.Timestamp,
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}, nil
}

type logWatch struct {
	contract *EthContract
	sub      ethereum.Subscription
	logs     chan types.Log
	out      chan RawWave
	errCh    chan error
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (w *logWatch) Waves() <-chan RawWave { return w.out }
func (w *logWatch) Err() <-chan error     { return w.errCh }

// Unsubscribe 幂等；返回时转发协程已退出。
func (w *logWatch) Unsubscribe() {
	w.once.Do(func() {
		close(w.quit)
		w.sub.Unsubscribe()
	})
	<-w.done
}

func (w *logWatch) loop() {
	defer close(w.done)
	defer close(w.errCh)

	logger := w.contract.logger
	for {
		select {
		case <-w.quit:
			return
		case err, ok := <-w.sub.Err():
			if ok && err != nil {
				w.errCh <- err
			}
			return
		case l := <-w.logs:
			wave, err := w.contract.decodeLog(l)
			if err != nil {
				logger.Warn("skip malformed log notification", zap.Stringer("tx", l.TxHash), zap.Error(err))
				continue
			}
			select {
			case w.out <- wave:
			case <-w.quit:
				return
			}
		}
	}
}
