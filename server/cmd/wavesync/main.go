package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wave-portal/server/internal/api"
	"wave-portal/server/internal/config"
	"wave-portal/server/internal/ledger"
	"wave-portal/server/internal/logging"
	"wave-portal/server/internal/orchestrator"
	"wave-portal/server/internal/session"
	"wave-portal/server/internal/timeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wavesync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 部署相关的地址优先用环境变量：
	// - WAVESYNC_LEDGER_URL：账本节点 websocket 地址
	// - WAVESYNC_WALLET_URL：签名代理地址，不设表示没有签名代理（只读）
	// - WAVESYNC_CONTRACT_ADDRESS：WavePortal 合约地址
	var configPath, addr string
	flagSet := pflag.NewFlagSet("wavesync", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "server/configs/wavesync.yaml", "config file path (empty for defaults + env)")
	flagSet.StringVar(&addr, "addr", "", "http listen address, overrides server.host/port")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Addr()
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 连接断开后订阅以错误结束，触发重新同步；下一次请求时客户端自动重连
	ledgerRPC, err := dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}
	defer ledgerRPC.Close()

	// 签名代理不可用是正常情况：会话保持 Disconnected，只读功能照常工作
	var agent session.Agent
	if cfg.Wallet.RPCURL != "" {
		walletRPC, err := dial(ctx, cfg.Wallet.RPCURL, cfg.Wallet.DialTimeout)
		if err != nil {
			logger.Warn("signing agent unreachable, running read-only", zap.String("url", cfg.Wallet.RPCURL), zap.Error(err))
		} else {
			defer walletRPC.Close()
			agent = session.NewRPCAgent(walletRPC)
		}
	}

	contract := ledger.NewEthContract(ledgerRPC, cfg.Contract(), ledger.ContractConfig{
		SubscriptionBuffer: cfg.Ledger.SubscriptionBuffer,
		Logger:             logger.Named("contract"),
	})
	client := ledger.NewClient(contract, ledger.Config{
		GasLimit:                 cfg.Ledger.GasLimit,
		ConfirmationPollInterval: cfg.Ledger.ConfirmationPollInterval,
		ConfirmationTimeout:      cfg.Ledger.ConfirmationTimeout,
		Logger:                   logger.Named("ledger"),
	})
	store := timeline.NewStore(timeline.Config{
		PendingTimeout: cfg.Store.PendingTimeout,
		FailureHistory: cfg.Store.FailureHistory,
		ClockSkew:      cfg.Store.ClockSkew,
		Logger:         logger.Named("store"),
	})
	orch := orchestrator.New(session.NewManager(agent, logger.Named("session")), client, store, orchestrator.Config{
		SweepInterval: cfg.Sync.SweepInterval,
		ResyncBackoff: cfg.Sync.ResyncBackoff,
		Logger:        logger.Named("orchestrator"),
	})
	defer orch.Close()

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      api.NewServer(orch, cfg.CORS, logger.Named("api")).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("wavesync listening", zap.String("addr", addr), zap.Stringer("contract", cfg.Contract()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("wavesync stopped", zap.Error(err))
	return err
}

// dial 连接 websocket JSON-RPC 端点，握手受 timeout 约束。
func dial(ctx context.Context, url string, timeout time.Duration) (*rpc.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rpc.DialOptions(dialCtx, url, rpc.WithWebsocketDialer(websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}))
}
