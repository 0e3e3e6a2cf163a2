package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// EIP-1193 与 JSON-RPC 约定的错误码。
const (
	codeMethodNotFound = -32601
	codeUserRejected   = 4001
	codeUnauthorized   = 4100
)

// Agent 是签名代理（钱包）的最小接口。两个方法都可能失败，也可能根本没有代理可用。
type Agent interface {
	// ListAuthorizedIdentities 不打扰用户，返回已授权的身份。
	ListAuthorizedIdentities(ctx context.Context) ([]common.Address, error)
	// RequestAuthorization 弹窗请求用户授权。
	RequestAuthorization(ctx context.Context) ([]common.Address, error)
}

// RPCAgent 通过 EIP-1193 风格的 JSON-RPC 访问签名代理。
type RPCAgent struct {
	client *rpc.Client
}

func NewRPCAgent(client *rpc.Client) *RPCAgent {
	return &RPCAgent{client: client}
}

func (a *RPCAgent) ListAuthorizedIdentities(ctx context.Context) ([]common.Address, error) {
	return a.accounts(ctx, "eth_accounts")
}

func (a *RPCAgent) RequestAuthorization(ctx context.Context) ([]common.Address, error) {
	return a.accounts(ctx, "eth_requestAccounts")
}

func (a *RPCAgent) accounts(ctx context.Context, method string) ([]common.Address, error) {
	var raw []string
	if err := a.client.CallContext(ctx, &raw, method); err != nil {
		return nil, classify(method, err)
	}

	out := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("%s: malformed address %q", method, s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// classify 把传输层错误归类到会话错误分类。
func classify(method string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected, codeUnauthorized:
			return fmt.Errorf("%s: %w: %s", method, ErrAuthorizationDeclined, rpcErr.Error())
		case codeMethodNotFound:
			return fmt.Errorf("%s: %w: %s", method, ErrEnvironmentUnavailable, rpcErr.Error())
		}
	}
	if errors.Is(err, rpc.ErrClientQuit) {
		return fmt.Errorf("%s: %w: %v", method, ErrEnvironmentUnavailable, err)
	}
	return fmt.Errorf("%s: %w", method, err)
}
