package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
)

// MaxMessageRunes 是单条留言允许的最大码点数，和前端输入框的 maxlength 保持一致。
const MaxMessageRunes = 100

var ErrInvalidMessage = errors.New("invalid message")

// Record 表示账本上一条已确认的 wave 记录。
// 账本不分配序号，去重身份由 (Author, Timestamp, Message) 三元组决定。
type Record struct {
	Author    common.Address `json:"author"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	// TxHash 只用于把记录和本地提交对上号，不参与去重。
	TxHash common.Hash `json:"tx_hash"`
}

// RecordKey 是 Record 的去重身份。
type RecordKey struct {
	Author    common.Address
	Timestamp int64
	Message   string
}

// Key 返回记录的去重身份，时间戳按秒截断（账本只有秒精度）。
func (r Record) Key() RecordKey {
	return RecordKey{
		Author:    r.Author,
		Timestamp: r.Timestamp.Unix(),
		Message:   r.Message,
	}
}

// SessionStatus 表示签名代理的连接状态。
type SessionStatus string

const (
	SessionDisconnected SessionStatus = "disconnected"
	SessionConnected    SessionStatus = "connected"
)

// Session 是进程内唯一的授权身份。
// 生命周期：初始为空；授权成功后变为 Connected；不会自动回退（重连由用户发起）。
type Session struct {
	Identity *common.Address `json:"identity,omitempty"`
	Status   SessionStatus   `json:"status"`
}

// Connected 判断当前会话是否已有可用身份。
func (s Session) Connected() bool {
	return s.Status == SessionConnected && s.Identity != nil
}

// WriteStatus 是本地提交的临时状态。
type WriteStatus string

const (
	WriteSubmitting WriteStatus = "submitting"
	WriteConfirmed  WriteStatus = "confirmed"
	WriteFailed     WriteStatus = "failed"
)

// PendingWrite 表示已提交但尚未在账本上看到对应记录的写入。
// 对应的 Record 通过批量读取或实时推送出现后即被销毁；确认失败时也会被移除。
type PendingWrite struct {
	ID      string         `json:"id"`
	Author  common.Address `json:"author"`
	Message string         `json:"message"`
	// SubmittedAt 是本地临时时间戳，和账本区块时间不同。
	SubmittedAt time.Time   `json:"submitted_at"`
	TxHash      common.Hash `json:"tx_hash"`
	Status      WriteStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	ResolvedAt  time.Time   `json:"resolved_at,omitempty"`
}

// Matches 判断一条确认记录是否对应这次本地提交。
// 双方都带交易哈希时以哈希为准，否则只能按作者 + 内容判断。
func (p PendingWrite) Matches(r Record) bool {
	if p.TxHash != (common.Hash{}) && r.TxHash != (common.Hash{}) {
		return p.TxHash == r.TxHash
	}
	return p.Author == r.Author && p.Message == r.Message
}

// ValidateMessage 校验留言文本：必须是合法 UTF-8，且不超过 MaxMessageRunes 个码点。
// 空字符串是允许的，合约本身接受空留言。
func ValidateMessage(text string) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: not valid utf-8", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(text); n > MaxMessageRunes {
		return fmt.Errorf("%w: %d code points exceeds limit of %d", ErrInvalidMessage, n, MaxMessageRunes)
	}
	return nil
}
