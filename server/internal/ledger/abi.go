package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// WavePortalABI 是 WavePortal 合约中客户端用到的部分。
const WavePortalABI = `[
	{"inputs":[{"internalType":"string","name":"_message","type":"string"}],"name":"wave","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"getAllWaves","outputs":[{"components":[{"internalType":"address","name":"waver","type":"address"},{"internalType":"string","name":"message","type":"string"},{"internalType":"uint256","name":"timestamp","type":"uint256"}],"internalType":"struct WavePortal.Wave[]","name":"","type":"tuple[]"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getTotalWaves","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"from","type":"address"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"},{"indexed":false,"internalType":"string","name":"message","type":"string"}],"name":"NewWave","type":"event"}
]`

const (
	methodWave     = "wave"
	methodGetAll   = "getAllWaves"
	methodGetTotal = "getTotalWaves"
	eventNewWave   = "NewWave"
)

var waveABI = mustParseABI(WavePortalABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("ledger: parse WavePortal abi: " + err.Error())
	}
	return parsed
}
