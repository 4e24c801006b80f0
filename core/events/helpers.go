package events

import (
	"math/big"
	"strconv"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func cloneAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}

func formatAddress(addr ethcommon.Address) string {
	if addr == (ethcommon.Address{}) {
		return ""
	}
	return addr.Hex()
}

func formatBps(bps uint16) string {
	return strconv.FormatUint(uint64(bps), 10)
}

func setIfPresent(attrs map[string]string, key, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		attrs[key] = trimmed
	}
}
