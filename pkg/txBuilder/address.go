package txBuilder

import (
	"strings"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress validates s against the network's address scheme: a 0x-prefixed
// 20-byte hex string, EIP-55 checksummed when it mixes letter case, and not the
// zero address.
func ParseAddress(s string) (common.Address, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, ledger.ValidationErrorf("address %q must be 0x-prefixed", s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, ledger.ValidationErrorf("address %q is not a 20-byte hex address", s)
	}
	addr := common.HexToAddress(s)

	body := s[2:]
	if strings.ToLower(body) != body && strings.ToUpper(body) != body && addr.Hex()[2:] != body {
		return common.Address{}, ledger.ValidationErrorf("address %q has an invalid checksum", s)
	}
	if addr == (common.Address{}) {
		return common.Address{}, ledger.ValidationErrorf("zero address is not a valid destination")
	}
	return addr, nil
}
