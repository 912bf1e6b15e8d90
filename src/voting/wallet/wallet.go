// Package wallet validates voter addresses and derives the per-poll voter fingerprint.
package wallet

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/agaro/votecore/src/voting/types"
)

// Normalize returns the canonical form of addr. EVM addresses are lower-cased hex,
// SS58 addresses are returned unchanged once their payload decodes.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty wallet address", types.ErrInvalidRequest)
	}

	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		if !common.IsHexAddress(addr) {
			return "", fmt.Errorf("%w: malformed evm address %q", types.ErrInvalidRequest, addr)
		}
		return strings.ToLower(common.HexToAddress(addr).Hex()), nil
	}

	// SS58: prefix byte(s), 32-byte public key, 2-byte checksum.
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) < 35 {
		return "", fmt.Errorf("%w: malformed ss58 address %q", types.ErrInvalidRequest, addr)
	}
	return addr, nil
}

// Equal compares two addresses after normalisation. Malformed input never matches.
func Equal(a, b string) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return na == nb
}

// Fingerprint derives the voter fingerprint from (poll, wallet). It depends only on
// identity, never on vote content, so replays collide.
func Fingerprint(pollID, addr string) (string, error) {
	if strings.TrimSpace(pollID) == "" {
		return "", fmt.Errorf("%w: empty poll id", types.ErrInvalidRequest)
	}
	norm, err := Normalize(addr)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256([]byte(strings.ToLower(pollID) + ":" + norm))
	return hex.EncodeToString(sum[:]), nil
}
