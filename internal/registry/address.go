package registry

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies a registry member. The zero value is the null address.
type Address = common.Address

// ZeroAddress is never a valid member or owner.
var ZeroAddress = Address{}

// ParseAddress parses a 0x-prefixed 40 hex digit address. Checksums are not
// enforced; mixed-case input is accepted as-is.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return Address{}, fmt.Errorf("%w: missing 0x prefix", ErrInvalidAddress)
	}
	if !common.IsHexAddress(s) {
		return Address{}, fmt.Errorf("%w: %q is not a hex address", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// IsZero reports whether addr is the null address.
func IsZero(addr Address) bool {
	return addr == ZeroAddress
}
