package wrapper

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/vrf_direct_funding/internal/fee"
)

const (
	DefaultMaxNumWords             = 10
	DefaultMaxRequestConfirmations = 200
	// coordinatorMaxGasLimit is the callback gas ceiling enforced by the
	// coordinator; the wrapper keeps its own overhead out of it.
	coordinatorMaxGasLimit = 2_500_000
)

// Config fixes the wrapper's identity, fee schedule and request limits.
type Config struct {
	WrapperAddress          common.Address
	Schedule                fee.Schedule
	MaxNumWords             uint32
	MaxGasLimit             uint32
	MaxRequestConfirmations uint16
}

// DefaultConfig returns the direct-funding defaults for a wrapper address.
func DefaultConfig(wrapperAddress common.Address) Config {
	return Config{
		WrapperAddress: wrapperAddress,
		Schedule: fee.Schedule{
			WrapperOverheadGas:     60_000,
			CoordinatorOverheadGas: 52_000,
			PremiumPercent:         10,
			FlatFee:                uint256.NewInt(100_000_000_000_000_000), // 0.1 token
		},
	}
}

// normalize fills zero limits with defaults and validates the result.
func (c Config) normalize() (Config, error) {
	if err := c.Schedule.Validate(); err != nil {
		return c, fmt.Errorf("fee schedule: %w", err)
	}
	if c.MaxNumWords == 0 {
		c.MaxNumWords = DefaultMaxNumWords
	}
	if c.MaxRequestConfirmations == 0 {
		c.MaxRequestConfirmations = DefaultMaxRequestConfirmations
	}
	if c.MaxGasLimit == 0 {
		if c.Schedule.WrapperOverheadGas >= coordinatorMaxGasLimit {
			return c, fmt.Errorf("wrapper overhead %d leaves no callback gas", c.Schedule.WrapperOverheadGas)
		}
		c.MaxGasLimit = uint32(coordinatorMaxGasLimit - c.Schedule.WrapperOverheadGas)
	}
	return c, nil
}
