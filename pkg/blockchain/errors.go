package blockchain

import "errors"

var (
	// ErrChainNotRegistered is returned when no RPC endpoint is known for a chain
	ErrChainNotRegistered = errors.New("chain not registered")

	// ErrInvalidQuantity is returned when a numeric field cannot be parsed
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrUnknownGasTier is returned for a gas tier other than low, medium or high
	ErrUnknownGasTier = errors.New("unknown gas tier")

	// ErrUnknownSelector is returned when calldata matches no registered ABI method
	ErrUnknownSelector = errors.New("unknown method selector")
)
