package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	apperrors "skytrader/pkg/errors"

	"github.com/adshao/go-binance/v2/common"
)

// Binance futures error codes the engine distinguishes
const (
	codeDisconnected       = -1001
	codeTooManyRequests    = -1003
	codeTooManyOrders      = -1015
	codeTimestamp          = -1021
	codeBadSymbol          = -1121
	codeNewOrderRejected   = -2010
	codeUnknownOrder       = -2011
	codeBadAPIKey          = -2014
	codeRejectedMBXKey     = -2015
	codeBalanceNotEnough   = -2018
	codeMarginInsufficient = -2019
	codeServerBusy         = -1008
)

// classifyError maps a go-binance error onto the apperrors taxonomy. The
// original error stays in the chain.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w: %w", op, sentinelForCode(apiErr.Code), err)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w: %w", op, apperrors.ErrNetwork, err)
	}

	// Non-JSON error bodies (gateway pages, 5xx) surface as plain errors
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrNetwork, err)
}

func sentinelForCode(code int64) error {
	switch code {
	case codeUnknownOrder:
		return apperrors.ErrOrderNotFound
	case codeTooManyRequests, codeTooManyOrders:
		return apperrors.ErrRateLimitExceeded
	case codeTimestamp:
		return apperrors.ErrTimestampOutOfBounds
	case codeDisconnected:
		return apperrors.ErrNetwork
	case codeServerBusy:
		return apperrors.ErrSystemOverload
	case codeBadSymbol:
		return apperrors.ErrInvalidSymbol
	case codeBadAPIKey, codeRejectedMBXKey:
		return apperrors.ErrAuthenticationFailed
	case codeBalanceNotEnough, codeMarginInsufficient:
		return apperrors.ErrInsufficientFunds
	case codeNewOrderRejected:
		return apperrors.ErrOrderRejected
	}
	if code <= -4000 && code > -5000 {
		return apperrors.ErrInvalidOrderParameter
	}
	return apperrors.ErrOrderRejected
}
