package ledgersubmit

import (
	"context"
	"net/http"

	"github.com/stellar/go/clients/horizonclient"
)

// HorizonAdapter backs HorizonClient with the real Stellar SDK, translating
// horizonclient's concrete response and error types into the submitter's
// narrow AccountState/SubmitResult/error vocabulary. Kept as a thin,
// separately swappable layer so Submitter itself never imports
// horizonclient's response types directly.
type HorizonAdapter struct {
	Client *horizonclient.Client
}

// NewHorizonAdapter wraps client for use as a HorizonClient.
func NewHorizonAdapter(client *horizonclient.Client) *HorizonAdapter {
	return &HorizonAdapter{Client: client}
}

func (a *HorizonAdapter) LoadAccount(ctx context.Context, address string) (AccountState, error) {
	account, err := a.Client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		if isNotFoundErr(err) {
			return AccountState{}, ErrAccountNotFound
		}
		return AccountState{}, horizonError{cause: err}
	}
	sequence, err := account.GetSequenceNumber()
	if err != nil {
		return AccountState{}, horizonError{cause: err}
	}
	return AccountState{Sequence: sequence}, nil
}

func (a *HorizonAdapter) SubmitTransactionXDR(ctx context.Context, signedXDR string) (SubmitResult, error) {
	resp, err := a.Client.SubmitTransactionXDR(signedXDR)
	if err != nil {
		return SubmitResult{}, horizonError{cause: err, retryable: isRetryableSubmitErr(err)}
	}
	return SubmitResult{Hash: resp.Hash, Sequence: int64(resp.Ledger)}, nil
}

// TransactionByHash implements HorizonClient's reconciliation lookup: a
// 404 means the ledger has no record of the transaction, any other error
// is treated as inconclusive rather than "not found".
func (a *HorizonAdapter) TransactionByHash(ctx context.Context, hash string) (bool, error) {
	_, err := a.Client.TransactionDetail(hash)
	if err == nil {
		return true, nil
	}
	if isNotFoundErr(err) {
		return false, nil
	}
	return false, horizonError{cause: err}
}

// horizonError adapts a raw horizonclient error into the RetryableError
// contract Submitter.Submit consults.
type horizonError struct {
	cause     error
	retryable bool
}

func (e horizonError) Error() string   { return e.cause.Error() }
func (e horizonError) Unwrap() error   { return e.cause }
func (e horizonError) Retryable() bool { return e.retryable }

func isNotFoundErr(err error) bool {
	herr, ok := err.(*horizonclient.Error)
	if !ok || herr.Problem.Status == 0 {
		return false
	}
	return herr.Problem.Status == http.StatusNotFound
}

// isRetryableSubmitErr flags rate limiting, gateway timeouts, and the
// sequence/fee result codes a resubmission with a fresh sequence number can
// recover from; everything else (bad signature, malformed envelope) is
// treated as fatal.
func isRetryableSubmitErr(err error) bool {
	herr, ok := err.(*horizonclient.Error)
	if !ok {
		return false
	}
	switch herr.Problem.Status {
	case http.StatusTooManyRequests, http.StatusGatewayTimeout, http.StatusServiceUnavailable:
		return true
	}
	resultCodes, err2 := herr.ResultCodes()
	if err2 != nil || resultCodes == nil {
		return false
	}
	switch resultCodes.TransactionCode {
	case "tx_bad_seq", "tx_too_late", "tx_insufficient_fee":
		return true
	}
	return false
}
