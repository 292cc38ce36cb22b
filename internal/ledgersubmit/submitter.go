// Package ledgersubmit is the Ledger Submitter (component E): it builds the
// unsigned Stellar transaction for an approved intent, computes the digest
// the HSM signs, attaches the resulting signature, and submits the signed
// envelope to Horizon with bounded retry. It is stateless between calls;
// the approval engine supplies everything it needs on every Execute.
package ledgersubmit

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"custodycore/internal/address"
	"custodycore/internal/approval"
	"custodycore/internal/custodyerr"
)

// ErrAccountNotFound is returned by a HorizonClient when the source address
// has no ledger state yet, the expected first-use state of a freshly
// derived ephemeral address.
var ErrAccountNotFound = errors.New("ledgersubmit: account not found")

// AccountState is the subset of ledger account data the submitter needs to
// build a transaction: the current sequence number.
type AccountState struct {
	Sequence int64
}

// SubmitResult is the ledger's confirmation of a submitted transaction.
type SubmitResult struct {
	Hash     string
	Sequence int64
}

// HorizonClient is the narrow Ledger client interface named in the
// external-interfaces section, kept local the way
// services/payoutd/attest.go depends on small locally-defined TxClient and
// NonceSource interfaces instead of a concrete SDK client. A production
// adapter backs it with github.com/stellar/go/clients/horizonclient; tests
// substitute an in-memory fake.
type HorizonClient interface {
	LoadAccount(ctx context.Context, address string) (AccountState, error)
	SubmitTransactionXDR(ctx context.Context, signedXDR string) (SubmitResult, error)

	// TransactionByHash reports whether a transaction with the given hash
	// has already been applied to the ledger, the lookup the lost-response
	// reconciliation path (spec §5) uses after an HSM or ledger timeout.
	TransactionByHash(ctx context.Context, hash string) (bool, error)
}

// RetryableError marks a HorizonClient error as worth retrying (sequence
// conflicts, rate limiting); any other error is treated as fatal.
type RetryableError interface {
	Retryable() bool
}

// Funder funds a freshly derived ephemeral address on networks that require
// it to exist before it can be a transaction source (the Design Note's
// open question on sequence numbers for fresh ephemeral addresses:
// auto-fund on test networks is a deploy-time concern, wired here behind an
// interface so production leaves it nil).
type Funder interface {
	Fund(ctx context.Context, address string) error
}

// MetricsRecorder exposes counters for build/submit outcomes.
type MetricsRecorder interface {
	RecordBuildAttempt(success bool)
	RecordSubmitAttempt(success bool, retryable bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordBuildAttempt(bool)        {}
func (noopMetrics) RecordSubmitAttempt(bool, bool) {}

// Config carries the network parameters and retry tuning named in the
// external-interfaces section: network passphrase, base fee, and the
// bounded 3-attempt exponential backoff.
type Config struct {
	NetworkPassphrase string
	BaseFeeStroops    int64
	TimeboundsWindow  time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
}

// DefaultConfig targets the Stellar test network with the SDK's minimum
// base fee and a 3-attempt exponential backoff starting at 500ms.
func DefaultConfig() Config {
	return Config{
		NetworkPassphrase: network.TestNetworkPassphrase,
		BaseFeeStroops:    txnbuild.MinBaseFee,
		TimeboundsWindow:  5 * time.Minute,
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
	}
}

// Submitter implements approval.LedgerExecutor against a HorizonClient.
type Submitter struct {
	horizon HorizonClient
	funder  Funder
	cfg     Config
	now     func() time.Time
	metrics MetricsRecorder
}

// Option configures a Submitter.
type Option func(*Submitter)

func WithFunder(f Funder) Option            { return func(s *Submitter) { s.funder = f } }
func WithClock(now func() time.Time) Option { return func(s *Submitter) { s.now = now } }
func WithMetrics(m MetricsRecorder) Option  { return func(s *Submitter) { s.metrics = m } }

// New constructs a Submitter. horizon must not be nil.
func New(horizon HorizonClient, cfg Config, opts ...Option) *Submitter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.BaseFeeStroops <= 0 {
		cfg.BaseFeeStroops = txnbuild.MinBaseFee
	}
	s := &Submitter{
		horizon: horizon,
		cfg:     cfg,
		now:     time.Now,
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build implements the build operation: it loads the source account's
// current sequence number from the ledger and constructs the unsigned
// payment transaction. A fresh ephemeral address with no ledger state
// surfaces as a distinct account-not-found error, with an optional
// Friendbot-style auto-fund retry when a Funder is configured.
func (s *Submitter) Build(ctx context.Context, sourceAddress, destination string, amountMinorUnit int64, memo string) (*txnbuild.Transaction, error) {
	if amountMinorUnit <= 0 {
		return nil, custodyerr.New(custodyerr.KindInputInvalid, "amount must be positive")
	}
	state, err := s.loadAccount(ctx, sourceAddress)
	if err != nil {
		s.metrics.RecordBuildAttempt(false)
		return nil, err
	}

	var txMemo txnbuild.Memo
	if memo != "" {
		txMemo = txnbuild.MemoText(memo)
	}

	params := txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: sourceAddress, Sequence: state.Sequence},
		IncrementSequenceNum: true,
		BaseFee:              s.cfg.BaseFeeStroops,
		Memo:                 txMemo,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(s.timeboundsSeconds()),
		},
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: destination,
				Amount:      amount.StringFromInt64(amountMinorUnit),
				Asset:       txnbuild.NativeAsset{},
			},
		},
	}
	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		s.metrics.RecordBuildAttempt(false)
		return nil, custodyerr.Wrap(custodyerr.KindLedgerPermanent, "build transaction", err)
	}
	s.metrics.RecordBuildAttempt(true)
	return tx, nil
}

func (s *Submitter) timeboundsSeconds() int64 {
	if s.cfg.TimeboundsWindow <= 0 {
		return int64((5 * time.Minute).Seconds())
	}
	return int64(s.cfg.TimeboundsWindow.Seconds())
}

func (s *Submitter) loadAccount(ctx context.Context, address string) (AccountState, error) {
	state, err := s.horizon.LoadAccount(ctx, address)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return AccountState{}, custodyerr.Wrap(custodyerr.KindLedgerPermanent, "ledger-account-lookup-failed", err)
	}
	if s.funder == nil {
		return AccountState{}, custodyerr.Wrap(custodyerr.KindLedgerPermanent, "account-not-found", err)
	}
	if fundErr := s.funder.Fund(ctx, address); fundErr != nil {
		return AccountState{}, custodyerr.Wrap(custodyerr.KindLedgerPermanent, "account-not-found", fundErr)
	}
	state, err = s.horizon.LoadAccount(ctx, address)
	if err != nil {
		return AccountState{}, custodyerr.Wrap(custodyerr.KindLedgerPermanent, "account-not-found", err)
	}
	return state, nil
}

// Digest implements the digest operation: the signing base is defined by
// the configured network passphrase, per property P9.
func (s *Submitter) Digest(tx *txnbuild.Transaction) ([32]byte, error) {
	hash, err := tx.Hash(s.cfg.NetworkPassphrase)
	if err != nil {
		return [32]byte{}, custodyerr.Wrap(custodyerr.KindLedgerPermanent, "compute signing digest", err)
	}
	return hash, nil
}

// AttachSignature implements the attach-signature operation, wrapping the
// HSM-produced signature and the ephemeral public key into a decorated
// signature carried by the transaction envelope.
func (s *Submitter) AttachSignature(tx *txnbuild.Transaction, publicKey []byte, signature [64]byte) (*txnbuild.Transaction, error) {
	hint, err := signatureHint(publicKey)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.KindInputInvalid, "derive signature hint", err)
	}
	decorated := xdr.DecoratedSignature{
		Hint:      hint,
		Signature: xdr.Signature(signature[:]),
	}
	signed, err := tx.AddSignatureDecorated(decorated)
	if err != nil {
		return nil, custodyerr.Wrap(custodyerr.KindLedgerPermanent, "attach signature", err)
	}
	return signed, nil
}

func signatureHint(publicKey []byte) (xdr.SignatureHint, error) {
	acc, err := address.FromPublicKey(publicKey)
	if err != nil {
		return xdr.SignatureHint{}, err
	}
	kp, err := keypair.ParseAddress(acc.String())
	if err != nil {
		return xdr.SignatureHint{}, err
	}
	return xdr.SignatureHint(kp.Hint()), nil
}

// Submit implements the submit operation: bounded 3-attempt exponential
// backoff, retrying only errors the client classifies as ledger-transient,
// modelled on services/payoutd/processor.go's confirmation-wait retry
// shape.
func (s *Submitter) Submit(ctx context.Context, tx *txnbuild.Transaction) (string, int64, error) {
	signedXDR, err := tx.Base64()
	if err != nil {
		return "", 0, custodyerr.Wrap(custodyerr.KindLedgerPermanent, "encode signed transaction", err)
	}

	backoff := s.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		result, submitErr := s.horizon.SubmitTransactionXDR(ctx, signedXDR)
		if submitErr == nil {
			s.metrics.RecordSubmitAttempt(true, false)
			return result.Hash, result.Sequence, nil
		}
		retryable := isRetryable(submitErr)
		classified := classifySubmitError(submitErr, retryable)
		lastErr = classified
		s.metrics.RecordSubmitAttempt(false, retryable)
		if !retryable || attempt == s.cfg.MaxAttempts {
			return "", 0, classified
		}
		select {
		case <-ctx.Done():
			return "", 0, custodyerr.Wrap(custodyerr.KindLedgerTransient, "submit cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", 0, lastErr
}

func isRetryable(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}

func classifySubmitError(err error, retryable bool) error {
	if retryable {
		return custodyerr.Wrap(custodyerr.KindLedgerTransient, "ledger-submit-retryable", err)
	}
	return custodyerr.Wrap(custodyerr.KindLedgerPermanent, "ledger-submit-rejected", err)
}

// Execute implements approval.LedgerExecutor: build, digest, request the
// single HSM signature, attach it, and submit. ephemeralPublicKeyHint is
// already known from the ephemeral key's allocation (derive-key),
// letting the source account be built without first calling sign; the
// signing function's returned public key confirms it independently.
//
// Once the signing-base digest is computed, its hex encoding is returned
// even when a later step fails: Stellar's transaction hash excludes the
// signature, so it is known before the HSM is ever asked to sign, and the
// approval engine's reconciliation path (spec §5) needs exactly this value
// to ask the ledger whether a lost-response timeout actually went through.
func (s *Submitter) Execute(ctx context.Context, intent approval.Intent, ephemeralPublicKeyHint []byte, sign approval.SigningFunc) (string, int64, error) {
	if len(ephemeralPublicKeyHint) == 0 {
		return "", 0, custodyerr.New(custodyerr.KindInputInvalid, "ephemeral public key required")
	}
	sourceAccount, err := address.FromPublicKey(ephemeralPublicKeyHint)
	if err != nil {
		return "", 0, custodyerr.Wrap(custodyerr.KindInputInvalid, "encode source address", err)
	}

	tx, err := s.Build(ctx, sourceAccount.String(), intent.Destination, intent.AmountMinorUnit, intent.Memo)
	if err != nil {
		return "", 0, err
	}
	digest, err := s.Digest(tx)
	if err != nil {
		return "", 0, err
	}
	ledgerHash := hex.EncodeToString(digest[:])

	sig, pub, err := sign(ctx, digest)
	if err != nil {
		return ledgerHash, 0, err
	}
	if len(pub) == 0 {
		pub = ephemeralPublicKeyHint
	}
	signedTx, err := s.AttachSignature(tx, pub, sig)
	if err != nil {
		return ledgerHash, 0, err
	}
	hash, seq, err := s.Submit(ctx, signedTx)
	if err != nil {
		return ledgerHash, 0, err
	}
	return hash, seq, nil
}

// Reconcile implements the lost-response reconciliation lookup named in
// spec §5 and end-to-end scenario 6: after an HSM sign or ledger submit
// times out, it asks the ledger whether a transaction with the precomputed
// signing hash was actually applied, so the engine can decide success vs
// failed instead of assuming the worst on every timeout.
func (s *Submitter) Reconcile(ctx context.Context, ledgerHash string) (bool, error) {
	found, err := s.horizon.TransactionByHash(ctx, ledgerHash)
	if err != nil {
		return false, custodyerr.Wrap(custodyerr.KindLedgerTransient, "reconcile-lookup-failed", err)
	}
	return found, nil
}

var _ approval.LedgerExecutor = (*Submitter)(nil)
