package approval

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"custodycore/internal/custodyerr"
	"custodycore/internal/ephemeral"
	"custodycore/internal/events"
	"custodycore/internal/hsmgateway"
	"custodycore/internal/keyregistry"
	"custodycore/internal/notify"
	"custodycore/internal/totp"
)

// LedgerExecutor is the Approval Engine's view of the Ledger Submitter
// (component E): everything needed to build, sign, and submit the outgoing
// payment once the threshold is reached. Kept as a narrow interface here so
// this package has no import-time dependency on internal/ledgersubmit,
// matching the teacher's practice of depending on small locally-defined
// interfaces (e.g. services/payoutd/attest.go's NonceSource/TxClient)
// instead of concrete downstream packages.
type LedgerExecutor interface {
	Execute(ctx context.Context, intent Intent, ephemeralPublicKeyHint []byte, sign SigningFunc) (ledgerHash string, ledgerSequence int64, err error)

	// Reconcile asks the ledger whether a transaction with ledgerHash (the
	// signing-base hash Execute computes before ever calling sign) was
	// actually applied. It is the engine's lost-response reconciliation
	// lookup for an HSM or ledger timeout, per spec §5 / scenario 6.
	Reconcile(ctx context.Context, ledgerHash string) (found bool, err error)
}

// SigningFunc is handed to the LedgerExecutor so it can request exactly one
// signature over the digest it computes, without the Approval Engine
// exposing the ephemeral key manager or HSM gateway directly.
type SigningFunc func(ctx context.Context, digest [32]byte) (sig [64]byte, pub []byte, err error)

// Engine is the Approval Engine. It owns the Intent state machine end to
// end: creation, tier selection, challenge issuance, approval validation,
// atomic threshold transition, and handing off to the Ledger Submitter.
type Engine struct {
	db       *gorm.DB
	registry *keyregistry.Registry
	eph      *ephemeral.Manager
	hsm      hsmgateway.Gateway
	auth     *totp.Authenticator
	ledger   LedgerExecutor
	emitter  events.Emitter
	policy   Policy
	notifier notify.Notifier

	challengeTTL         time.Duration
	now                  func() time.Time
	approvalBaseURL      string
	maxInflightPerTenant int
}

// Option configures an Engine.
type Option func(*Engine)

func WithPolicy(p Policy) Option              { return func(e *Engine) { e.policy = p } }
func WithChallengeTTL(d time.Duration) Option { return func(e *Engine) { e.challengeTTL = d } }
func WithClock(now func() time.Time) Option   { return func(e *Engine) { e.now = now } }
func WithEmitter(em events.Emitter) Option    { return func(e *Engine) { e.emitter = em } }

// WithMaxInflightPerTenant caps the number of intents a single partition may
// have outstanding (any state other than success/failed/cancelled) at once,
// per spec §5's backpressure requirement. Zero (the default) disables the
// cap.
func WithMaxInflightPerTenant(n int) Option {
	return func(e *Engine) { e.maxInflightPerTenant = n }
}

// WithNotifier wires the outbound notify-approver channel. Unset, the
// engine defaults to notify.NoopNotifier{}: challenges are still issued and
// recorded, approvers simply have to be told some other way.
func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithApprovalBaseURL sets the base URL used to build each notification's
// approval-url, e.g. "https://approve.example.internal/intents".
func WithApprovalBaseURL(base string) Option {
	return func(e *Engine) { e.approvalBaseURL = base }
}

// New constructs an Engine. db must already have AutoMigrate applied for
// both this package and internal/ephemeral, internal/keyregistry.
func New(db *gorm.DB, registry *keyregistry.Registry, eph *ephemeral.Manager, hsm hsmgateway.Gateway, auth *totp.Authenticator, ledger LedgerExecutor, opts ...Option) *Engine {
	e := &Engine{
		db:           db,
		registry:     registry,
		eph:          eph,
		hsm:          hsm,
		auth:         auth,
		ledger:       ledger,
		emitter:      events.NoopEmitter{},
		policy:       DefaultPolicy(),
		notifier:     notify.NoopNotifier{},
		challengeTTL: 5 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateIntentParams is the caller-supplied payload for a new payment.
type CreateIntentParams struct {
	PartitionID uuid.UUID
	WalletID    uuid.UUID
	WalletClass WalletClass
	WalletKey   keyregistry.Key
	CreatedByID string
	Destination string
	AmountMinorUnit int64
	Memo        string
}

const maxMemoLen = 28

// CreateIntent validates the boundary, selects the tier, allocates an
// ephemeral key, issues a Challenge for HIGH_VALUE and CRITICAL, and enters
// awaiting_approval. Every tier's Threshold() is at least 2, so there is no
// path that skips approval and goes straight to executing.
func (e *Engine) CreateIntent(ctx context.Context, p CreateIntentParams) (Intent, *Challenge, error) {
	if len(p.Destination) == 0 {
		return Intent{}, nil, custodyerr.New(custodyerr.KindInputInvalid, "destination required")
	}
	if p.AmountMinorUnit <= 0 {
		return Intent{}, nil, custodyerr.New(custodyerr.KindInputInvalid, "amount must be positive")
	}
	if len(p.Memo) > maxMemoLen {
		return Intent{}, nil, custodyerr.New(custodyerr.KindInputInvalid, "memo too long")
	}
	if e.maxInflightPerTenant > 0 {
		var inflight int64
		err := e.db.WithContext(ctx).Model(&Intent{}).
			Where("partition_id = ? AND state NOT IN ?", p.PartitionID,
				[]State{StateSuccess, StateFailed, StateCancelled}).
			Count(&inflight).Error
		if err != nil {
			return Intent{}, nil, custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "count inflight intents", err)
		}
		if inflight >= int64(e.maxInflightPerTenant) {
			return Intent{}, nil, custodyerr.New(custodyerr.KindPolicyDenied, "busy")
		}
	}

	tier := e.policy.SelectTier(p.AmountMinorUnit, p.WalletClass)
	now := e.now()
	intent := Intent{
		ID:              uuid.New(),
		PartitionID:     p.PartitionID,
		WalletID:        p.WalletID,
		WalletClass:     p.WalletClass,
		CreatedByID:     p.CreatedByID,
		Destination:     p.Destination,
		AmountMinorUnit: p.AmountMinorUnit,
		Memo:            p.Memo,
		Tier:            tier,
		State:           StatePending,
		Deadline:        now.Add(2 * e.challengeTTL),
	}

	if err := e.db.WithContext(ctx).Create(&intent).Error; err != nil {
		return Intent{}, nil, custodyerr.Wrap(custodyerr.KindInputInvalid, "persist intent", err)
	}

	ephKey, err := e.eph.Allocate(ctx, intent.ID, keyregistry.Wallet{ID: p.WalletID}, p.WalletKey)
	if err != nil {
		e.fail(ctx, intent.ID, "ephemeral-allocate-failed")
		return Intent{}, nil, err
	}

	var challenge *Challenge
	if tier.RequiresChallenge() {
		c, err := e.issueChallenge(ctx, intent)
		if err != nil {
			e.fail(ctx, intent.ID, "challenge-issue-failed")
			return Intent{}, nil, err
		}
		challenge = &c
	}

	if err := e.db.WithContext(ctx).Model(&Intent{}).
		Where("id = ? AND state = ?", intent.ID, StatePending).
		Updates(map[string]any{"state": StateAwaitingApproval, "ephemeral_key_id": ephKey.ID}).Error; err != nil {
		return Intent{}, nil, custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "transition to awaiting_approval", err)
	}
	intent.State = StateAwaitingApproval
	intent.EphemeralKeyID = &ephKey.ID
	if challenge != nil {
		e.notifyApprovers(ctx, intent, *challenge)
	}
	return intent, challenge, nil
}

// notifyApprovers fires the notify-approver call for every active approver
// in the intent's partition other than its creator. The engine never waits
// for delivery confirmation and a failed notification never blocks or fails
// the intent: each call runs on its own goroutine, detached from ctx's
// cancellation, and its error is discarded.
func (e *Engine) notifyApprovers(ctx context.Context, intent Intent, challenge Challenge) {
	var approvers []Approver
	if err := e.db.WithContext(ctx).
		Where("partition_id = ? AND active = ? AND external_id <> ?", intent.PartitionID, true, intent.CreatedByID).
		Find(&approvers).Error; err != nil {
		return
	}
	approvalURL := fmt.Sprintf("%s/%s", e.approvalBaseURL, intent.ID.String())
	notifyCtx := context.WithoutCancel(ctx)
	for _, approver := range approvers {
		contact := notify.Contact{
			ApproverID: approver.ExternalID,
			WebhookURL: approver.WebhookURL,
			Secret:     approver.WebhookSecret,
		}
		go func() {
			_ = e.notifier.NotifyApprover(notifyCtx, contact, intent.ID, intent.AmountMinorUnit, intent.Destination, challenge.DisplayDigest, approvalURL)
		}()
	}
}

func (e *Engine) issueChallenge(ctx context.Context, intent Intent) (Challenge, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, custodyerr.Wrap(custodyerr.KindInputInvalid, "generate challenge nonce", err)
	}
	now := e.now()
	material := challengeMaterial(intent, now, nonce)
	sum := sha256.Sum256(material)
	digest := base32.StdEncoding.EncodeToString(sum[:8])
	if len(digest) > 16 {
		digest = digest[:16]
	}

	c := Challenge{
		ID:            uuid.New(),
		IntentID:      intent.ID,
		DisplayDigest: digest,
		Nonce:         nonce,
		ExpiresAt:     now.Add(e.challengeTTL),
	}
	if err := e.db.WithContext(ctx).Create(&c).Error; err != nil {
		return Challenge{}, custodyerr.Wrap(custodyerr.KindInputInvalid, "persist challenge", err)
	}
	return c, nil
}

// challengeMaterial builds spec §4.D.3's material: intent id ‖ amount ‖
// destination ‖ source wallet id ‖ timestamp ‖ 128-bit nonce.
func challengeMaterial(intent Intent, at time.Time, nonce []byte) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, intent.ID[:]...)
	var amountBytes [8]byte
	binary.BigEndian.PutUint64(amountBytes[:], uint64(intent.AmountMinorUnit))
	buf = append(buf, amountBytes[:]...)
	buf = append(buf, []byte(intent.Destination)...)
	buf = append(buf, intent.WalletID[:]...)
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(at.Unix()))
	buf = append(buf, tsBytes[:]...)
	buf = append(buf, nonce...)
	return buf
}

// SubmitApprovalParams is one approver's attempt to endorse an intent.
type SubmitApprovalParams struct {
	IntentID   uuid.UUID
	Approver   Approver
	TOTPSecret totp.Secret
	Response   string
}

// SubmitApproval implements spec §4.D.3's validation sequence and §4.D.2's
// atomic threshold transition. It returns the intent's post-call state; the
// caller cannot distinguish "this call reached the threshold" from "another
// concurrent call did" except by checking State == StateExecuting/Success
// after the fact, which is the intended property P4 (threshold-atomicity):
// exactly one caller's transaction commits the N-th approval.
func (e *Engine) SubmitApproval(ctx context.Context, p SubmitApprovalParams) (Intent, error) {
	var intent Intent
	if err := e.db.WithContext(ctx).First(&intent, "id = ?", p.IntentID).Error; err != nil {
		return Intent{}, custodyerr.New(custodyerr.KindInputInvalid, "unknown-intent")
	}
	if intent.State != StateAwaitingApproval {
		return intent, custodyerr.New(custodyerr.KindPolicyDenied, "intent-not-awaiting-approval")
	}
	if intent.CreatedByID == p.Approver.ExternalID {
		e.emit(ctx, events.KindPolicyDenied, intent.ID, p.Approver.ExternalID, "maker-checker-violation")
		return intent, custodyerr.New(custodyerr.KindPolicyDenied, "maker-checker-violation")
	}
	if !p.Approver.Active {
		e.emit(ctx, events.KindPolicyDenied, intent.ID, p.Approver.ExternalID, "approver-inactive")
		return intent, custodyerr.New(custodyerr.KindPolicyDenied, "approver-inactive")
	}
	if e.policy.DailyApproverLimitMinorUnit > 0 {
		var limit DailyApproverLimit
		bucket := dayBucket(e.now())
		err := e.db.WithContext(ctx).
			Where("approver_id = ? AND day_bucket = ?", p.Approver.ID, bucket).
			First(&limit).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return intent, custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "load daily limit", err)
		}
		if limit.ApprovedMinorUnit+intent.AmountMinorUnit > e.policy.DailyApproverLimitMinorUnit {
			e.emit(ctx, events.KindPolicyDenied, intent.ID, p.Approver.ExternalID, "approver-over-daily-limit")
			return intent, custodyerr.New(custodyerr.KindPolicyDenied, "approver-over-daily-limit")
		}
	}

	var existing Approval
	err := e.db.WithContext(ctx).
		Where("intent_id = ? AND approver_id = ?", intent.ID, p.Approver.ExternalID).
		First(&existing).Error
	if err == nil {
		e.emit(ctx, events.KindPolicyDenied, intent.ID, p.Approver.ExternalID, "duplicate-approval")
		return intent, custodyerr.New(custodyerr.KindPolicyDenied, "duplicate-approval")
	}

	method := "fallback-otp"
	if intent.Tier.RequiresChallenge() {
		var challenge Challenge
		if err := e.db.WithContext(ctx).First(&challenge, "intent_id = ?", intent.ID).Error; err != nil {
			return intent, custodyerr.New(custodyerr.KindAuthnFailed, "no-active-challenge")
		}
		if e.now().After(challenge.ExpiresAt) {
			return intent, custodyerr.New(custodyerr.KindAuthnFailed, "challenge-expired")
		}
		method = "challenge-response"
		subject := challenge.ID.String()
		if err := e.auth.ValidateChallengeResponse(ctx, subject, p.Approver.ExternalID, p.TOTPSecret, p.Response); err != nil {
			e.emit(ctx, events.KindAuthnFailed, intent.ID, p.Approver.ExternalID, "challenge-response-invalid")
			return intent, err
		}
	} else {
		if err := e.auth.Validate(ctx, p.Approver.ExternalID, p.TOTPSecret, p.Response); err != nil {
			e.emit(ctx, events.KindAuthnFailed, intent.ID, p.Approver.ExternalID, "fallback-otp-invalid")
			return intent, err
		}
	}

	// Per spec §4.D.3 step 5, a valid response immediately requests an
	// authorize-release against the ephemeral key, and the release-id is
	// carried on the Approval record. Only one of these (the Nth) is ever
	// spent at execution time, but every approval consumes a one-time code,
	// so every approval gets its own release-id.
	if intent.EphemeralKeyID == nil {
		return intent, custodyerr.New(custodyerr.KindConcurrencyConflict, "intent has no ephemeral key")
	}
	var ephKey ephemeral.Key
	if err := e.db.WithContext(ctx).First(&ephKey, "id = ?", *intent.EphemeralKeyID).Error; err != nil {
		return intent, custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "load ephemeral key", err)
	}
	releaseID, _, err := e.hsm.AuthorizeRelease(ctx, intent.PartitionID.String(), hsmgateway.KeyID(ephKey.KeyID), p.Approver.ExternalID, p.Response, "sign")
	if err != nil {
		e.emit(ctx, events.KindHSMDenied, intent.ID, p.Approver.ExternalID, "authorize-release-failed")
		return intent, err
	}

	var sequenceNo int64
	threshold := intent.Tier.Threshold()
	result := intent
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Approval{}).Where("intent_id = ?", intent.ID).Count(&count).Error; err != nil {
			return err
		}
		sequenceNo = count + 1
		approval := Approval{
			ID:         uuid.New(),
			IntentID:   intent.ID,
			ApproverID: p.Approver.ExternalID,
			Method:     method,
			Response:   p.Response,
			ReleaseID:  string(releaseID),
			SequenceNo: int(sequenceNo),
		}
		if err := tx.Create(&approval).Error; err != nil {
			return custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "persist approval", err)
		}

		if e.policy.DailyApproverLimitMinorUnit > 0 {
			bucket := dayBucket(e.now())
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "approver_id"}, {Name: "day_bucket"}},
				DoUpdates: clause.Assignments(map[string]any{
					"approved_minor_unit": gorm.Expr("approval_daily_limits.approved_minor_unit + ?", intent.AmountMinorUnit),
				}),
			}).Create(&DailyApproverLimit{
				ApproverID:        p.Approver.ID,
				DayBucket:         bucket,
				ApprovedMinorUnit: intent.AmountMinorUnit,
			}).Error
			if err != nil {
				return custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "update daily limit", err)
			}
		}

		newCount := int(sequenceNo)
		if newCount < threshold {
			res := tx.Model(&Intent{}).
				Where("id = ? AND state = ? AND valid_approvals = ?", intent.ID, StateAwaitingApproval, newCount-1).
				Updates(map[string]any{"valid_approvals": newCount})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return custodyerr.New(custodyerr.KindConcurrencyConflict, "retry")
			}
			result.ValidApprovals = newCount
			return nil
		}

		// The N-th valid approval: atomic awaiting_approval -> approved ->
		// executing, guarded by the conditional update naming the expected
		// prior count (property P4).
		res := tx.Model(&Intent{}).
			Where("id = ? AND state = ? AND valid_approvals = ?", intent.ID, StateAwaitingApproval, newCount-1).
			Updates(map[string]any{"valid_approvals": newCount, "state": StateExecuting})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another caller already won the race; this caller's approval
			// still recorded above, but it does not trigger execution.
			return nil
		}
		result.ValidApprovals = newCount
		result.State = StateExecuting
		return nil
	})
	if txErr != nil {
		return intent, txErr
	}

	if result.State == StateExecuting {
		e.execute(ctx, result)
	}
	return result, nil
}

// execute hands the intent to the Ledger Submitter once the threshold is
// reached, per spec §4.D.4: only one release-id is needed, because it is
// the ephemeral key — not the approvers — that signs the outgoing payment.
func (e *Engine) execute(ctx context.Context, intent Intent) {
	if intent.EphemeralKeyID == nil {
		e.fail(ctx, intent.ID, "no-ephemeral-key")
		return
	}
	ephID := *intent.EphemeralKeyID

	var ephKeyRow ephemeral.Key
	if err := e.db.WithContext(ctx).First(&ephKeyRow, "id = ?", ephID).Error; err != nil {
		e.fail(ctx, intent.ID, "ephemeral-key-not-found")
		return
	}

	var lastApproval Approval
	if err := e.db.WithContext(ctx).
		Where("intent_id = ?", intent.ID).
		Order("sequence_no DESC").
		First(&lastApproval).Error; err != nil {
		e.fail(ctx, intent.ID, "no-approval-for-release")
		return
	}

	release := hsmgateway.ReleaseID(lastApproval.ReleaseID)
	sign := func(signCtx context.Context, digest [32]byte) ([64]byte, []byte, error) {
		sig, pub, err := e.eph.SignForIntent(signCtx, ephID, release, digest)
		return sig, pub, err
	}

	hash, seq, err := e.ledger.Execute(ctx, intent, ephKeyRow.PublicKey, sign)
	if err != nil {
		if isReconcilable(err) && hash != "" {
			e.reconcile(ctx, intent, ephKeyRow, hash)
			return
		}
		e.fail(ctx, intent.ID, fmt.Sprintf("ledger-execute-failed: %v", err))
		return
	}

	e.db.WithContext(ctx).Model(&Intent{}).
		Where("id = ? AND state = ?", intent.ID, StateExecuting).
		Updates(map[string]any{"state": StateSuccess, "ledger_hash": hash, "ledger_sequence": seq})
	e.emit(ctx, events.KindIntentTransitioned, intent.ID, "", "success")
}

// isReconcilable reports whether err is the kind of HSM/ledger timeout spec
// §5 says must be treated as failed-unknown and reconciled, rather than
// assumed to be an outright failure: a context deadline, or an error the
// HSM gateway / ledger submitter themselves classified as transient after
// exhausting their own retries.
func isReconcilable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	kind, ok := custodyerr.KindOf(err)
	if !ok {
		return false
	}
	return kind == custodyerr.KindLedgerTransient || kind == custodyerr.KindHSMUnavailable
}

// reconcile implements spec §5's lost-response path (end-to-end scenario
// 6): after an HSM sign or ledger submit times out, it consults the HSM's
// view of the ephemeral key and asks the Ledger Submitter whether the
// precomputed transaction hash was actually applied. If the ledger shows
// the hash, the intent is success after all; otherwise it fails and its
// ephemeral key is forcibly destroyed, exactly as a direct failure would.
func (e *Engine) reconcile(ctx context.Context, intent Intent, ephKeyRow ephemeral.Key, ledgerHash string) {
	destroyed, _ := e.hsm.IsDestroyed(ctx, hsmgateway.KeyID(ephKeyRow.KeyID))
	found, err := e.ledger.Reconcile(ctx, ledgerHash)
	if err == nil && found {
		e.db.WithContext(ctx).Model(&Intent{}).
			Where("id = ? AND state = ?", intent.ID, StateExecuting).
			Updates(map[string]any{"state": StateSuccess, "ledger_hash": ledgerHash})
		e.emit(ctx, events.KindIntentTransitioned, intent.ID, "", "success-reconciled")
		return
	}
	reason := "reconciled-not-found"
	if destroyed {
		reason = "reconciled-not-found-key-destroyed"
	}
	e.fail(ctx, intent.ID, reason)
}

// fail transitions an intent to failed from any non-terminal state,
// forcibly destroying its ephemeral key, per spec §4.D.2: "Any state →
// failed on unrecoverable error; the ephemeral key is forcibly destroyed."
// An intent already in success, failed or cancelled is left unchanged.
func (e *Engine) fail(ctx context.Context, intentID uuid.UUID, reason string) {
	var intent Intent
	if err := e.db.WithContext(ctx).First(&intent, "id = ?", intentID).Error; err != nil {
		return
	}
	if intent.State == StateSuccess || intent.State == StateFailed || intent.State == StateCancelled {
		return
	}
	if intent.EphemeralKeyID != nil {
		var ephKey ephemeral.Key
		if err := e.db.WithContext(ctx).First(&ephKey, "id = ?", *intent.EphemeralKeyID).Error; err == nil {
			_ = e.hsm.Destroy(ctx, hsmgateway.KeyID(ephKey.KeyID), reason)
			e.db.WithContext(ctx).Model(&ephemeral.Key{}).
				Where("id = ?", ephKey.ID).
				Update("state", ephemeral.StateDestroyed)
		}
	}
	e.db.WithContext(ctx).Model(&Intent{}).
		Where("id = ?", intentID).
		Updates(map[string]any{"state": StateFailed, "failure_reason": reason})
	e.emit(ctx, events.KindIntentTransitioned, intentID, "", "failed:"+reason)
}

// CancelExpired implements the deadline sweep: any intent past its deadline
// still awaiting approval transitions to cancelled and its ephemeral key is
// destroyed, per spec §4.D.2 / §5.
func (e *Engine) CancelExpired(ctx context.Context) (int, error) {
	now := e.now()
	var candidates []Intent
	if err := e.db.WithContext(ctx).
		Where("state = ? AND deadline < ?", StateAwaitingApproval, now).
		Find(&candidates).Error; err != nil {
		return 0, custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "scan expired intents", err)
	}
	cancelled := 0
	for _, intent := range candidates {
		res := e.db.WithContext(ctx).Model(&Intent{}).
			Where("id = ? AND state = ?", intent.ID, StateAwaitingApproval).
			Update("state", StateCancelled)
		if res.Error != nil || res.RowsAffected == 0 {
			continue
		}
		if intent.EphemeralKeyID != nil {
			var ephKey ephemeral.Key
			if err := e.db.WithContext(ctx).First(&ephKey, "id = ?", *intent.EphemeralKeyID).Error; err == nil {
				_ = e.hsm.Destroy(ctx, hsmgateway.KeyID(ephKey.KeyID), "deadline-expired")
				e.db.WithContext(ctx).Model(&ephemeral.Key{}).
					Where("id = ?", ephKey.ID).
					Update("state", ephemeral.StateExpired)
			}
		}
		cancelled++
		e.emit(ctx, events.KindIntentTransitioned, intent.ID, "", "cancelled")
	}
	return cancelled, nil
}

func (e *Engine) emit(ctx context.Context, kind events.Kind, intentID uuid.UUID, approverID, reason string) {
	e.emitter.Emit(ctx, events.Event{
		ID:         uuid.New(),
		Kind:       kind,
		IntentID:   intentID.String(),
		ApproverID: approverID,
		Reason:     reason,
		OccurredAt: e.now(),
	})
}
