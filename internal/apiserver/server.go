// Package apiserver exposes the custody core's HTTP surface: approver-facing
// intent/approval endpoints and operator-facing partition/wallet/sweep
// endpoints, routed with chi the way services/otc-gateway/server/server.go
// groups protected routes under role-checked middleware.
package apiserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"custodycore/internal/approval"
	"custodycore/internal/custodyerr"
	"custodycore/internal/ephemeral"
	"custodycore/internal/keyregistry"
	"custodycore/internal/secretseal"
	"custodycore/internal/totp"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB           *gorm.DB
	Registry     *keyregistry.Registry
	Ephemeral    *ephemeral.Manager
	Engine       *approval.Engine
	Auth         *totp.Authenticator
	Sealer       *secretseal.Sealer
	OperatorAuth *Authenticator
	ApproverAuth *Authenticator
	Now          func() time.Time
	Logger       *slog.Logger
}

// Server is the custody core's HTTP API.
type Server struct {
	db        *gorm.DB
	registry  *keyregistry.Registry
	ephemeral *ephemeral.Manager
	engine    *approval.Engine
	auth      *totp.Authenticator
	sealer    *secretseal.Sealer
	opAuth    *Authenticator
	apprAuth  *Authenticator
	now       func() time.Time
	logger    *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	s := &Server{
		db:        cfg.DB,
		registry:  cfg.Registry,
		ephemeral: cfg.Ephemeral,
		engine:    cfg.Engine,
		auth:      cfg.Auth,
		sealer:    cfg.Sealer,
		opAuth:    cfg.OperatorAuth,
		apprAuth:  cfg.ApproverAuth,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(approvers chi.Router) {
			approvers.Use(s.apprAuth.Middleware)
			approvers.Post("/intents", s.handleCreateIntent)
			approvers.Get("/intents/{id}", s.handleGetIntent)
			approvers.Post("/intents/{id}/approvals", s.handleSubmitApproval)
		})
	})

	r.Route("/ops", func(ops chi.Router) {
		ops.Use(s.opAuth.Middleware)
		ops.Post("/partitions", s.handleCreatePartition)
		ops.Post("/wallets", s.handleProvisionWallet)
		ops.Post("/sweep", s.handleSweep)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type createIntentRequest struct {
	PartitionID     uuid.UUID `json:"partitionId"`
	WalletID        uuid.UUID `json:"walletId"`
	CreatedByID     string    `json:"createdById"`
	Destination     string    `json:"destination"`
	AmountMinorUnit int64     `json:"amountMinorUnit"`
	Memo            string    `json:"memo"`
}

type createIntentResponse struct {
	IntentID      uuid.UUID `json:"intentId"`
	State         string    `json:"state"`
	Tier          string    `json:"tier"`
	DisplayDigest string    `json:"displayDigest,omitempty"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wallet, walletKey, err := s.registry.WalletByID(r.Context(), req.WalletID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown wallet")
		return
	}

	intent, challenge, err := s.engine.CreateIntent(r.Context(), approval.CreateIntentParams{
		PartitionID:     req.PartitionID,
		WalletID:        wallet.ID,
		WalletClass:     approval.WalletClass(wallet.Class),
		WalletKey:       walletKey,
		CreatedByID:     req.CreatedByID,
		Destination:     req.Destination,
		AmountMinorUnit: req.AmountMinorUnit,
		Memo:            req.Memo,
	})
	if err != nil {
		s.writeCustodyError(r, w, err)
		return
	}

	resp := createIntentResponse{IntentID: intent.ID, State: string(intent.State), Tier: string(intent.Tier)}
	if challenge != nil {
		resp.DisplayDigest = challenge.DisplayDigest
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid intent id")
		return
	}
	var intent approval.Intent
	if err := s.db.WithContext(r.Context()).First(&intent, "id = ?", id).Error; err != nil {
		writeError(w, http.StatusNotFound, "intent not found")
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type submitApprovalRequest struct {
	ApproverExternalID string `json:"approverExternalId"`
	Response           string `json:"response"`
}

func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid intent id")
		return
	}
	var req submitApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var approver approval.Approver
	if err := s.db.WithContext(r.Context()).First(&approver, "external_id = ?", req.ApproverExternalID).Error; err != nil {
		writeError(w, http.StatusNotFound, "unknown approver")
		return
	}
	seedBytes, err := s.sealer.Open(approver.EncryptedTOTPSeed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "seed unavailable")
		return
	}

	intent, err := s.engine.SubmitApproval(r.Context(), approval.SubmitApprovalParams{
		IntentID:   id,
		Approver:   approver,
		TOTPSecret: totp.Secret(seedBytes),
		Response:   req.Response,
	})
	if err != nil {
		s.writeCustodyError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type createPartitionRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreatePartition(w http.ResponseWriter, r *http.Request) {
	var req createPartitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	partition, err := s.registry.CreatePartition(r.Context(), req.Name)
	if err != nil {
		s.writeCustodyError(r, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, partition)
}

type provisionWalletRequest struct {
	PartitionID uuid.UUID `json:"partitionId"`
	Class       string    `json:"class"`
	PathSuffix  string    `json:"pathSuffix"`
	Name        string    `json:"name"`
}

func (s *Server) handleProvisionWallet(w http.ResponseWriter, r *http.Request) {
	var req provisionWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wallet, err := s.registry.ProvisionWallet(r.Context(), req.PartitionID, keyregistry.WalletClass(req.Class), req.PathSuffix, req.Name)
	if err != nil {
		s.writeCustodyError(r, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

type sweepResponse struct {
	EphemeralExpired int `json:"ephemeralExpired"`
	IntentsCancelled int `json:"intentsCancelled"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	expired, err := s.ephemeral.ExpireSweep(r.Context())
	if err != nil {
		s.writeCustodyError(r, w, err)
		return
	}
	cancelled, err := s.engine.CancelExpired(r.Context())
	if err != nil {
		s.writeCustodyError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{EphemeralExpired: expired, IntentsCancelled: cancelled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// opaqueCodeByKind maps a custodyerr.Kind to the fixed code surfaced to HTTP
// callers. Only input-invalid carries its raw reason to the client; every
// other kind is normalized here so policy/HSM/authn internals never leak
// over the wire, with the real reason logged server-side instead.
var opaqueCodeByKind = map[custodyerr.Kind]string{
	custodyerr.KindAuthnFailed:         "authentication-failed",
	custodyerr.KindPolicyDenied:        "request-denied",
	custodyerr.KindHSMDenied:           "request-denied",
	custodyerr.KindHSMUnavailable:      "service-unavailable",
	custodyerr.KindLedgerTransient:     "service-unavailable",
	custodyerr.KindLedgerPermanent:     "upstream-error",
	custodyerr.KindConcurrencyConflict: "conflict",
}

func statusForKind(kind custodyerr.Kind) int {
	switch kind {
	case custodyerr.KindInputInvalid:
		return http.StatusBadRequest
	case custodyerr.KindAuthnFailed:
		return http.StatusUnauthorized
	case custodyerr.KindPolicyDenied, custodyerr.KindHSMDenied:
		return http.StatusForbidden
	case custodyerr.KindLedgerTransient, custodyerr.KindHSMUnavailable:
		return http.StatusServiceUnavailable
	case custodyerr.KindLedgerPermanent:
		return http.StatusBadGateway
	case custodyerr.KindConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeCustodyError(r *http.Request, w http.ResponseWriter, err error) {
	var cerr *custodyerr.Error
	if !errors.As(err, &cerr) {
		s.logger.ErrorContext(r.Context(), "unclassified error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal-error")
		return
	}

	status := statusForKind(cerr.Kind)
	if cerr.Kind == custodyerr.KindInputInvalid {
		writeError(w, status, cerr.Reason)
		return
	}

	s.logger.WarnContext(r.Context(), "request denied",
		"kind", string(cerr.Kind), "reason", cerr.Reason, "path", r.URL.Path)

	code, ok := opaqueCodeByKind[cerr.Kind]
	if !ok {
		code = "internal-error"
	}
	writeError(w, status, code)
}
