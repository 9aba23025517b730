// Package httpserver exposes the credit ledger over HTTP for collaborators
// that do not link the Go packages directly.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/meterline/creditledger/pkg/credits"
	"github.com/meterline/creditledger/pkg/gate"
	"go.uber.org/zap"
)

// Config carries the HTTP facade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	SigningKey     string
	Issuer         string
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 10 * time.Second

var errInvalidQuery = errors.New("invalid query parameter")

// Run serves the facade until ctx is cancelled.
func Run(ctx context.Context, cfg Config, creditGate *gate.Gate, logger *zap.Logger) error {
	if creditGate == nil {
		return fmt.Errorf("%w: gate is nil", credits.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	handler := &httpHandler{
		logger: logger,
		gate:   creditGate,
		cfg:    cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Origin", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/v1")
	if cfg.SigningKey != "" {
		api.Use(bearerAuth([]byte(cfg.SigningKey), cfg.Issuer))
	}

	api.POST("/reservations", handler.handleReserve)
	api.POST("/reservations/:id/commit", handler.handleCommit)
	api.POST("/reservations/:id/release", handler.handleRelease)
	api.POST("/grants", handler.handleGrant)
	api.GET("/accounts/:id/balance", handler.handleBalance)
	api.GET("/accounts/:id/transactions", handler.handleTransactions)
	api.GET("/accounts/:id/summary", handler.handleSummary)

	return router
}

type httpHandler struct {
	logger *zap.Logger
	gate   *gate.Gate
	cfg    Config
}

type reserveRequest struct {
	AccountID      string `json:"account_id"`
	Endpoint       string `json:"endpoint"`
	Tier           string `json:"tier"`
	IdempotencyKey string `json:"idempotency_key"`
}

type holdActionRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type grantRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Source    string `json:"source"`
	Reference string `json:"reference"`
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := credits.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	key, err := credits.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	decision, err := handler.gate.CheckAndReserve(requestCtx, accountID, request.Endpoint, request.Tier, key)
	if errors.Is(err, credits.ErrInsufficientCredits) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"granted": false,
			"cost":    decision.Cost.Int64(),
			"error":   gin.H{"code": "insufficient_credits", "message": "not enough available credits"},
		})
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"granted": decision.Granted,
		"hold_id": decision.HoldID,
		"cost":    decision.Cost.Int64(),
	})
}

func (handler *httpHandler) handleCommit(ctx *gin.Context) {
	holdID, key, ok := handler.bindHoldAction(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transaction, err := handler.gate.CommitHold(requestCtx, holdID, key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (handler *httpHandler) handleRelease(ctx *gin.Context) {
	holdID, key, ok := handler.bindHoldAction(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	if err := handler.gate.ReleaseHold(requestCtx, holdID, key); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "released"})
}

func (handler *httpHandler) bindHoldAction(ctx *gin.Context) (credits.HoldID, credits.IdempotencyKey, bool) {
	holdID, err := credits.NewHoldID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return credits.HoldID{}, credits.IdempotencyKey{}, false
	}
	var request holdActionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return credits.HoldID{}, credits.IdempotencyKey{}, false
	}
	key, err := credits.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return credits.HoldID{}, credits.IdempotencyKey{}, false
	}
	return holdID, key, true
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := credits.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := credits.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if strings.TrimSpace(request.Source) == "" || strings.TrimSpace(request.Reference) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "source and reference are required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.gate.GrantCredits(requestCtx, accountID, amount, request.Source, request.Reference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(balance)})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, err := credits.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.gate.GetBalance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(balance)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	accountID, err := credits.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	filter, err := transactionFilterFromQuery(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transactions, err := handler.gate.ListTransactions(requestCtx, accountID, filter)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayloadFrom(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

func (handler *httpHandler) handleSummary(ctx *gin.Context) {
	accountID, err := credits.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	start, err := queryInt64(ctx, "start", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "start must be a unix timestamp"))
		return
	}
	end, err := queryInt64(ctx, "end", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "end must be a unix timestamp"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	summary, err := handler.gate.Summarize(requestCtx, accountID, start, end)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	byType := make(map[string]int64, len(summary.ByType))
	for transactionType, total := range summary.ByType {
		byType[transactionType.String()] = total.Int64()
	}
	ctx.JSON(http.StatusOK, gin.H{
		"start_unix_utc": summary.StartUnixUTC,
		"end_unix_utc":   summary.EndUnixUTC,
		"added":          summary.Added.Int64(),
		"used":           summary.Used.Int64(),
		"by_type":        byType,
		"balance":        summary.Balance.Int64(),
	})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, credits.ErrInvalidAccountID),
		errors.Is(err, credits.ErrInvalidHoldID),
		errors.Is(err, credits.ErrInvalidIdempotencyKey),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidTransactionType),
		errors.Is(err, credits.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_argument", err.Error()))
	case errors.Is(err, errInvalidQuery):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", err.Error()))
	case errors.Is(err, credits.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough available credits"))
	case errors.Is(err, credits.ErrHoldNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("hold_not_found", "no such hold"))
	case errors.Is(err, credits.ErrHoldAlreadyTerminal):
		ctx.JSON(http.StatusConflict, errorResponse("hold_terminal", "hold already settled"))
	case errors.Is(err, credits.ErrDuplicateIdempotencyKey):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_key", "idempotency key already used"))
	case errors.Is(err, credits.ErrLockTimeout):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("lock_timeout", "account busy, retry"))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func transactionFilterFromQuery(ctx *gin.Context) (credits.TransactionFilter, error) {
	filter := credits.TransactionFilter{}
	for _, raw := range ctx.QueryArray("type") {
		transactionType, err := credits.ParseTransactionType(raw)
		if err != nil {
			return credits.TransactionFilter{}, err
		}
		filter.Types = append(filter.Types, transactionType)
	}
	if raw := ctx.Query("hold_id"); raw != "" {
		holdID, err := credits.NewHoldID(raw)
		if err != nil {
			return credits.TransactionFilter{}, err
		}
		filter.HoldID = &holdID
	}
	offset, err := queryInt64(ctx, "offset", 0)
	if err != nil {
		return credits.TransactionFilter{}, fmt.Errorf("%w: offset must be an integer", errInvalidQuery)
	}
	limit, err := queryInt64(ctx, "limit", 0)
	if err != nil {
		return credits.TransactionFilter{}, fmt.Errorf("%w: limit must be an integer", errInvalidQuery)
	}
	filter.Offset = int(offset)
	filter.Limit = int(limit)
	return filter, nil
}

func queryInt64(ctx *gin.Context, name string, fallback int64) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type balancePayload struct {
	Balance   int64 `json:"balance"`
	Available int64 `json:"available"`
}

func balancePayloadFrom(balance credits.Balance) balancePayload {
	return balancePayload{
		Balance:   balance.Balance.Int64(),
		Available: balance.Available.Int64(),
	}
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	AccountID      string          `json:"account_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	HoldID         string          `json:"hold_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func transactionPayloadFrom(transaction credits.Transaction) transactionPayload {
	holdID := ""
	if transaction.HoldID != nil {
		holdID = transaction.HoldID.String()
	}
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		AccountID:      transaction.AccountID.String(),
		Type:           transaction.Type.String(),
		Amount:         transaction.Amount.Int64(),
		BalanceAfter:   transaction.BalanceAfter.Int64(),
		HoldID:         holdID,
		IdempotencyKey: transaction.IdempotencyKey.String(),
		Metadata:       json.RawMessage(transaction.MetadataJSON.String()),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}
