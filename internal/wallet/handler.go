package wallet

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bonus_service/internal/apperrors"
	"bonus_service/internal/auth"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// ProcessTransaction is called by the game platform on behalf of a player.
func (h *Handler) ProcessTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PlayerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "player_id is required"})
		return
	}

	result, err := h.service.ProcessTransaction(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	walletType, ok := walletTypeParam(c)
	if !ok {
		return
	}

	w, err := h.service.GetBalance(c.Request.Context(), userID, walletType, currencyParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": w})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	walletType, ok := walletTypeParam(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txs, err := h.service.ListTransactions(c.Request.Context(), userID, walletType, currencyParam(c), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

func (h *Handler) Reconcile(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	walletType, ok := walletTypeParam(c)
	if !ok {
		return
	}

	rec, err := h.service.Reconcile(c.Request.Context(), userID, walletType, currencyParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func walletTypeParam(c *gin.Context) (string, bool) {
	walletType := c.Param("type")
	if walletType != TypeMain && walletType != TypeBonus {
		c.JSON(http.StatusBadRequest, apperrors.Response(apperrors.Validation(apperrors.ReasonUnsupportedWalletType, "wallet type must be main or bonus")))
		return "", false
	}
	return walletType, true
}

func currencyParam(c *gin.Context) string {
	return strings.ToUpper(c.DefaultQuery("currency", DefaultCurrency))
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, apperrors.Response(apperrors.Wrap(err, apperrors.KindValidation, apperrors.ReasonInsufficientFunds, err.Error())))
	case errors.Is(err, ErrWalletNotFound):
		appErr := apperrors.NotFound(apperrors.ReasonWalletNotFound, err.Error())
		c.JSON(apperrors.HTTPStatus(appErr), apperrors.Response(appErr))
	case errors.Is(err, ErrInvalidEntry):
		appErr := apperrors.Validation(apperrors.ReasonInvalidRequest, err.Error())
		c.JSON(apperrors.HTTPStatus(appErr), apperrors.Response(appErr))
	default:
		appErr := apperrors.Storage(err, "wallet operation failed")
		_ = c.Error(err)
		c.JSON(apperrors.HTTPStatus(appErr), apperrors.Response(appErr))
	}
}
