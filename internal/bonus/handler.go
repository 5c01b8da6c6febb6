package bonus

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"bonus_service/internal/apperrors"
	"bonus_service/internal/auth"
)

const defaultCurrency = "USD"

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// claimBody is what a player may send. The deposit is named by reference
// and its amount comes from the ledger.
type claimBody struct {
	DepositReference string           `json:"deposit_reference"`
	DepositAmount    *decimal.Decimal `json:"deposit_amount"`
	Code             string           `json:"code"`
}

type offerBody struct {
	UserID    string     `json:"user_id" binding:"required"`
	BonusID   string     `json:"bonus_id" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type forfeitBody struct {
	Reason string `json:"reason" binding:"required"`
}

type activeBody struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

// ListAvailable lists the active catalog.
func (h *Handler) ListAvailable(c *gin.Context) {
	defs, err := h.service.ListDefinitions(c.Request.Context(), true)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (h *Handler) Claim(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var body claimBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, apperrors.Validation(apperrors.ReasonInvalidRequest, err.Error()))
			return
		}
	}

	if body.DepositAmount != nil {
		writeError(c, apperrors.Validation(apperrors.ReasonInvalidRequest, "deposit_amount is not accepted, send deposit_reference"))
		return
	}

	result, err := h.service.Claim(c.Request.Context(), ClaimRequest{
		UserID:           userID,
		BonusID:          c.Param("id"),
		DepositReference: body.DepositReference,
		Code:             body.Code,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) ListMine(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	progress, err := h.service.ListProgress(c.Request.Context(), userID, c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *Handler) GetProgress(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	progress, err := h.service.GetProgress(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *Handler) ListEvents(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.service.ListEvents(c.Request.Context(), userID, c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) QuoteLossBonus(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	quote, err := h.service.QuoteLossBonus(c.Request.Context(), userID, currencyParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (h *Handler) ClaimLossBonus(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	claim, err := h.service.ClaimLossBonus(c.Request.Context(), userID, currencyParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, claim)
}

// ProcessWager accepts a wager event from the game platform. A partial
// failure answers 503 with the per-instance result so the caller can resend.
func (h *Handler) ProcessWager(c *gin.Context) {
	var ev WagerEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		writeError(c, apperrors.Validation(apperrors.ReasonInvalidRequest, err.Error()))
		return
	}
	ev.Currency = strings.ToUpper(ev.Currency)

	result, err := h.service.ProcessWager(c.Request.Context(), ev)
	if err != nil {
		writeError(c, err)
		return
	}
	if result.HasFailures() {
		c.JSON(http.StatusServiceUnavailable, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) CreateDefinition(c *gin.Context) {
	var in DefinitionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, apperrors.Validation(apperrors.ReasonInvalidDefinition, err.Error()))
		return
	}

	def, err := h.service.CreateDefinition(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (h *Handler) UpdateDefinition(c *gin.Context) {
	var in DefinitionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, apperrors.Validation(apperrors.ReasonInvalidDefinition, err.Error()))
		return
	}

	def, err := h.service.UpdateDefinition(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handler) SetActive(c *gin.Context) {
	var body activeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperrors.Validation(apperrors.ReasonInvalidRequest, err.Error()))
		return
	}

	def, err := h.service.SetActive(c.Request.Context(), c.Param("id"), *body.IsActive)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handler) GetDefinition(c *gin.Context) {
	def, err := h.service.GetDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handler) ListDefinitions(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	defs, err := h.service.ListDefinitions(c.Request.Context(), activeOnly)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (h *Handler) Offer(c *gin.Context) {
	actor, ok := requireUser(c)
	if !ok {
		return
	}

	var body offerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperrors.Validation(apperrors.ReasonInvalidRequest, err.Error()))
		return
	}

	inst, err := h.service.Offer(c.Request.Context(), body.UserID, body.BonusID, body.ExpiresAt, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (h *Handler) Forfeit(c *gin.Context) {
	actor, ok := requireUser(c)
	if !ok {
		return
	}

	var body forfeitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperrors.Validation(apperrors.ReasonInvalidRequest, err.Error()))
		return
	}

	inst, err := h.service.Forfeit(c.Request.Context(), c.Param("id"), actor, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progressFor(inst))
}

func (h *Handler) Sweep(c *gin.Context) {
	report, err := h.service.Sweep(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		appErr := apperrors.New(apperrors.KindUnauthorized, apperrors.ReasonUnauthorized, "user not authenticated")
		c.JSON(http.StatusUnauthorized, apperrors.Response(appErr))
		return "", false
	}
	return userID, true
}

func currencyParam(c *gin.Context) string {
	return strings.ToUpper(c.DefaultQuery("currency", defaultCurrency))
}

func writeError(c *gin.Context, err error) {
	if apperrors.KindOf(err) == apperrors.KindInternal {
		_ = c.Error(err)
	}
	c.JSON(apperrors.HTTPStatus(err), apperrors.Response(err))
}
