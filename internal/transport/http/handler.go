package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/astroveda/consultation-service/internal/model"
	"github.com/astroveda/consultation-service/internal/service"
)

func RegisterHandlers(r *gin.Engine, ledger *service.Ledger, sessions *service.Sessions) {
	v1 := r.Group("/v1")
	{
		v1.POST("/wallets", createWalletHandler(ledger))
		v1.POST("/wallets/:userID/topup", topupHandler(ledger))
		v1.POST("/wallets/:userID/hold", holdHandler(ledger))
		v1.POST("/wallets/:userID/release", releaseHandler(ledger))
		v1.POST("/wallets/:userID/deduct", deductHandler(ledger))
		v1.GET("/wallets/:userID/balance", balanceHandler(ledger))
		v1.GET("/wallets/:userID/can-afford", canAffordHandler(ledger))
		v1.GET("/wallets/:userID/transactions", historyHandler(ledger))
		v1.GET("/transactions/:id", transactionHandler(ledger))

		v1.POST("/sessions", createSessionHandler(sessions))
		v1.POST("/sessions/:id/start", startSessionHandler(sessions))
		v1.POST("/sessions/:id/end", endSessionHandler(sessions))
		v1.POST("/sessions/:id/cancel", cancelSessionHandler(sessions))
		v1.POST("/sessions/:id/conversation", linkConversationHandler(sessions))
		v1.POST("/sessions/:id/rating", rateSessionHandler(sessions))
		v1.GET("/sessions/:id", getSessionHandler(sessions))
		v1.GET("/sessions/:id/participants", listParticipantsHandler(sessions))
		v1.POST("/participants/:id/disconnect", disconnectHandler(sessions))
		v1.POST("/participants/:id/reconnect", reconnectHandler(sessions))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrWalletNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrParticipantNotFound),
		errors.Is(err, service.ErrProfileNotFound),
		errors.Is(err, service.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrWalletExists),
		errors.Is(err, service.ErrParticipantExists),
		errors.Is(err, service.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrInsufficientFunds),
		errors.Is(err, service.ErrInsufficientHeldFunds),
		errors.Is(err, service.ErrInvalidReleaseAmount):
		return http.StatusPaymentRequired
	default:
		return http.StatusBadRequest
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

type createWalletReq struct {
	UserID         string `json:"user_id" binding:"required"`
	InitialBalance string `json:"initial_balance"`
	Currency       string `json:"currency"`
}

func createWalletHandler(ledger *service.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWalletReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		initial := decimal.Zero
		if req.InitialBalance != "" {
			var err error
			initial, err = decimal.NewFromString(req.InitialBalance)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid initial_balance"})
				return
			}
		}
		w, err := ledger.CreateWallet(c, req.UserID, initial, req.Currency)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, w)
	}
}

type amountReq struct {
	Amount      string `json:"amount" binding:"required"`
	ReferenceID string `json:"reference_id"`
	Description string `json:"description"`
}

func parseAmount(c *gin.Context) (string, decimal.Decimal, amountReq, bool) {
	var req amountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", decimal.Zero, req, false
	}
	amt, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return "", decimal.Zero, req, false
	}
	return c.Param("userID"), amt, req, true
}

func topupHandler(ledger *service.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, amt, req, ok := parseAmount(c)
		if !ok {
			return
		}
		w, err := ledger.AddFunds(c, userID, amt, req.ReferenceID, req.Description)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func holdHandler(ledger *service.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, amt, req, ok := parseAmount(c)
		if !ok {
			return
		}
		w, err := ledger.HoldFunds(c, userID, amt, req.ReferenceID, req.Description)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func releaseHandler(ledger *service.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, amt, req, ok := parseAmount(c)
		if !ok {
			return
		}
		w, err := ledger.ReleaseFunds(c, userID, amt, req.ReferenceID, req.Description)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func deductHandler(ledger *service.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, amt, req, ok := parseAmount(c)
		if !ok {
			return
		}
		w, err := ledger.DeductFromHold(c, userID, amt, req.ReferenceID, req.Description, nil)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func balanceHandler(ledger *service.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := ledger.GetBalance(c, c.Param("userID"))
		if err != nil {
			fail(c, err)
			return
		}
		if w == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"current_balance":   w.CurrentBalance,
			"available_balance": w.AvailableBalance,
			"held_balance":      w.HeldBalance,
			"currency":          w.Currency,
			"status":            w.Status,
		})
	}
}

func canAffordHandler(ledger *service.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		amt, err := decimal.NewFromString(c.Query("amount"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"can_afford": ledger.CanAfford(c, c.Param("userID"), amt)})
	}
}

func historyHandler(ledger *service.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := ledger.GetBalance(c, c.Param("userID"))
		if err != nil {
			fail(c, err)
			return
		}
		if w == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		txs, total, err := ledger.GetHistory(c, w.ID, limit)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transactions": txs, "total_count": total})
	}
}

func transactionHandler(ledger *service.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := ledger.GetTransaction(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

type createSessionReq struct {
	AstrologerID   string  `json:"astrologer_id" binding:"required"`
	UserID         string  `json:"user_id" binding:"required"`
	SessionType    string  `json:"session_type" binding:"required,oneof=chat call"`
	ConversationID *string `json:"conversation_id"`
}

func createSessionHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSessionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := sessions.CreateSession(c, req.AstrologerID, req.UserID,
			model.SessionType(req.SessionType), req.ConversationID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, sess)
	}
}

func startSessionHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := sessions.StartSession(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func endSessionHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := sessions.EndSession(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func cancelSessionHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := sessions.CancelSession(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

type linkConversationReq struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

func linkConversationHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req linkConversationReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := sessions.LinkConversation(c, c.Param("id"), req.ConversationID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

type rateSessionReq struct {
	AstrologerRating *string `json:"astrologer_rating"`
	UserRating       *string `json:"user_rating"`
}

func rateSessionHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rateSessionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var aRating, uRating *decimal.Decimal
		if req.AstrologerRating != nil {
			v, err := decimal.NewFromString(*req.AstrologerRating)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid astrologer_rating"})
				return
			}
			aRating = &v
		}
		if req.UserRating != nil {
			v, err := decimal.NewFromString(*req.UserRating)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_rating"})
				return
			}
			uRating = &v
		}
		sess, err := sessions.RateSession(c, c.Param("id"), aRating, uRating)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func getSessionHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := sessions.GetSession(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func listParticipantsHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts, err := sessions.ListParticipants(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, parts)
	}
}

func disconnectHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := sessions.DisconnectParticipant(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func reconnectHandler(sessions *service.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := sessions.ReconnectParticipant(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
