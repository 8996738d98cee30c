package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/astroveda/consultation-service/internal/config"
	"github.com/astroveda/consultation-service/internal/service"
)

func NewRouter(ledger *service.Ledger, sessions *service.Sessions, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, ledger, sessions)
	return r
}
