package webserver

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agaro/votecore/src/config"
)

func attachRoutes(r *gin.Engine, cfg config.Config, deps Deps, limiter *RateLimiter) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Client-Signature"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !allowsAnyOrigin(cfg.CORSOrigins),
	}))

	voteH := NewVotes(deps.Casting, deps.Tally, deps.Log)
	auditH := NewAuditTrail(deps.Audit, deps.Log)
	secret := []byte(cfg.JWTSecret)

	v1 := r.Group("/v1")
	{
		v1.GET("/polls/:id/tally", voteH.Tally)
		v1.GET("/audit", auditH.List)
		v1.GET("/audit/security", auditH.Security)
		v1.GET("/audit/wallets/:addr/illegal-count", auditH.IllegalCount)

		secured := v1.Group("")
		secured.Use(JWTMiddleware(secret))
		secured.POST("/polls/:id/votes", RateLimitMiddleware(limiter), voteH.Cast)
		secured.GET("/polls/:id/eligibility", voteH.Eligibility)
		secured.POST("/votes/:id/verification", voteH.Verify)
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
