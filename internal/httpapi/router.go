package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/eduface/attendance/internal/auth"
	"github.com/eduface/attendance/internal/httpmiddleware"
	"github.com/eduface/attendance/internal/metrics"
	"github.com/eduface/attendance/internal/models"
)

// RouterConfig holds the cross-cutting middleware settings.
type RouterConfig struct {
	AllowOrigins []string
	Limiter      httpmiddleware.Limiter
}

// NewRouter builds the gin engine serving every route.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
		corsCfg.AllowCredentials = true
	}
	r.Use(cors.New(corsCfg))
	r.Use(securityHeaders())

	var limit gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if cfg.Limiter != nil {
		limit = httpmiddleware.RateLimit(cfg.Limiter, h.log)
	}

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/healthz", h.healthz)

	r.POST("/v1/users", limit, h.registerUser)
	r.POST("/v1/auth/refresh", limit, h.refreshTokens)

	v1 := r.Group("/v1", auth.Authenticate(h.Tokens), limit)
	teacher := auth.RequireRole(models.RoleTeacher)
	student := auth.RequireRole(models.RoleStudent)

	v1.POST("/meetings", teacher, h.createMeeting)
	v1.GET("/meetings/upcoming", teacher, h.listUpcoming)
	v1.POST("/meetings/join", h.joinMeeting)
	v1.GET("/meetings/:id", h.getMeeting)
	v1.POST("/meetings/:id/end", teacher, h.endMeeting)
	v1.POST("/meetings/:id/attendance", student, h.recordAttendance)
	v1.POST("/meetings/:id/leave", student, h.recordDeparture)
	v1.GET("/meetings/:id/attendance", teacher, h.ownerOnly, h.listAttendance)
	v1.GET("/meetings/:id/absentees", teacher, h.ownerOnly, h.computeAbsentees)
	v1.POST("/meetings/:id/notify-absentees", teacher, h.ownerOnly, h.notifyAbsentees)
	v1.GET("/meetings/:id/report.xlsx", teacher, h.ownerOnly, h.exportReport)
	v1.GET("/me/attendance", h.listMyAttendance)
	v1.POST("/uploads", h.upload)

	return r
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// Server wraps the router with the timeouts used in every deployment.
func Server(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
