package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"collabcore/backend/internal/httpapi/handlers"
	"collabcore/backend/internal/httpapi/middleware"
	"collabcore/backend/internal/metrics"
	"collabcore/backend/internal/ws"
)

type RouterDeps struct {
	Handler   *handlers.Handler
	WS        *ws.Manager
	JWTSecret []byte
	// 为空时允许任意来源
	AllowOrigins []string
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "docid"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(d.AllowOrigins) == 0 {
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		corsCfg.AllowOriginFunc = func(origin string) bool { return true }
	} else {
		corsCfg.AllowOrigins = d.AllowOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	collab := r.Group("/collab")
	collab.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"message": "ok"}})
	})

	authed := collab.Group("", middleware.AuthMiddleware(d.JWTSecret))
	if d.WS != nil {
		authed.GET("/ws", d.WS.WebSocketConnect)
	}
	h := d.Handler
	authed.GET("/document", h.GetDocument)
	authed.POST("/document", h.ApplyOperation)
	authed.GET("/document/history", h.History)
	authed.GET("/cursor", h.GetCursors)
	authed.POST("/cursor", h.UpdateCursor)
	authed.DELETE("/cursor", h.RemoveCursor)
	authed.POST("/lock", h.Lock)
	authed.GET("/presence", h.ListPresence)
	authed.POST("/presence", h.UpdatePresence)
	authed.DELETE("/presence", h.RemovePresence)
	return r
}
