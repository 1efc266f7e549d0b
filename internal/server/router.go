package server

import (
	"net/http"

	"roomhub/internal/auth"
	"roomhub/internal/config"
	clog "roomhub/internal/log"
	"roomhub/internal/metrics"
	"roomhub/internal/mw"
	"roomhub/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、页面路由以及运维端点。
func SetupRouter(cfg config.Config, db *gorm.DB, avatars service.AvatarStore) *gin.Engine {
	h := NewHandler(cfg,
		service.NewUserService(db, avatars),
		service.NewRoomService(db),
		service.NewMessageService(db),
		service.NewTopicService(db),
	)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestID())
	r.Use(clog.Middleware())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	r.Use(auth.Sessions(cfg))
	r.Use(auth.Middleware(cfg, db))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Static("/media", cfg.MediaDir)

	r.GET("/login", h.LoginPage)
	r.POST("/login", h.Login)
	r.GET("/register", h.RegisterPage)
	r.POST("/register", h.Register)
	r.POST("/logout", h.Logout)
	r.POST("/api/token", h.IssueToken)

	r.GET("/", h.Home)
	r.GET("/room/:id", h.Room)
	r.GET("/profile/:id", h.Profile)
	r.GET("/topics", h.Topics)
	r.GET("/activity", h.Activity)

	// 以下路由需要登录，未登录时跳转到 /login?next=...
	authed := r.Group("")
	authed.Use(auth.RequireLogin())

	authed.POST("/room/:id", h.PostMessage)
	authed.GET("/update-user", h.UpdateUserPage)
	authed.POST("/update-user", h.UpdateUser)
	authed.GET("/create-room", h.CreateRoomPage)
	authed.POST("/create-room", h.CreateRoom)
	authed.GET("/room/:id/update", h.UpdateRoomPage)
	authed.POST("/room/:id/update", h.UpdateRoom)
	authed.GET("/room/:id/delete", h.DeleteRoomPage)
	authed.POST("/room/:id/delete", h.DeleteRoom)
	authed.GET("/message/:id/update", h.UpdateMessagePage)
	authed.POST("/message/:id/update", h.UpdateMessage)
	authed.GET("/message/:id/delete", h.DeleteMessagePage)
	authed.POST("/message/:id/delete", h.DeleteMessage(roomPath))
	authed.POST("/activity/:id/delete", h.DeleteMessage(func(uint) string { return "/activity" }))

	return r
}
