package app

import (
	"github.com/gin-gonic/gin"
	"github.com/mx-space/guard/internal/middleware"
	"github.com/mx-space/guard/internal/modules/guard"
	"github.com/mx-space/guard/internal/modules/operator"
	"github.com/mx-space/guard/internal/pkg/response"
)

func (a *App) registerRoutes() {
	r := a.router
	authMW := middleware.Auth(a.engine.Revocation)

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	r.GET("/health", func(c *gin.Context) {
		if err := a.rc.Raw().Ping(c.Request.Context()).Err(); err != nil {
			response.InternalError(c, err)
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	api.Use(middleware.RateLimit(a.rc.Raw()))

	operator.NewService(a.cfg.OperatorPasswordHash).RegisterRoutes(api)
	guard.NewHandler(a.engine, a.Policy()).RegisterRoutes(api, authMW)

	api.GET("/jobs", authMW, func(c *gin.Context) {
		response.OK(c, a.sched.List())
	})
	api.POST("/jobs/:name/run", authMW, func(c *gin.Context) {
		if err := a.sched.Run(c.Request.Context(), c.Param("name")); err != nil {
			response.NotFoundMsg(c, err.Error())
			return
		}
		response.NoContent(c)
	})
}
