package handler

import "github.com/gin-gonic/gin"

// Register 挂载全部路由
func Register(engine *gin.Engine, jobs *JobHandler, schedules *ScheduleHandler, health *HealthHandler, stats *StatsHandler) {
	if health != nil {
		engine.GET("/healthz", health.Healthz)
		engine.GET("/readyz", health.Readyz)
	}

	api := engine.Group("/api/v1")
	{
		api.POST("/jobs", jobs.Submit)
		api.GET("/jobs", jobs.List)
		api.GET("/jobs/:id", jobs.Get)
		api.POST("/jobs/:id/cancel", jobs.Cancel)
		api.POST("/jobs/:id/retry", jobs.Retry)

		api.POST("/schedules", schedules.Create)
		api.GET("/schedules", schedules.List)
		api.GET("/schedules/:id", schedules.Get)
		api.PUT("/schedules/:id", schedules.Update)
		api.DELETE("/schedules/:id", schedules.Delete)
		api.POST("/schedules/:id/trigger", schedules.Trigger)
		api.PATCH("/schedules/:id/toggle", schedules.Toggle)
		api.GET("/schedules/:id/history", schedules.History)

		api.POST("/validate-cron", schedules.ValidateCron)

		if stats != nil {
			api.GET("/stats", stats.Stats)
		}
	}
}
