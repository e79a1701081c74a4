package httpapi

import (
	"callrelay/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Middleware bundles the per-request chain Mount applies to /v1.
type Middleware struct {
	// Authenticate must put the caller identity into the request context.
	Authenticate gin.HandlerFunc
	// LoadRole resolves the caller role; RequireAnyRole depends on it.
	LoadRole gin.HandlerFunc
	// SignalLimit, when set, throttles the /v1/signals routes.
	SignalLimit gin.HandlerFunc
}

// Mount registers the auth endpoints and the /v1 API on r.
// Keep this free of business logic; handlers delegate to internal services.
func (h Handlers) Mount(r gin.IRouter, mw Middleware) {
	authGroup := r.Group("/auth")
	{
		authGroup.POST("/refresh", h.RefreshToken)
		if h.DevTokens {
			authGroup.POST("/dev-token", h.IssueDevToken)
		}
	}

	v1 := r.Group("/v1")
	for _, m := range []gin.HandlerFunc{mw.Authenticate, mw.LoadRole} {
		if m != nil {
			v1.Use(m)
		}
	}
	{
		v1.GET("/me", h.Me)
		v1.GET("/role", h.Role)
		v1.GET("/ice-servers", h.ICEServers)
		v1.GET("/history", h.History)

		v1.PUT("/profile", h.SaveProfile)
		v1.GET("/profile", h.GetProfile)

		users := v1.Group("/users")
		{
			users.GET("/lookup", h.LookupUser)
			users.GET("/:id/profile", h.GetUserProfile)
			users.GET("/:id/availability", h.GetUserAvailability)
		}

		presence := v1.Group("/presence")
		{
			presence.POST("/available", h.SetAvailable)
			presence.POST("/unavailable", h.SetUnavailable)
		}

		call := v1.Group("/call")
		{
			call.GET("", h.GetCall)
			call.POST("/initiate", h.InitiateCall)
			call.POST("/answer", h.AnswerCall)
			call.POST("/decline", h.DeclineCall)
			call.POST("/end", h.EndCall)
			call.POST("/screencast/enable", h.EnableScreenCast)
			call.POST("/screencast/disable", h.DisableScreenCast)
		}

		signals := v1.Group("/signals")
		if mw.SignalLimit != nil {
			signals.Use(mw.SignalLimit)
		}
		{
			signals.POST("", h.SendSignal)
			signals.GET("", h.FetchSignals)
			signals.DELETE("", h.ClearSignals)
			signals.POST("/ack", h.AckSignals)
		}

		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.PUT("/users/:id/role", h.AssignRole)
		}
	}
}
