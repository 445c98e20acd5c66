package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/milestone-escrow/backend/internal/config"
	"github.com/milestone-escrow/backend/internal/http/handlers"
	"github.com/milestone-escrow/backend/internal/metrics"
	"github.com/milestone-escrow/backend/internal/middleware"
	"github.com/milestone-escrow/backend/internal/rbac"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SetupRouter registers every route. rdb and wsHub may be nil, which disables
// rate limiting and the websocket stream respectively.
func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	userHandler *handlers.UserHandler,
	contractHandler *handlers.ContractHandler,
	wsHub *handlers.WSHub,
	m *metrics.Registry,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	api := app.Group("/api/v1")
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))
	if rdb != nil {
		// after auth so callers are keyed by user id
		protected.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute, log))
	}

	// User
	protected.Get("/me", userHandler.GetMe)

	// Contracts
	protected.Post("/contracts", middleware.RequirePermission(rbac.PermCreateContract), contractHandler.CreateContract)
	protected.Get("/contracts", middleware.RequirePermission(rbac.PermViewContract), contractHandler.ListContracts)
	protected.Get("/contracts/:id", middleware.RequirePermission(rbac.PermViewContract), contractHandler.GetContract)
	protected.Post("/contracts/:id/deposit", middleware.RequirePermission(rbac.PermDeposit), contractHandler.RecordDeposit)
	protected.Get("/contracts/:id/deposits", middleware.RequirePermission(rbac.PermViewContract), contractHandler.GetDeposits)
	protected.Post("/contracts/:id/milestones/:milestoneId/submit", middleware.RequirePermission(rbac.PermSubmitMilestone), contractHandler.SubmitMilestone)
	protected.Post("/contracts/:id/milestones/:milestoneId/approve", middleware.RequirePermission(rbac.PermApproveMilestone), contractHandler.ApproveMilestone)
	protected.Post("/contracts/:id/cancel", middleware.RequirePermission(rbac.PermCancelContract), contractHandler.CancelContract)
	protected.Get("/contracts/:id/events", middleware.RequirePermission(rbac.PermViewContract), contractHandler.GetContractEvents)

	if wsHub != nil {
		app.Use("/ws", handlers.WSUpgradeMiddleware())
		app.Get("/ws", websocket.New(wsHub.HandleWS))
	}
}
