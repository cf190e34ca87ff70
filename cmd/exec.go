package cmd

import (
	"context"
	"log"
	"log/slog"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/pocketbase/pocketbase/tools/router"

	"web-eq/config"
	"web-eq/internal/handlers"
	"web-eq/security"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	app.RootCmd.AddCommand(newMigrateCommand(cfg), newWorkerCommand(cfg))

	var en *engine

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		slog.SetDefault(e.App.Logger())

		var err error
		if en, err = newEngine(context.Background(), cfg); err != nil {
			return err
		}
		if err := en.startBackground(context.Background()); err != nil {
			return err
		}

		registerRoutes(e.Router, en)
		log.Println("Server routes registered")

		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		if en != nil {
			log.Println("Shutdown signal received, cleaning up...")
			if err := en.Close(); err != nil {
				slog.Error("Failed to release queue resources", "error", err)
			}
		}
		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func registerRoutes(r *router.Router[*core.RequestEvent], en *engine) {
	queueHandler := handlers.NewQueueHandler(en.booking, en.selector, en.state, en.ops)
	ticketHandler := handlers.NewTicketHandler(en.ops)
	liveHandler := handlers.NewLiveHandler(en.state, en.hub, en.live, en.repo)
	limiter := security.NewRateLimiter(en.redis, en.cfg.BookingRateLimit)

	// Booking endpoints
	queue := r.Group("/api/v1/queue")
	queue.POST("/book", queueHandler.Book).Bind(apis.RequireAuth(), limiter.BookingRateLimit())
	queue.POST("/booking-preview", queueHandler.BookingPreview).Bind(limiter.BookingRateLimit())
	queue.GET("/available_slots/{businessId}", queueHandler.AvailableSlots)
	queue.GET("/my_bookings", queueHandler.MyBookings).Bind(apis.RequireAuth())

	// Queue user and ticket endpoints
	queue.GET("/users", ticketHandler.ListUsers)
	queue.GET("/users/{ticketId}", ticketHandler.UserDetail)
	queue.GET("/tickets/{ticketId}/position", ticketHandler.Position)
	queue.POST("/tickets/{ticketId}/{action}", ticketHandler.Action).Bind(apis.RequireAuth())

	// Live state
	queue.GET("/state/{businessId}/{date}", liveHandler.State)
	r.GET("/ws/booking/{businessId}/{date}", liveHandler.Subscribe)

	// Health check
	r.GET("/health", liveHandler.Health)
}
