package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sukoon-app/sukoon-backend/internal/database"
	"github.com/sukoon-app/sukoon-backend/internal/handlers"
	"github.com/sukoon-app/sukoon-backend/internal/services"
	"github.com/sukoon-app/sukoon-backend/internal/session"
	"github.com/sukoon-app/sukoon-backend/internal/store"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		log = log.Level(level)
	}

	// Durable store, falling back to in-memory when no MongoDB is configured
	var backing store.Store
	if db, err := database.Connect(); err != nil {
		log.Warn().Err(err).Msg("MongoDB unavailable, using in-memory store")
		backing = store.NewMemory()
	} else {
		defer database.Disconnect()
		backing = store.NewMongo(db)
		log.Info().Msg("connected to MongoDB")
	}
	gateway := store.NewGateway(backing, log)

	// Chat engine, falling back to canned replies when no API key is set
	var engine services.Engine
	if groq, err := services.NewGroqEngine(log); err != nil {
		log.Warn().Err(err).Msg("Groq unavailable, using fallback engine")
		engine = services.NewFallbackEngine()
	} else {
		engine = groq
	}

	manager := session.NewManager(gateway, engine, services.NewVectorClient(log), services.NewContextStoreClient(), log)
	handlers.Setup(manager, gateway)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: os.Getenv("FRONTEND_URL"),
		AllowHeaders: "Origin, Content-Type, Accept, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	// Routes
	api := app.Group("/api/v1")
	api.Use(handlers.UserMiddleware)

	chat := api.Group("/chat")
	chat.Post("/session", handlers.CreateSession)
	chat.Post("/session/resume", handlers.ResumeSession)
	chat.Post("/session/close", handlers.CloseSession)
	chat.Get("/session/:id/messages", handlers.GetSessionMessages)
	chat.Post("/message", handlers.SendMessage)
	chat.Put("/language", handlers.SetLanguage)
	chat.Post("/clear", handlers.ClearSession)
	chat.Post("/reset", handlers.ResetSession)
	chat.Get("/history", handlers.GetChatHistory)

	// Graceful shutdown: let pending message persists finish
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Info().Msg("shutting down")
		if err := app.Shutdown(); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
		manager.FlushAll()
	}()

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Info().Str("port", port).Msg("server starting")
	if err := app.Listen(":" + port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
