package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/revaspay/reconciler/internal/config"
	"github.com/revaspay/reconciler/internal/database"
	"github.com/revaspay/reconciler/internal/handlers"
	"github.com/revaspay/reconciler/internal/jobs"
	"github.com/revaspay/reconciler/internal/middleware"
	"github.com/revaspay/reconciler/internal/queue"
	"github.com/revaspay/reconciler/internal/routes"
	"github.com/revaspay/reconciler/internal/security/audit"
	"github.com/revaspay/reconciler/internal/services/mpesa"
	"github.com/revaspay/reconciler/internal/services/reconciliation"
	"github.com/revaspay/reconciler/internal/services/sms"
	"github.com/revaspay/reconciler/internal/utils"
)

func main() {
	registerC2B := flag.Bool("register-c2b", false, "register the C2B validation and confirmation URLs with Daraja and exit")
	issueToken := flag.String("issue-token", "", "print an admin token for the given email and exit")
	flag.Parse()

	// Initialize configuration
	cfg := config.LoadConfig()
	logger := newLogger(cfg.Environment)
	slog.SetDefault(logger)

	mpesaClient := mpesa.NewClient(cfg.Mpesa)

	if *issueToken != "" {
		ttl := time.Duration(cfg.JWT.Expiration) * time.Hour
		token, err := utils.GenerateToken(cfg.JWT.Secret, uuid.New(), *issueToken, true, ttl)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	if *registerC2B {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Mpesa.Timeout)
		defer cancel()
		if err := mpesaClient.RegisterC2BURLs(ctx); err != nil {
			log.Fatalf("Failed to register C2B URLs: %v", err)
		}
		log.Printf("Registered C2B URLs for shortcode %s", cfg.Mpesa.ShortCode)
		return
	}

	// Initialize database
	db, err := database.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close(db)

	// Initialize Redis client
	ctx := context.Background()
	redisClient, err := queue.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	redisQueue := queue.NewRedisQueue(redisClient)

	// Initialize services
	service := reconciliation.NewService(db, reconciliation.ServiceConfig{
		CallbackURL:  cfg.Mpesa.CallbackURL,
		QueryTimeout: cfg.Mpesa.Timeout,
	}, mpesaClient, jobs.NewQueueNotifier(redisQueue), logger)

	intake := service.Intake(reconciliation.IntakeConfig{
		RequireSTKConfirmation: cfg.Mpesa.RequireSTKConfirmation,
		MinAmount:              cfg.C2B.MinAmount,
		AmountTolerance:        cfg.C2B.AmountTolerance,
	})

	var sender sms.Sender = sms.LogSender{Logger: logger}
	if cfg.SMS.APIKey != "" {
		sender = sms.NewATSender(cfg.SMS)
	}

	// Start background job processor
	jobProcessor := queue.NewJobProcessor(redisQueue, cfg.Reconciliation.WorkerCount)
	jobs.RegisterAllJobHandlers(jobProcessor, sender, service.Sweeper())
	jobProcessor.Start()

	// Schedule recurring jobs
	scheduler, err := jobs.ScheduleRecurringJobs(redisQueue, cfg.Reconciliation.SweepCron)
	if err != nil {
		log.Fatalf("Failed to schedule recurring jobs: %v", err)
	}
	scheduler.StartAsync()

	// Initialize handlers
	webhookHandler := handlers.NewMpesaWebhookHandler(intake, logger)
	reconciliationHandler := handlers.NewReconciliationHandler(service, audit.NewLogger(db))

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.Security.CORSAllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	rateLimiter := middleware.NewRateLimiter(cfg.Security.AdminRateLimit, cfg.Security.AdminRateBurst)
	defer rateLimiter.Stop()

	// Setup routes
	routes.RegisterHealthRoutes(router)
	routes.RegisterWebhookRoutes(router, webhookHandler)
	routes.RegisterAdminRoutes(router, reconciliationHandler, routes.AdminRouteOptions{
		JWTSecret:   cfg.JWT.Secret,
		RateLimiter: rateLimiter,
		UseHSTS:     cfg.Security.UseHSTS,
	})

	// Start server
	srv := startServer(router, cfg.Server)

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop scheduling before the workers so no new sweep is enqueued mid-drain
	scheduler.Stop()
	jobProcessor.Stop()

	log.Println("Server exiting")
}

// startServer starts the HTTP server
func startServer(router *gin.Engine, cfg config.ServerConfig) *http.Server {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Server started on port %s", cfg.Port)
	return srv
}

func newLogger(environment string) *slog.Logger {
	if environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
