// main.go - The entry point and router setup.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/invoiceinsights/invoice_ocr_pipeline/configs"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/ai"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/api"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/dedup"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/pipeline"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/ratelimit"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/tenant"
)

func newLogger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(configs.LOG_LEVEL); err == nil {
		log.SetLevel(level)
	}
	if configs.LOG_FORMAT == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func main() {
	configs.LoadConfig()
	log := newLogger()

	if ginMode := os.Getenv("GIN_MODE"); ginMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	recordStore, err := storage.NewMongoStore(ctx, configs.MONGO_URI, configs.MONGO_DB_NAME)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer recordStore.Close(context.Background())

	blobStore, err := storage.NewMinioBlobStore(storage.BlobConfig{
		Endpoint:  configs.BLOB_ENDPOINT,
		AccessKey: configs.BLOB_ACCESS_KEY,
		SecretKey: configs.BLOB_SECRET_KEY,
		UseSSL:    configs.BLOB_USE_SSL,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to blob storage")
	}

	generator, err := ai.NewGeminiGenerator(ctx, configs.GEMINI_API_KEY)
	if err != nil {
		log.WithError(err).Fatal("Failed to create Gemini client")
	}
	defer generator.Close()

	engine := ai.NewEngine(generator, ratelimit.NewLimiter(configs.GEMINI_RPM), ai.Config{
		PrimaryModel:               configs.PRIMARY_MODEL,
		FallbackModel:              configs.FALLBACK_MODEL,
		MaxRetries:                 configs.MAX_RETRIES,
		AccuracyThreshold:          configs.ACCURACY_THRESHOLD,
		CriticalFieldThreshold:     configs.CRITICAL_FIELD_THRESHOLD,
		FlashInputPricePerMillion:  configs.FLASH_INPUT_PRICE_PER_MILLION,
		FlashOutputPricePerMillion: configs.FLASH_OUTPUT_PRICE_PER_MILLION,
		ProInputPricePerMillion:    configs.PRO_INPUT_PRICE_PER_MILLION,
		ProOutputPricePerMillion:   configs.PRO_OUTPUT_PRICE_PER_MILLION,
		USDToINR:                   configs.USD_TO_INR,
	}, log)

	reconciler := pipeline.NewReconciler(recordStore, log)
	orchestrator := pipeline.NewOrchestrator(
		recordStore,
		blobStore,
		dedup.NewService(recordStore, log),
		engine,
		tenant.NewSource(recordStore, log),
		reconciler,
		pipeline.Options{
			Bucket:            configs.BLOB_BUCKET,
			Workers:           configs.MAX_WORKERS,
			PreprocessImages:  configs.ENABLE_IMAGE_PREPROCESSING,
			MaxImageDimension: configs.MAX_IMAGE_DIMENSION,
		},
		log,
	)

	router := gin.Default()
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", configs.ALLOWED_ORIGINS)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := api.NewHandler(orchestrator, reconciler, blobStore, configs.BLOB_BUCKET, log)
	handler.Register(router)

	srv := &http.Server{
		Addr:           ":" + configs.PORT,
		Handler:        router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Minute, // batches of scans can take a while
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.WithField("port", configs.PORT).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("Server forced to shutdown")
	}

	log.Info("Server exited")
}
