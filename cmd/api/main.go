// main.go - The entry point and router setup.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bosocmputer/image_wizard/configs"
	"github.com/bosocmputer/image_wizard/internal/ai"
	"github.com/bosocmputer/image_wizard/internal/api"
	"github.com/bosocmputer/image_wizard/internal/common"
	"github.com/bosocmputer/image_wizard/internal/convert"
	"github.com/bosocmputer/image_wizard/internal/ledger"
	"github.com/bosocmputer/image_wizard/internal/ratelimit"
	"github.com/bosocmputer/image_wizard/internal/storage"
	"github.com/bosocmputer/image_wizard/internal/translate"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	// Step 0: Load configuration from environment variables
	configs.LoadConfig()
	common.InitLogger(configs.LOG_LEVEL, configs.LOG_FORMAT)

	// Step 0.5: Set production mode
	if ginMode := os.Getenv("GIN_MODE"); ginMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	// Step 1: Open the account/history store
	store, err := storage.Open(ctx, storage.Config{
		Driver:      configs.STORE_DRIVER,
		MongoURI:    configs.MONGO_URI,
		MongoDBName: configs.MONGO_DB_NAME,
		DSN:         configs.DATABASE_URL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("store close failed")
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate store")
	}

	// Step 2: Extraction backends
	ocr, err := ai.NewOCRProvider(ai.OCRProviderConfig{
		Provider:         configs.OCR_PROVIDER,
		OCRSpaceAPIKey:   configs.OCR_SPACE_API_KEY,
		OCRSpaceEndpoint: configs.OCR_SPACE_ENDPOINT,
		MistralAPIKey:    configs.MISTRAL_API_KEY,
		MistralModel:     configs.MISTRAL_MODEL_NAME,
		Preprocess:       configs.ENABLE_IMAGE_PREPROCESSING,
		PreprocessMode:   configs.PREPROCESS_MODE,
		MaxDimension:     configs.MAX_IMAGE_DIMENSION,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create OCR provider")
	}

	gemini, err := ai.NewGeminiProvider(ctx, ai.GeminiConfig{
		APIKey:    configs.GEMINI_API_KEY,
		ModelName: configs.GEMINI_MODEL,
		Pricing: common.Pricing{
			InputPerMillion:  configs.GEMINI_INPUT_PRICE_PER_MILLION,
			OutputPerMillion: configs.GEMINI_OUTPUT_PRICE_PER_MILLION,
		},
		Limiter: ratelimit.NewPerMinute(configs.GEMINI_RPM),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Gemini provider")
	}
	defer gemini.Close()

	// Step 3: Free quota for anonymous OCR
	var quota ratelimit.FreeQuota = ratelimit.NewMemoryQuota(configs.FREE_QUOTA)
	if configs.REDIS_ADDR != "" {
		redisQuota, err := ratelimit.NewRedisQuota(ratelimit.RedisQuotaConfig{
			Addr:     configs.REDIS_ADDR,
			Password: configs.REDIS_PASSWORD,
			Limit:    configs.FREE_QUOTA,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisQuota.Close()
		quota = redisQuota
	}

	// Step 4: Ledger and pipeline
	credits := ledger.New(store, ledger.Options{
		StartingCredits: configs.STARTING_CREDITS,
		CouponCacheTTL:  configs.COUPON_CACHE_TTL,
	})
	orchestrator := convert.New(convert.Config{
		OCR:             ocr,
		Generative:      gemini,
		Translator:      translate.NewTranslator(gemini),
		Ledger:          credits,
		BackendTimeout:  configs.BACKEND_TIMEOUT,
		MaxPayloadBytes: int(configs.MAX_UPLOAD_BYTES),
	})

	server, err := api.NewServer(orchestrator, credits, quota, api.Config{
		AllowedOrigins:        configs.ALLOWED_ORIGINS,
		MaxUploadBytes:        configs.MAX_UPLOAD_BYTES,
		PublicURL:             configs.PUBLIC_URL,
		CheckoutURL:           configs.LEMONSQUEEZY_CHECKOUT_URL,
		PaymentSigningSecret:  configs.LEMONSQUEEZY_SIGNING_SECRET,
		IdentityWebhookSecret: configs.IDENTITY_WEBHOOK_SECRET,
		HealthCheck:           store.Ping,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create API server")
	}

	// Step 5: Setup HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + configs.PORT,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      configs.BACKEND_TIMEOUT*2 + 30*time.Second, // extraction plus translation
		MaxHeaderBytes:    1 << 20,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", configs.PORT).Msg("Starting server")
		log.Info().Msg("API Endpoints: POST /api/v1/convert, GET /api/v1/conversions, GET /api/v1/user/credits, GET /api/v1/profile, POST /api/v1/coupon/redeem, POST /api/v1/checkout")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
