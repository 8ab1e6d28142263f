package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_cart/storefront/internal/breaker"
	"github.com/fjod/go_cart/storefront/internal/cache"
	h "github.com/fjod/go_cart/storefront/internal/http"
	"github.com/fjod/go_cart/storefront/internal/poller"
	"github.com/fjod/go_cart/storefront/internal/publisher"
	"github.com/fjod/go_cart/storefront/internal/repository"
	"github.com/fjod/go_cart/storefront/internal/service"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	log.Println("storefront starting...")
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	var wg sync.WaitGroup
	ctx := context.Background()

	// Remote cart store
	mongoDB, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Fatalf("failed to connect to MongoDB: %v", err)
	}
	cartRepo := repository.NewMongoRepository(mongoDB)
	if err := repository.EnsureIndexes(ctx, cartRepo); err != nil {
		log.Printf("failed to create cart indexes: %v", err)
	}
	log.Printf("connected to MongoDB at %s", cfg.MongoURI)

	// Remote order store
	orderRepo, err := repository.NewRepository(&cfg.DB)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer orderRepo.Close()
	if err := orderRepo.RunMigrations(&cfg.DB); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Println("database migrations completed")

	// Session cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	log.Printf("redis ping succeeded")
	cartCache := cache.NewRedisCache(redisClient, cfg.CartCacheTTL)

	cartBreaker := breaker.New("cart-store", breaker.Settings{
		Expected: []error{repository.ErrItemNotFound},
	})
	orderBreaker := breaker.New("order-store", breaker.Settings{
		Expected: []error{repository.ErrOrderNotFound, repository.ErrOrderNotPending},
	})

	mirror := service.NewMirror(cfg.MirrorWorkers, 256, cfg.RemoteTimeout, cartBreaker)

	statusPublisher := publisher.NewStatusPublisher(cfg.KafkaBrokers...)
	defer statusPublisher.Close()

	orders := service.NewOrderManager(orderRepo, cfg.Merchant, statusPublisher, orderBreaker)
	sessions := service.NewSessionRegistry(cartCache, cartRepo, mirror, orders, cfg.DeliveryFee, cfg.SessionIdle)

	// Order status feed
	groupID := poller.InstanceGroupID(cfg.KafkaGroupID)
	log.Printf("consuming %s as group %s", publisher.StatusTopic, groupID)
	statusPoller := poller.NewStatusPoller(orders, publisher.StatusTopic, groupID, cfg.KafkaBrokers...)
	pollerCtx, pollerCancel := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		statusPoller.Run(pollerCtx)
	}()

	router := h.NewRouter(h.RouterConfig{
		Carts:          sessions,
		Orders:         orders,
		JWTSecret:      cfg.JWTSecret,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     otelhttp.NewHandler(router, "storefront"),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("storefront listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down storefront...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}

	pollerCancel()
	doneChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneChan)
	}()
	select {
	case <-doneChan:
		log.Println("status poller stopped cleanly")
	case <-shutdownCtx.Done():
		log.Println("status poller shutdown timed out")
	}
	statusPoller.Close()

	// flush queued remote writes before the stores go away
	mirror.Close()
	if err := mongoDB.Client().Disconnect(context.Background()); err != nil {
		log.Printf("failed to disconnect from MongoDB: %v", err)
	}
	log.Println("storefront stopped")
}
