package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/api"
	"taskboard/realtime"
	"taskboard/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	if log.GetLevel() == log.DebugLevel {
		logger.SetLevel(log.DebugLevel)
	}

	var store storage.Store
	switch mode := os.Getenv("STORAGE_MODE"); mode {
	case "", "memory":
		store = storage.NewMemoryStore()
		log.Info("using in-memory task store")
	case "aztables":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		tasksTable := os.Getenv("TASKS_TABLE")
		if connStr == "" || tasksTable == "" {
			log.Fatal("missing storage config")
		}
		ts, err := storage.New(connStr, tasksTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store = ts
	default:
		log.Fatalf("unknown STORAGE_MODE %q", mode)
	}

	var rc *redis.Client
	var deduper api.Deduper
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc = redis.NewClient(redisOptions(redisConn))
		cacheTTL := envDuration("CACHE_TTL", 30*time.Second)
		if cacheTTL > 0 {
			store = storage.NewCache(store, rc, cacheTTL)
		}
		deduper = api.NewRedisDeduper(rc, envDuration("DEDUPER_TTL", 24*time.Hour))
	}

	var auth *api.Auth
	var accounts *api.Accounts
	if secret := os.Getenv("LOCAL_AUTH_SECRET"); secret != "" {
		auth = api.NewLocalAuth([]byte(secret))
		accounts = api.NewAccounts([]byte(secret))
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing auth config: set LOCAL_AUTH_SECRET or AUTH0_DOMAIN and AUTH0_AUDIENCE")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	registry := realtime.NewRegistry()
	var bridge *realtime.Bridge
	if rc != nil {
		bridge = realtime.NewBridge(rc, logger)
	}
	hub := realtime.NewHub(registry, bridge, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	gateway := api.NewGateway(store, hub, logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Session-ID", "X-Idempotency-Key"},
	}))

	api.Register(e, gateway, auth, accounts, deduper, logger)
	e.GET("/ws", realtime.ServeWS(hub, auth, logger))

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func redisOptions(redisConn string) *redis.Options {
	opts, err := redis.ParseURL(redisConn)
	if err == nil {
		return opts
	}
	parts := strings.Split(redisConn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Fatalf("invalid %s: %v", name, v)
	}
	return d
}
