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

	"taskboard-api/api"
	"taskboard-api/storage"
)

const (
	defaultUpdatesChannel = "board-updates"
	defaultCacheTTL       = 30 * time.Second
	defaultAlertDedupeTTL = 24 * time.Hour
	defaultRescanInterval = 5 * time.Minute
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	var base api.Store
	switch backend := strings.ToLower(os.Getenv("STORE_BACKEND")); backend {
	case "", "file":
		dir := os.Getenv("DATA_DIR")
		if dir == "" {
			dir = "data"
		}
		fs, err := storage.NewFileStore(dir, logger)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		base = fs
	case "table":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		boardsTableName := os.Getenv("BOARDS_TABLE")
		if connStr == "" || boardsTableName == "" {
			log.Fatal("missing storage config")
		}
		ts, err := storage.NewTableStore(connStr, boardsTableName, logger)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		if err := ts.EnsureTable(context.Background()); err != nil {
			log.Fatalf("ensure table: %v", err)
		}
		base = ts
	default:
		log.Fatalf("unsupported STORE_BACKEND %q", backend)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	store := storage.NewCache(base, rc, durationEnv("CACHE_TTL", defaultCacheTTL))

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1" || os.Getenv("LOCAL_AUTH_MODE") != ""
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	updatesChannel := os.Getenv("UPDATES_CHANNEL")
	if updatesChannel == "" {
		updatesChannel = defaultUpdatesChannel
	}
	broker := api.NewBroker()
	pub := api.NewRedisPublisher(rc, updatesChannel)
	dedupe := api.NewRedisAlertDeduper(rc, durationEnv("ALERT_DEDUPE_TTL", defaultAlertDedupeTTL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go api.SubscribeUpdates(ctx, logger, rc, store, updatesChannel, broker)
	go api.NewRescanner(store, broker, pub, dedupe, logger).Run(ctx, durationEnv("ALERT_RESCAN_INTERVAL", defaultRescanInterval))

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, store, auth, pub, broker, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	} else if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return d
}
