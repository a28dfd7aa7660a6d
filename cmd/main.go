package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"google.golang.org/api/option"

	"walkly/internal/config"
	"walkly/internal/walk"
	"walkly/internal/walk/media"
)

type application struct {
	infoLog   *log.Logger
	errorLog  *log.Logger
	jwtSecret []byte
	walkDeps  *walk.WalkDeps
}

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}
	cfg := config.LoadConfig()

	addr := flag.String("addr", cfg.Server.Address, "HTTP network address")
	flag.Parse()

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)
	logger := &stdLogger{info: infoLog, err: errorLog}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		errorLog.Fatal("JWT_SECRET is required")
	}

	db, err := openDB(cfg.Database.URL)
	if err != nil {
		errorLog.Fatal(err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	walkCfg, err := walk.LoadWalkConfig()
	if err != nil {
		errorLog.Fatal(err)
	}

	app := &application{
		infoLog:   infoLog,
		errorLog:  errorLog,
		jwtSecret: []byte(jwtSecret),
	}

	app.walkDeps = &walk.WalkDeps{
		DB:       db,
		RDB:      rdb,
		Logger:   logger,
		Config:   walkCfg,
		Identity: app.identity,
		FCM:      openFCM(logger),
		Storage:  openStorage(logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := walk.StartWalkWorkers(ctx, app.walkDeps); err != nil {
		errorLog.Fatal(err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})

	routes, err := app.routes()
	if err != nil {
		errorLog.Fatal(err)
	}

	srv := &http.Server{
		Addr:         *addr,
		ErrorLog:     errorLog,
		Handler:      c.Handler(routes),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	infoLog.Printf("Starting server on %s", *addr)
	if err := srv.ListenAndServe(); err != nil {
		errorLog.Fatal(err)
	}
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		return nil, err
	}
	db.SetMaxIdleConns(35)
	log.Println("Successfully connected to database")
	return db, nil
}

// openFCM builds the messaging client when a service account file is
// configured; pushes degrade to log lines otherwise.
func openFCM(logger *stdLogger) *messaging.Client {
	credsFile := os.Getenv("FIREBASE_CREDENTIALS_FILE")
	if credsFile == "" {
		logger.Infof("FIREBASE_CREDENTIALS_FILE not set, push notifications disabled")
		return nil
	}
	app, err := firebase.NewApp(context.Background(), nil, option.WithCredentialsFile(credsFile))
	if err != nil {
		logger.Errorf("initialize firebase app: %v", err)
		return nil
	}
	client, err := app.Messaging(context.Background())
	if err != nil {
		logger.Errorf("initialize messaging client: %v", err)
		return nil
	}
	return client
}

func openStorage(logger *stdLogger) media.Storage {
	cfg := media.S3ConfigFromEnv()
	if !cfg.Configured() {
		logger.Infof("object storage not configured, photo upload disabled")
		return nil
	}
	storage, err := media.NewS3Storage(cfg)
	if err != nil {
		logger.Errorf("initialize object storage: %v", err)
		return nil
	}
	return storage
}

// stdLogger adapts the two leveled loggers to the module interfaces.
type stdLogger struct {
	info *log.Logger
	err  *log.Logger
}

func (l *stdLogger) Infof(format string, args ...interface{}) {
	l.info.Printf(format, args...)
}

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	l.err.Printf(format, args...)
}
