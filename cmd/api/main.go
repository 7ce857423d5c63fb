package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"teamline/api/internal/app"
	"teamline/api/internal/board"
	"teamline/api/internal/config"
	"teamline/api/internal/email"
	"teamline/api/internal/gateway"
	"teamline/api/internal/notify"
	"teamline/api/internal/queue"
	"teamline/api/internal/reminder"
	"teamline/api/internal/search"
	"teamline/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	jobQueue, err := queue.New(cfg.RedisURL, cfg.QueueKey)
	if err != nil {
		log.WithError(err).Fatal("redis connection failed")
	}
	defer jobQueue.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliTaskKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)

	notifier := notify.NewService(dataStore, jobQueue, log)

	service := app.NewService(dataStore, nil, notifier, searchService,
		[]byte(cfg.JWTSecret), int64(cfg.AccessTTL/time.Second))
	hub := gateway.NewHub(service, log)
	boardService := board.NewService(dataStore, notifier, hub, searchService, log)
	service.SetBoard(boardService)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppBaseURL,
	})
	consumer := queue.NewConsumer(jobQueue, log)
	consumer.Handle(notify.JobNotificationEmail, notify.NewEmailWorker(dataStore, mailer, log).Handle)
	go consumer.Run(ctx)

	scanner := reminder.NewScanner(dataStore, notifier, hub, cfg.ReminderInterval, log)
	go scanner.Run(ctx)

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("teamline api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}
