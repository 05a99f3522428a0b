package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"CipherChat/server/internal/appMiddleware"
	"CipherChat/server/internal/config"
	"CipherChat/server/internal/crypto"
	"CipherChat/server/internal/db"
	"CipherChat/server/internal/handlers"
	"CipherChat/server/internal/pool"
	"CipherChat/server/internal/services"
	"CipherChat/server/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	ctx := context.Background()

	pgPool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	defer pgPool.Close()

	if err := db.Migrate(pgPool); err != nil {
		logrus.WithError(err).Fatal("failed to apply migrations")
	}

	cipher, err := crypto.NewCipherFromBase64(cfg.MessageKey)
	if err != nil {
		logrus.WithError(err).Fatal("invalid MESSAGE_KEY")
	}

	userStore := storage.NewUserStore(pgPool)
	messageStore := storage.NewMessageStore(pgPool)
	conversationStore := storage.NewConversationStore(pgPool)
	groupStore := storage.NewGroupStore(pgPool)

	userService := services.NewUserService(userStore, []byte(cfg.JWTSecret))
	messagingService, err := services.NewMessagingService(messageStore, conversationStore,
		userStore, cipher, cfg.PreviewCacheSize)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build messaging service")
	}
	groupService := services.NewGroupService(groupStore, userStore, cipher)

	registry := pool.NewRegistry()
	clock := clockwork.NewRealClock()

	wsHandler := handlers.NewWSHandler(registry, userService, messagingService, groupService,
		clock, cfg.OpTimeout, cfg.SendBuffer, cfg.RateLimit)
	authHandler := handlers.NewAuthHandler(userService)
	conversationsHandler := handlers.NewConversationsHandler(messagingService)
	groupsHandler := handlers.NewGroupsHandler(groupService)

	r := chi.NewRouter()

	r.Use(appMiddleware.CorsMiddleware)

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", authHandler.Register)
	r.Post("/login", authHandler.Login)

	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.AuthMiddleware([]byte(cfg.JWTSecret)))
		r.Get("/api/conversations", conversationsHandler.List)
		r.Get("/api/groups", groupsHandler.List)
	})

	r.Get("/ws", wsHandler.HandleWS)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	logrus.Infof("server started on %s", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	logrus.Info("stopping the server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Fatal("server shutdown error")
	}
	logrus.Info("server has been successfully stopped")
}
