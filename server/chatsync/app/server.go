package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"chatsync/server/chatsync/api"
	"chatsync/server/chatsync/service"
	"chatsync/server/common/auth"
	"chatsync/server/common/infra/cache"
	"chatsync/server/common/infra/db"
	"chatsync/server/common/infra/mq"
	"chatsync/server/common/infra/object"
	commonlog "chatsync/server/common/log"
)

type Server struct {
	HTTPServer *http.Server
	Client     *service.Client
	Hub        *service.Hub
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Publisher  *service.AMQPPublisher
	Archive    *service.Archive
	DB         *pgxpool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Token == "" {
		return nil, errors.New("CHATSYNC_TOKEN is required")
	}
	identity, err := auth.IdentityFromToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Server{}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	fail := func(err error) (*Server, error) {
		s.closeInfra()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	apiClient := service.NewAPIClient(cfg.Token, cfg.APIEndpoints, service.APIClientOptions{})

	var outbox service.ReceiptOutbox = service.NewMemoryOutbox()
	if s.Redis = cache.NewClient(cfg.RedisAddr); s.Redis != nil {
		if err := cache.Ping(ctx, s.Redis); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		outbox = service.NewRedisOutbox(s.Redis, identity.UserID)
	}

	var uploader service.AttachmentUploader = service.NewRESTUploader(apiClient)
	if cfg.MinIOEndpoint != "" {
		minioClient, err := object.Open(ctx, object.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return fail(fmt.Errorf("initialize minio: %w", err))
		}
		uploader = service.NewObjectUploader(minioClient, cfg.MinIOBucket, identity.UserID, 0)
	}

	client, err := service.NewClient(service.ClientConfig{
		Token:    cfg.Token,
		SelfID:   identity.UserID,
		SelfName: identity.Name,
		Connection: service.ConnectionConfig{
			URL:              cfg.WSURL,
			Heartbeat:        cfg.Heartbeat,
			HandshakeTimeout: 10 * time.Second,
			Backoff:          cfg.Backoff,
		},
		AckTimeout:      cfg.AckTimeout,
		ReadDebounce:    cfg.ReadDebounce,
		TypingTTL:       cfg.TypingTTL,
		SendVia:         cfg.SendVia,
		StatusCacheSize: cfg.StatusCacheSize,
		HistoryPageSize: cfg.HistoryPageSize,
	}, apiClient, service.WebSocketDialer{HandshakeTimeout: 10 * time.Second}, outbox, uploader, metrics)
	if err != nil {
		return fail(err)
	}
	s.Client = client
	store := client.Store()

	s.Hub = service.NewHub(store, 0)
	if s.Redis != nil {
		s.Hub.UseRedis(s.Redis)
		if err := s.Hub.StartRedisSubscriber(s.ctx); err != nil {
			return fail(fmt.Errorf("start hub subscriber: %w", err))
		}
	}
	s.unsubs = append(s.unsubs, store.Subscribe(s.Hub.OnChange))
	go s.Hub.Run(s.ctx)

	if cfg.UseMQ {
		s.MQConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return fail(fmt.Errorf("initialize lavinmq: %w", err))
		}
		channel, err := mq.DeclareEvents(s.MQConn)
		if err != nil {
			return fail(fmt.Errorf("declare events exchange: %w", err))
		}
		s.Publisher = service.NewAMQPPublisher(channel, store, 0)
		s.unsubs = append(s.unsubs, store.Subscribe(s.Publisher.OnChange))
		go s.Publisher.Run(s.ctx)
	}

	if cfg.PostgresDSN != "" {
		s.DB, err = db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("initialize postgres: %w", err))
		}
		s.Archive = service.NewArchive(s.DB, store, 0)
		if err := s.Archive.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		s.unsubs = append(s.unsubs, store.Subscribe(s.Archive.OnChange))
		go s.Archive.Run(s.ctx)
	}

	gatewayAuth := auth.NewService(cfg.GatewaySecret, cfg.GatewayTTL)
	h := api.NewHandler(client, s.Hub, gatewayAuth, registry)
	r := gin.Default()
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start connects to the messaging gateway and loads the room list.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Client.Start(ctx); err != nil {
		return fmt.Errorf("start chat client: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	if s.Client != nil {
		if stopErr := s.Client.Stop(ctx); stopErr != nil {
			commonlog.Warnf("event=chatsync_server action=stop_client status=failed error=%v", stopErr)
		}
	}
	for _, fn := range s.unsubs {
		fn()
	}
	s.closeInfra()
	return err
}

func (s *Server) closeInfra() {
	s.cancel()
	if s.Hub != nil {
		s.Hub.StopRedisSubscriber()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}
