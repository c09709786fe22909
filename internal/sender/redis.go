package sender

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// RedisOptions configures a RedisSender
type RedisOptions struct {
	Addr     string `default:"localhost:6379"`
	Password string
	DB       int
	Key      string        `default:"blesync:records"`
	Timeout  time.Duration `default:"3s"`
}

// RedisSender appends each record to a Redis list with RPUSH, so consumers
// can pop records in arrival order.
type RedisSender struct {
	client *redis.Client
	key    string
	logger *logrus.Logger
}

var _ Sender = (*RedisSender)(nil)

func NewRedisSender(opts RedisOptions, logger *logrus.Logger) *RedisSender {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
		// retries are owned by the upload pump
		MaxRetries: -1,
	})

	return &RedisSender{client: client, key: opts.Key, logger: logger}
}

func (s *RedisSender) Send(ctx context.Context, body string) error {
	n, err := s.client.RPush(ctx, s.key, body).Result()
	if err != nil {
		return &TransportError{Op: "rpush " + s.key, Err: err}
	}
	s.logger.WithFields(logrus.Fields{
		"key":    s.key,
		"length": n,
	}).Debug("Record pushed")
	return nil
}

// Close releases the connection pool
func (s *RedisSender) Close() error {
	return s.client.Close()
}
