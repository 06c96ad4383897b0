package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// LogSink writes each entry as a structured log line
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink backed by logger
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, entries []Entry) error {
	for _, e := range entries {
		fields := logrus.Fields{
			"history_entry": true,
			"entry_id":      e.ID,
			"request_id":    e.RequestID,
			"operation":     e.Operation,
			"status":        e.Status,
			"client_id":     e.ClientID,
		}
		if e.Status.Terminal() {
			fields["duration_ms"] = e.DurationMs
		}
		if e.ErrorCode != "" {
			fields["error_code"] = e.ErrorCode
		}

		entry := s.logger.WithFields(fields)
		if e.Status == StatusError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Request " + strings.ToLower(string(e.Status)))
		}
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// PostgresConfig configures the Postgres history sink
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// execer is the subset of *pgxpool.Pool used by the sink
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink inserts every entry snapshot as a JSONB row. The table is expected to
// have (entry_id uuid, request_id text, status text, recorded_at timestamptz, payload jsonb).
type PostgresSink struct {
	db    execer
	pool  *pgxpool.Pool
	query string
}

// NewPostgresSink connects a pool and verifies it with a ping
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres history sink requires a dsn")
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	sink := newPostgresSink(pool, cfg.Table)
	sink.pool = pool
	return sink, nil
}

func newPostgresSink(db execer, table string) *PostgresSink {
	if table == "" {
		table = "request_history"
	}
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	return &PostgresSink{
		db: db,
		query: `INSERT INTO ` + ident + ` (entry_id, request_id, status, recorded_at, payload)
			VALUES ($1, $2, $3, $4, $5)`,
	}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
			continue
		}
		if _, err := s.db.Exec(ctx, s.query, e.ID, e.RequestID, string(e.Status), e.UpdatedAt, payload); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// AMQPConfig configures the history event publisher
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// publisher is the subset of *amqp.Channel used by the sink
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes each entry to a topic exchange under history.{operation}.{status}
type AMQPSink struct {
	channel  publisher
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPSink dials the broker and declares the topic exchange
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp history sink requires a url")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "traffic_history"
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	sink := newAMQPSink(ch, cfg.Exchange)
	sink.conn = conn
	sink.ch = ch
	return sink, nil
}

func newAMQPSink(channel publisher, exchange string) *AMQPSink {
	return &AMQPSink{channel: channel, exchange: exchange}
}

// RoutingKey returns the topic key an entry is published under
func RoutingKey(e Entry) string {
	return fmt.Sprintf("history.%s.%s", e.Operation, strings.ToLower(string(e.Status)))
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Write(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
			continue
		}
		err = s.channel.PublishWithContext(ctx, s.exchange, RoutingKey(e), false, false, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: e.RequestID,
			MessageId:     e.ID,
			Timestamp:     e.UpdatedAt,
			Body:          body,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *AMQPSink) Close() error {
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
