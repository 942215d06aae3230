package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/atelierml/backend/internal/config"
	"github.com/atelierml/backend/internal/models"
)

// TaskEnvelope is the versioned message published to the workers.
type TaskEnvelope struct {
	TaskID      string          `json:"task_id"`
	Type        models.JobType  `json:"type"`
	Data        json.RawMessage `json:"data"`
	CallbackURL string          `json:"callback_url"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TaskPublisher enqueues jobs to the durable work queues. Enqueue mints a
// fresh task id; Reenqueue reuses the original one for a retry.
type TaskPublisher interface {
	Enqueue(ctx context.Context, jobType models.JobType, data any) (string, error)
	Reenqueue(ctx context.Context, jobType models.JobType, taskID string, data any) error
	Close() error
}

// AMQPPublisher publishes to RabbitMQ with persistent delivery and publisher
// confirms. The connection is lazy and re-established when the broker drops it.
type AMQPPublisher struct {
	url          string
	callbackBase string
	timeout      time.Duration
	log          *logrus.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(cfg config.BrokerConfig, log *logrus.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		url:          cfg.URL,
		callbackBase: cfg.CallbackBase,
		timeout:      cfg.PublishTimeout,
		log:          log,
	}
}

// Enqueue publishes a new task and returns its task id.
func (p *AMQPPublisher) Enqueue(ctx context.Context, jobType models.JobType, data any) (string, error) {
	taskID := uuid.NewString()
	if err := p.publish(ctx, jobType, taskID, data); err != nil {
		return "", err
	}
	return taskID, nil
}

// Reenqueue re-publishes a task under its original task id.
func (p *AMQPPublisher) Reenqueue(ctx context.Context, jobType models.JobType, taskID string, data any) error {
	return p.publish(ctx, jobType, taskID, data)
}

func (p *AMQPPublisher) publish(ctx context.Context, jobType models.JobType, taskID string, data any) error {
	envelope, err := BuildEnvelope(jobType, taskID, data, p.callbackBase)
	if err != nil {
		return err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal task envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ch, err := p.channel()
	if err != nil {
		return fmt.Errorf("broker unavailable: %w", err)
	}

	queueName := QueueName(jobType)
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		p.reset()
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    taskID,
		Timestamp:    envelope.CreatedAt,
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked publish to %s", queueName)
	}

	p.log.WithFields(logrus.Fields{
		"subsystem": "queue",
		"queue":     queueName,
		"task_id":   taskID,
	}).Info("published task")
	return nil
}

// channel returns a confirmed channel, dialing the broker if needed.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}

	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// QueueName maps a job type to its durable queue.
func QueueName(jobType models.JobType) string {
	return string(jobType)
}

// BuildEnvelope assembles the wire message for a task.
func BuildEnvelope(jobType models.JobType, taskID string, data any, callbackBase string) (*TaskEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal task data: %w", err)
	}
	return &TaskEnvelope{
		TaskID:      taskID,
		Type:        jobType,
		Data:        raw,
		CallbackURL: CallbackURL(callbackBase, jobType),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// CallbackURL is the webhook root the worker reports back to.
func CallbackURL(base string, jobType models.JobType) string {
	if jobType == models.JobTypeTraining {
		return base + "/api/webhooks/training"
	}
	return base + "/api/webhooks/generation"
}
