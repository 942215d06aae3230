package services

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/atelierml/backend/internal/config"
	"github.com/atelierml/backend/internal/models"
)

type MockTaskPublisher struct {
	mock.Mock
}

func (m *MockTaskPublisher) Enqueue(ctx context.Context, jobType models.JobType, data any) (string, error) {
	args := m.Called(ctx, jobType, data)
	return args.String(0), args.Error(1)
}

func (m *MockTaskPublisher) Reenqueue(ctx context.Context, jobType models.JobType, taskID string, data any) error {
	args := m.Called(ctx, jobType, taskID, data)
	return args.Error(0)
}

func (m *MockTaskPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockNotifier records notifications and signals notified so tests can wait
// for the fire-and-forget goroutine.
type MockNotifier struct {
	mock.Mock
	notified chan struct{}
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{notified: make(chan struct{}, 4)}
}

func (m *MockNotifier) Notify(recipientID int64, notifType, targetType string, targetID int64, metadata map[string]any) {
	m.Called(recipientID, notifType, targetType, targetID, metadata)
	m.notified <- struct{}{}
}

func (m *MockNotifier) waitNotified(timeout time.Duration) bool {
	select {
	case <-m.notified:
		return true
	case <-time.After(timeout):
		return false
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testDBConfig() config.DatabaseConfig {
	return config.DatabaseConfig{LockTimeout: 5 * time.Second}
}

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		MaxRetries:   3,
		TrainingCost: 100,
		GenerationCosts: map[string]int64{
			"1:1": 50,
			"2:2": 75,
			"1:2": 60,
		},
		DefaultEpochs:   200,
		ResultURLExpiry: time.Hour,
	}
}

func testWebhookConfig() config.WebhookConfig {
	return config.WebhookConfig{
		InternalToken:  "secret",
		AllowedSources: []string{"training-server", "inference-server"},
		DedupRetention: 7 * 24 * time.Hour,
		JanitorPeriod:  time.Hour,
	}
}
