package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableErrorCode(t *testing.T) {
	for _, code := range []string{"GPU_OOM", "CUDA_OOM", "RESOURCE_EXHAUSTED", "WORKER_TIMEOUT", "CONNECTION_ERROR", "MODEL_LOAD_FAILED"} {
		assert.True(t, IsRetryableErrorCode(code), code)
	}

	for _, code := range []string{"INVALID_INPUT", "CORRUPTED_MODEL", "gpu_oom", ""} {
		assert.False(t, IsRetryableErrorCode(code), code)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		attempt    int
		maxRetries int
		want       bool
	}{
		{"first transient failure", "GPU_OOM", 0, 3, true},
		{"budget remaining", "WORKER_TIMEOUT", 2, 3, true},
		{"budget exhausted", "GPU_OOM", 3, 3, false},
		{"past budget", "GPU_OOM", 5, 3, false},
		{"terminal code with budget", "INVALID_INPUT", 0, 3, false},
		{"unknown code", "SOMETHING_ELSE", 1, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.code, tt.attempt, tt.maxRetries))
		})
	}
}
