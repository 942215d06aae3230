package services

// Worker error codes classified as transient. Anything else is terminal and
// fails the job immediately.
var retryableErrorCodes = map[string]struct{}{
	"GPU_OOM":            {},
	"CUDA_OOM":           {},
	"RESOURCE_EXHAUSTED": {},
	"WORKER_TIMEOUT":     {},
	"CONNECTION_ERROR":   {},
	"MODEL_LOAD_FAILED":  {},
}

// IsRetryableErrorCode reports whether a worker failure is transient.
func IsRetryableErrorCode(code string) bool {
	_, ok := retryableErrorCodes[code]
	return ok
}

// ShouldRetry decides, for a failure callback, whether to re-enqueue the job
// or terminate it and refund. attempt is the number of attempts already made.
func ShouldRetry(errorCode string, attempt, maxRetries int) bool {
	return IsRetryableErrorCode(errorCode) && attempt < maxRetries
}
