package handler

const (
	errInternalServer = "Internal server error"
	errJobNotFound    = "Job not found"
	errJobActive      = "Job is currently active"
	errJobNotActive   = "Job is not active"
	errNotRetryable   = "Job is active or completed"
)
