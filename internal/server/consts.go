package server

const (
	HealthEndpoint = "/health"
	StatusEndpoint = "/status"
	ReloadEndpoint = "/reload"
	StopEndpoint   = "/stop"
	PipelinesPath  = "/pipelines"
)

const (
	StatusHealthy = "healthy"
)

const (
	MessageReloadStarted      = "Rolling reload started"
	MessageStopping           = "Shutting down"
	MessageRunQueued          = "Pipeline run queued"
	MessageInvalidRequestBody = "Invalid request body"
	MessagePipelineDisabled   = "No pipeline configured"
	MessageListFailed         = "Could not list runs"
	MessageInvalidToken       = "Invalid token"
)

const (
	ErrorCodeInvalidRequestBody = "invalid_request_body"
	ErrorCodePipelineDisabled   = "pipeline_disabled"
	ErrorCodeListFailed         = "list_failed"
)

const (
	RunNotFoundMessageFmt = "Run %s not found"
)
