package log

import "time"

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldTraceID     = "trace_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldQuery       = "query"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldElapsed     = "elapsed_ms"
	FieldUserAgent   = "user_agent"
	FieldOrigin      = "origin"
	FieldSuccess     = "success"
	FieldError       = "error"
	FieldErrorType   = "error_type"
	FieldOperation   = "operation"
	FieldApplication = "application"
	FieldOutcome     = "outcome"
	FieldAttempt     = "attempt"
	FieldUpstream    = "upstream"
	FieldFilename    = "filename"
)

// Components defines standard component names
const (
	ComponentApp     = "app"
	ComponentRemote  = "remote"
	ComponentRelay   = "relay"
	ComponentJobs    = "jobs"
	ComponentStorage = "storage"
	ComponentAMQP    = "amqp"
	ComponentWorker  = "worker"
	ComponentCLI     = "cli"
	ComponentTrace   = "trace"
	ComponentCache   = "cache"
)

// Operations defines standard operation names
const (
	OpSubmit    = "submit"
	OpPoll      = "poll"
	OpOutput    = "output"
	OpForward   = "forward"
	OpPreflight = "preflight"
	OpIngest    = "ingest"
	OpQuery     = "query"
	OpInsights  = "insights"
	OpRecord    = "record"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation    = "validation_error"
	ErrorTypeConfiguration = "configuration_error"
	ErrorTypeDatabase      = "database_error"
	ErrorTypeNetwork       = "network_error"
	ErrorTypeRejected      = "rejected_error"
	ErrorTypeMalformed     = "malformed_response_error"
	ErrorTypeRemote        = "remote_failure_error"
	ErrorTypeTimeout       = "timeout_error"
	ErrorTypeInternal      = "internal_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	if requestID != "" {
		f[FieldRequestID] = requestID
	}
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithJob adds the remote application and request handle fields
func (f LogFields) WithJob(application, requestID string) LogFields {
	f[FieldApplication] = application
	return f.WithRequestID(requestID)
}

// WithElapsed adds elapsed time since start in milliseconds
func (f LogFields) WithElapsed(start time.Time) LogFields {
	f[FieldElapsed] = time.Since(start).Milliseconds()
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent, origin string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	f[FieldOrigin] = origin
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// With adds an arbitrary field
func (f LogFields) With(key string, value any) LogFields {
	f[key] = value
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
