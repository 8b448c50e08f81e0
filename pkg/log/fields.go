package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Process
	FieldService    = "service"
	FieldInstanceID = "instance_id"
	FieldComponent  = "component"

	// Relay
	FieldRoomID    = "room_id"
	FieldEvent     = "event"
	FieldAttempt   = "attempt"
	FieldState     = "state"
	FieldEndpoint  = "endpoint"
	FieldAvailable = "available"
	FieldRooms     = "rooms"
)
