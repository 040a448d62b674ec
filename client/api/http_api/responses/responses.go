package responses

type BaseResponse struct {
	ErrorMessage string      `json:"error_message,omitempty"`
	Result       interface{} `json:"result"`
}

// HealthResponse is the payload of the health endpoint.
type HealthResponse struct {
	NodeID       string `json:"node_id"`
	LiveSessions int    `json:"live_sessions"`
}
