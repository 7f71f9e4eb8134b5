package response

// HealthResponse reports the state of each dependency of the process.
type HealthResponse struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
