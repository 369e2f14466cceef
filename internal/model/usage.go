package model

import "time"

// UsageEvent is one append-only record of a request made with an API key.
type UsageEvent struct {
	ID             string    `json:"id" db:"id"`
	APIKeyID       string    `json:"api_key_id" db:"api_key_id"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	Method         string    `json:"method" db:"method"`
	StatusCode     int       `json:"status_code" db:"status_code"`
	ResponseTimeMs int64     `json:"response_time_ms" db:"response_time_ms"`
	IPAddress      string    `json:"ip_address" db:"ip_address"`
	UserAgent      string    `json:"user_agent" db:"user_agent"`
	Origin         string    `json:"origin,omitempty" db:"origin"`
	ResourceType   string    `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID     string    `json:"resource_id,omitempty" db:"resource_id"`
	ErrorMessage   string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Failed reports whether the event counts as a failed request: a status of
// 400 or above, or an explicitly recorded error.
func (e *UsageEvent) Failed() bool {
	return e.StatusCode >= 400 || e.ErrorMessage != ""
}

// UsageStats aggregates usage events for a single key.
type UsageStats struct {
	TotalRequests      int64           `json:"total_requests"`
	SuccessfulRequests int64           `json:"successful_requests"`
	FailedRequests     int64           `json:"failed_requests"`
	AvgResponseTimeMs  float64         `json:"avg_response_time_ms"`
	TopEndpoints       []EndpointCount `json:"top_endpoints"`
}

// EndpointCount is a single entry of the top-endpoints ranking.
type EndpointCount struct {
	Endpoint string `json:"endpoint" db:"endpoint"`
	Count    int64  `json:"count" db:"request_count"`
}
