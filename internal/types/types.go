// Package types holds the shared data model for the hivequery pipeline:
// query requests, per-service responses, routing plans, and the final
// synthesized result. Everything here is plain data; behavior lives in the
// component packages.
package types

import "time"

// Status classifies the outcome of a single service call.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusAuthRequired Status = "auth_required"
	StatusTokenExpired Status = "token_expired"
	StatusRateLimited  Status = "rate_limited"
	StatusTimeout      Status = "timeout"
	StatusParseError   Status = "parse_error"
	StatusError        Status = "error"
)

// IsFailure reports whether the status represents a failed call.
func (s Status) IsFailure() bool {
	return s != StatusSuccess
}

// Category is the router's classification of a query.
type Category string

const (
	CategoryWeather     Category = "weather"
	CategoryNews        Category = "news"
	CategoryTranslation Category = "translation"
	CategoryCurrency    Category = "currency"
	CategoryFactual     Category = "factual"
	CategoryCreative    Category = "creative"
	CategoryAnalytical  Category = "analytical"
	CategoryTechnical   Category = "technical"
	CategoryGeneral     Category = "general"
)

// QueryRequest describes one query to be fanned out. Immutable once dispatched.
type QueryRequest struct {
	RawText        string        `json:"raw_text"`
	TargetServices []string      `json:"target_services"`
	Timeout        time.Duration `json:"timeout"`
	Confidential   bool          `json:"confidential"`
	StructuredMode bool          `json:"structured_mode"`
}

// StructuredPayload is the machine-code envelope requested from chat services.
// Only Response is required on the wire; the processor fills the rest with
// defaults.
type StructuredPayload struct {
	Response   string   `json:"response"`
	Summary    string   `json:"summary"`
	KeyPoints  []string `json:"key_points"`
	Confidence float64  `json:"confidence"`
	Category   string   `json:"category"`
}

// ServiceResponse is the result of one automator or utility call. Produced
// once, never mutated afterwards.
type ServiceResponse struct {
	ServiceID  string             `json:"service_id"`
	RawText    string             `json:"raw_text"`
	Structured *StructuredPayload `json:"structured,omitempty"`
	Confidence float64            `json:"confidence"`
	Category   string             `json:"category"`
	Status     Status             `json:"status"`
	Latency    time.Duration      `json:"latency"`
	Err        string             `json:"error,omitempty"`
}

// Failure builds a failure-status response for a service.
func Failure(serviceID string, status Status, err error) ServiceResponse {
	resp := ServiceResponse{
		ServiceID: serviceID,
		Status:    status,
	}
	if err != nil {
		resp.Err = err.Error()
	}
	return resp
}

// ServiceCredential is the decrypted view of one service's stored secret.
type ServiceCredential struct {
	ServiceID      string            `json:"service_id"`
	Secret         string            `json:"secret"`
	SessionCookies map[string]string `json:"session_cookies,omitempty"`
	ProfileHandle  string            `json:"profile_handle"`
	ExpiresAt      time.Time         `json:"expires_at"`
	RateWindow     int               `json:"rate_window"`
}

// Expired reports whether the credential's session TTL has lapsed.
func (c *ServiceCredential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Contribution records what one service contributed to the final answer.
type Contribution struct {
	ServiceID  string  `json:"service_id"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
	FollowedUp bool    `json:"followed_up"`
}

// SynthesizedResult is the final attributed answer. Read-only once produced.
type SynthesizedResult struct {
	OriginalQuery     string            `json:"original_query"`
	RefinedQuery      string            `json:"refined_query"`
	Contributions     []Contribution    `json:"per_service_contributions"`
	FollowUpQuestions map[string]string `json:"follow_up_questions,omitempty"`
	FinalText         string            `json:"final_text"`
	Sources           []string          `json:"sources"`
	Confidence        float64           `json:"confidence"`
	Synthesizer       string            `json:"synthesizer"` // "model" or "heuristic fallback"
	AllFailed         bool              `json:"all_failed,omitempty"`
	FailedStage       string            `json:"failed_stage,omitempty"`
}
