package models

import "time"

// APICall is one logged upstream call attempt.
type APICall struct {
	Timestamp          time.Time `json:"timestamp"`
	RateLimitRemaining *int      `json:"rateLimitRemaining,omitempty"`
	RateLimitLimit     *int      `json:"rateLimitLimit,omitempty"`
	RequestID          string    `json:"requestId"`
	Endpoint           string    `json:"endpoint"`
	QueryType          QueryType `json:"queryType"`
	Subject            string    `json:"subject"`
	RequestParams      string    `json:"requestParams,omitempty"`
	ErrorKind          string    `json:"errorKind,omitempty"`
	ErrorMessage       string    `json:"errorMessage,omitempty"`
	ID                 int64     `json:"id"`
	ResponseStatus     int       `json:"responseStatus"`
	ResponseTimeMs     int       `json:"responseTimeMs"`
}

// Failed reports whether the attempt did not produce a usable response.
func (c *APICall) Failed() bool {
	return c.ErrorKind != "" || c.ResponseStatus < 200 || c.ResponseStatus >= 300
}
