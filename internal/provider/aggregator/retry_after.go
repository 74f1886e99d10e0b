package aggregator

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// errorBody is the aggregator's JSON error envelope.
type errorBody struct {
	ErrorType    string          `json:"error_type"`
	ErrorCode    string          `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
	AccountID    string          `json:"account_id"`
	RetryAfter   json.RawMessage `json:"retry_after"` // "3.5s" or 3
}

// readErrorBody decodes the error envelope and restores resp.Body.
func readErrorBody(resp *http.Response) (errorBody, []byte) {
	var body errorBody
	if resp == nil || resp.Body == nil {
		return body, nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return body, nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	_ = json.Unmarshal(raw, &body)
	return body, raw
}

// ParseRetryDelay extracts the wait from a 429 response: the standard
// Retry-After header (seconds or HTTP date) first, then the JSON body's
// retry_after field. Returns 0 if neither is present.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After")); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
	}

	body, _ := readErrorBody(resp)
	return parseRetryAfterField(body.RetryAfter)
}

func parseRetryAfterField(raw json.RawMessage) time.Duration {
	if len(raw) == 0 {
		return 0
	}
	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if d, err := time.ParseDuration(text); err == nil && d > 0 {
			return d
		}
		if n, err := strconv.ParseFloat(text, 64); err == nil && n > 0 {
			return time.Duration(n * float64(time.Second))
		}
	}
	return 0
}
