package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"workerscheduler/internal/tasks"
)

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int    `json:"status_code"`
	Elapsed    string `json:"elapsed"`
}

// Run performs the request described by args. Responses with a status of
// 400 or above are failures.
func Run(ctx context.Context, log tasks.LogFunc, args json.RawMessage) (any, error) {
	var req Request
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errors.Wrap(err, "invalid HTTP request payload")
	}

	if req.URL == "" {
		return nil, errors.New("URL is required")
	}

	if req.Method == "" {
		req.Method = "GET"
	}

	if req.Timeout <= 0 {
		req.Timeout = 30 // default 30 seconds
	}

	client := &http.Client{
		Timeout: time.Duration(req.Timeout) * time.Second,
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	start := time.Now()
	log(fmt.Sprintf("%s %s", req.Method, req.URL))
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	elapsed := time.Since(start)
	log(fmt.Sprintf("HTTP %d in %s", resp.StatusCode, elapsed.Round(time.Millisecond)))

	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	return Response{StatusCode: resp.StatusCode, Elapsed: elapsed.String()}, nil
}
