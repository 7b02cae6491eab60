// Package rest wraps the eKYC backend: meeting lifecycle, client-side
// log shipping, contract confirmation and session detail. All
// endpoints answer the uniform envelope shape.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 15 * time.Second

// Endpoint path templates; ":name" segments are substituted per call.
const (
	pathMeetingCreate   = "/api/v1/meetings"
	pathMeetingHook     = "/api/v1/meetings/:id/hook"
	pathMeetingClose    = "/api/v1/meetings/:id/close"
	pathClientLog       = "/api/v1/logs"
	pathContractConfirm = "/api/v1/contracts/:id/confirm"
	pathSessionDetail   = "/api/v1/sessions/:key"
)

// Envelope is the backend's uniform response wrapper.
type Envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	HTTPCode  int             `json:"httpCode"`
	ErrorCode string          `json:"errorCode"`
	ID        *int64          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// APIError is a backend-reported failure (envelope status false).
type APIError struct {
	Code     string
	Message  string
	HTTPCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %s (http %d): %s", e.Code, e.HTTPCode, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// expandPath substitutes ":name" placeholders in a path template.
func expandPath(template string, params map[string]string) string {
	segs := strings.Split(template, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			if v, ok := params[s[1:]]; ok {
				segs[i] = v
			}
		}
	}
	return strings.Join(segs, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*Envelope, error) {
	var payload *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(b)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope from %s: %w", path, err)
	}
	if !env.Status {
		log.Warn().Str("module", "rest").Str("path", path).Str("code", env.ErrorCode).
			Msg("backend rejected request")
		return &env, &APIError{Code: env.ErrorCode, Message: env.Message, HTTPCode: env.HTTPCode}
	}
	return &env, nil
}

// Meeting is the lifecycle record the backend tracks per video call.
type Meeting struct {
	ID         int64  `json:"id"`
	Channel    string `json:"channel"`
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
}

type CreateMeetingRequest struct {
	ApplicationID string `json:"applicationId"`
	CustomerName  string `json:"customerName"`
}

func (c *Client) CreateMeeting(ctx context.Context, req CreateMeetingRequest) (*Meeting, error) {
	env, err := c.do(ctx, http.MethodPost, pathMeetingCreate, req)
	if err != nil {
		return nil, err
	}
	var m Meeting
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return nil, fmt.Errorf("decode meeting: %w", err)
	}
	return &m, nil
}

// HookCall confirms to the backend that the call leg is live; the app
// starts the channel health check only after this succeeds.
func (c *Client) HookCall(ctx context.Context, meetingID int64) error {
	path := expandPath(pathMeetingHook, map[string]string{"id": fmt.Sprint(meetingID)})
	_, err := c.do(ctx, http.MethodPost, path, nil)
	return err
}

func (c *Client) CloseMeeting(ctx context.Context, meetingID int64, reason string) error {
	path := expandPath(pathMeetingClose, map[string]string{"id": fmt.Sprint(meetingID)})
	_, err := c.do(ctx, http.MethodPost, path, map[string]string{"reason": reason})
	return err
}

type ClientLog struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (c *Client) PostClientLog(ctx context.Context, entry ClientLog) error {
	_, err := c.do(ctx, http.MethodPost, pathClientLog, entry)
	return err
}

type ConfirmContractRequest struct {
	Accepted bool   `json:"accepted"`
	OTP      string `json:"otp,omitempty"`
}

func (c *Client) ConfirmContract(ctx context.Context, contractID int64, req ConfirmContractRequest) error {
	path := expandPath(pathContractConfirm, map[string]string{"id": fmt.Sprint(contractID)})
	_, err := c.do(ctx, http.MethodPost, path, req)
	return err
}

type SessionDetail struct {
	SessionKey string `json:"sessionKey"`
	MeetingID  int64  `json:"meetingId"`
	AgentName  string `json:"agentName"`
	State      string `json:"state"`
}

func (c *Client) SessionDetail(ctx context.Context, sessionKey string) (*SessionDetail, error) {
	path := expandPath(pathSessionDetail, map[string]string{"key": sessionKey})
	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var d SessionDetail
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("decode session detail: %w", err)
	}
	return &d, nil
}
