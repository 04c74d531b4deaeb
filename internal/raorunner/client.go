// Package raorunner talks to the remote security computation service over
// NATS request-reply.
package raorunner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/raoresult"
	"github.com/terminal-bench/csarunner/pkg/messaging"
)

// Request submits one network and rule set for a security computation
type Request struct {
	ID                   string `json:"id"`
	RunID                string `json:"run_id"`
	NetworkFileURL       string `json:"network_file_url"`
	CracFileURL          string `json:"crac_file_url"`
	RaoParametersFileURL string `json:"rao_parameters_file_url,omitempty"`
	ResultsDestination   string `json:"results_destination"`
	EventPrefix          string `json:"event_prefix"`
}

// Response is the outcome of a security computation. On success the result
// is written to ResultsDestination in the artifact store.
type Response struct {
	ID                 string    `json:"id"`
	Failed             bool      `json:"failed"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	Interrupted        bool      `json:"interrupted"`
	ResultsDestination string    `json:"results_destination,omitempty"`
	ComputationStart   time.Time `json:"computation_start,omitempty"`
	ComputationEnd     time.Time `json:"computation_end,omitempty"`
}

// MonitoringRequest asks for a post-hoc angle or voltage monitoring pass
type MonitoringRequest struct {
	ID             string                      `json:"id"`
	Border         string                      `json:"border"`
	Parameter      raoresult.PhysicalParameter `json:"parameter"`
	NetworkFileURL string                      `json:"network_file_url"`
	NetworkPath    string                      `json:"network_path"`
	CracFileURL    string                      `json:"crac_file_url"`
	Result         raoresult.Result            `json:"result"`
}

type monitoringResponse struct {
	raoresult.MonitoringResult
	Error string `json:"error,omitempty"`
}

// Requester is the request-reply capability of the messaging client
type Requester interface {
	Request(ctx context.Context, subject string, data interface{}, timeout time.Duration) (*nats.Msg, error)
}

var _ Requester = (*messaging.Client)(nil)

// Client is the NATS client of the remote computation service
type Client struct {
	requester Requester
	timeout   time.Duration
	logger    *zap.Logger
}

// NewClient creates a client. timeout bounds each computation.
func NewClient(requester Requester, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{requester: requester, timeout: timeout, logger: logger}
}

// Run submits a computation and waits for its response
func (c *Client) Run(ctx context.Context, req Request) (Response, error) {
	c.logger.Info("rao request sent", zap.String("border", req.EventPrefix), zap.String("id", req.ID), zap.String("network", req.NetworkFileURL))

	msg, err := c.requester.Request(ctx, messaging.SubjectRaoRequest, req, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("rao request %s failed: %w", req.ID, err)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode rao response: %w", err)
	}
	if resp.ResultsDestination == "" {
		resp.ResultsDestination = req.ResultsDestination
	}
	c.logger.Info("rao response received",
		zap.String("border", req.EventPrefix),
		zap.Bool("failed", resp.Failed),
		zap.Bool("interrupted", resp.Interrupted))
	return resp, nil
}

// Monitor runs a monitoring pass on the subject of its physical parameter
func (c *Client) Monitor(ctx context.Context, req MonitoringRequest) (raoresult.MonitoringResult, error) {
	subject := messaging.SubjectMonitoringAngle
	if req.Parameter == raoresult.Voltage {
		subject = messaging.SubjectMonitoringVoltage
	}

	msg, err := c.requester.Request(ctx, subject, req, c.timeout)
	if err != nil {
		return raoresult.MonitoringResult{}, fmt.Errorf("%s monitoring request failed: %w", req.Parameter, err)
	}

	var resp monitoringResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return raoresult.MonitoringResult{}, fmt.Errorf("failed to decode monitoring response: %w", err)
	}
	if resp.Error != "" {
		return raoresult.MonitoringResult{}, fmt.Errorf("%s monitoring failed: %s", req.Parameter, resp.Error)
	}
	resp.MonitoringResult.Parameter = req.Parameter
	return resp.MonitoringResult, nil
}
