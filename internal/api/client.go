// Package api is the REST client for the bakery production backend.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/sgmi/padaria-floor/internal/domain"
	"github.com/sgmi/padaria-floor/internal/observability"
)

const defaultRequestTimeout = 10 * time.Second

// TokenSource supplies a valid bearer token for authenticated calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the production backend. Calls are not retried here; retry
// policy belongs to the callers (batch-number conflicts in the controller,
// reconnects in the realtime channel).
type Client struct {
	http    *resty.Client
	tokens  TokenSource
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewClient(baseURL string, tokens TokenSource, logger *zap.Logger) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	http := resty.New()
	http.SetBaseURL(trimmed)
	http.SetTimeout(defaultRequestTimeout)
	http.SetRetryCount(0)
	http.SetHeader("Content-Type", "application/json")

	return &Client{
		http:   http,
		tokens: tokens,
		logger: logger,
	}, nil
}

// SetTokenSource installs the token source after construction. The auth
// manager needs the client to log in, so the two are wired in this order.
func (c *Client) SetTokenSource(tokens TokenSource) {
	if c == nil {
		return
	}
	c.tokens = tokens
}

func (c *Client) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

// Plan is a production plan as returned by the backend.
type Plan struct {
	ID              string  `json:"id"`
	ProductID       string  `json:"product_id"`
	Shift           string  `json:"shift"`
	PlannedDate     string  `json:"planned_date"`
	PlannedQuantity float64 `json:"planned_quantity"`
}

// PlanRequest creates a production plan.
type PlanRequest struct {
	ProductID       string  `json:"product_id"`
	PlannedQuantity float64 `json:"planned_quantity"`
	Shift           string  `json:"shift"`
	PlannedDate     string  `json:"planned_date"` // YYYY-MM-DD
}

// BatchRequest creates a batch under a plan. The backend rejects duplicate
// batch numbers with a conflict status.
type BatchRequest struct {
	ProductionPlanID string  `json:"production_plan_id"`
	BatchNumber      int     `json:"batch_number"`
	EstimatedKg      float64 `json:"estimated_kg"`
}

// Product is a sellable product the backend knows about.
type Product struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Unit   string `json:"unit"`
	Active bool   `json:"active"`
}

// SessionSubmission is the simplified payload reported once when a session
// finishes.
type SessionSubmission struct {
	Product   string     `json:"product"`
	Shift     string     `json:"shift"`
	Date      string     `json:"date"` // DD-MM-YYYY
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Bateladas int        `json:"bateladas"`
	Duration  int        `json:"duration"` // effective working seconds
}

type planEnvelope struct {
	Data Plan `json:"data"`
}

type plansEnvelope struct {
	Data []Plan `json:"data"`
}

type batchEnvelope struct {
	Data domain.BatchStatus `json:"data"`
}

type batchesEnvelope struct {
	Data []domain.BatchStatus `json:"data"`
}

type productsEnvelope struct {
	Data []Product `json:"data"`
}

type errorEnvelope struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) CreatePlan(ctx context.Context, req PlanRequest) (*Plan, error) {
	if strings.TrimSpace(req.ProductID) == "" {
		return nil, fmt.Errorf("%w: product id is required", domain.ErrValidation)
	}

	var out planEnvelope
	resp, err := c.authenticated(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/director/production-plans")
	if err := c.finish(ctx, "create_plan", resp, err); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) FindPlans(ctx context.Context, productID string, shift domain.Shift, plannedDate string) ([]Plan, error) {
	var out plansEnvelope
	resp, err := c.authenticated(ctx).
		SetQueryParams(map[string]string{
			"product_id":   productID,
			"shift":        shift.BackendName(),
			"planned_date": plannedDate,
		}).
		SetResult(&out).
		Get("/director/production-plans")
	if err := c.finish(ctx, "find_plans", resp, err); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) CreateBatch(ctx context.Context, req BatchRequest) (*domain.BatchStatus, error) {
	if strings.TrimSpace(req.ProductionPlanID) == "" {
		return nil, fmt.Errorf("%w: production plan id is required", domain.ErrValidation)
	}
	if req.BatchNumber < 1 {
		return nil, fmt.Errorf("%w: batch number must be >= 1", domain.ErrValidation)
	}

	var out batchEnvelope
	resp, err := c.authenticated(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/production/batches")
	if err := c.finish(ctx, "create_batch", resp, err); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) BatchStatus(ctx context.Context, batchID string) (*domain.BatchStatus, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	var out batchEnvelope
	resp, err := c.authenticated(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/production/batches/%s/status", url.PathEscape(batchID)))
	if err := c.finish(ctx, "batch_status", resp, err); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) ListBatches(ctx context.Context, planID string) ([]domain.BatchStatus, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, fmt.Errorf("%w: plan id is required", domain.ErrValidation)
	}

	var out batchesEnvelope
	resp, err := c.authenticated(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/production/plans/%s/batches", url.PathEscape(planID)))
	if err := c.finish(ctx, "list_batches", resp, err); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) PerformAction(ctx context.Context, batchID string, action domain.Action) (*domain.BatchStatus, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: invalid action %q", domain.ErrValidation, action)
	}

	var out batchEnvelope
	resp, err := c.authenticated(ctx).
		SetBody(map[string]string{"action": action.String()}).
		SetResult(&out).
		Post(fmt.Sprintf("/production/batches/%s/actions", url.PathEscape(batchID)))
	if err := c.finish(ctx, "perform_action", resp, err); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) SubmitSession(ctx context.Context, submission SessionSubmission) error {
	if strings.TrimSpace(submission.Product) == "" {
		return fmt.Errorf("%w: product is required", domain.ErrValidation)
	}
	if submission.Bateladas < 1 {
		return fmt.Errorf("%w: bateladas must be >= 1", domain.ErrValidation)
	}

	resp, err := c.authenticated(ctx).
		SetBody(submission).
		Post("/production/batches/simple")
	return c.finish(ctx, "submit_session", resp, err)
}

func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var out productsEnvelope
	resp, err := c.authenticated(ctx).
		SetResult(&out).
		Get("/products")
	if err := c.finish(ctx, "list_products", resp, err); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// FindProductByName resolves a display name to a backend product. A session
// for a name the backend does not sell cannot be initialized.
func (c *Client) FindProductByName(ctx context.Context, name string) (*Product, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: product name is required", domain.ErrValidation)
	}

	products, err := c.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	for i := range products {
		if strings.EqualFold(strings.TrimSpace(products[i].Name), trimmed) {
			return &products[i], nil
		}
	}

	return nil, fmt.Errorf("%w: no product named %q", domain.ErrNotFound, trimmed)
}

func (c *Client) authenticated(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if c.tokens == nil {
		return req
	}

	token, err := c.tokens.Token(ctx)
	if err != nil || strings.TrimSpace(token) == "" {
		// The request proceeds without credentials; the backend's 401 is
		// mapped onto ErrUnauthorized by finish.
		return req
	}

	return req.SetAuthToken(token)
}

// finish maps a resty outcome onto the error taxonomy and records metrics.
func (c *Client) finish(ctx context.Context, operation string, resp *resty.Response, err error) error {
	outcome := "ok"
	defer func() {
		if c.metrics != nil {
			var duration time.Duration
			if resp != nil {
				duration = resp.Time()
			}
			c.metrics.ObserveAPIRequest(operation, outcome, duration)
		}
	}()

	if err != nil {
		outcome = "network_error"
		return &APIError{
			Operation: operation,
			Message:   "request failed",
			Transient: ctx.Err() == nil,
			Cause:     err,
		}
	}
	if resp == nil {
		outcome = "network_error"
		return &APIError{Operation: operation, Message: "empty response", Transient: true}
	}
	if resp.IsSuccess() {
		return nil
	}

	statusCode := resp.StatusCode()
	outcome = fmt.Sprintf("http_%d", statusCode)

	message := backendMessage(resp)
	c.logger.Warn("backend call failed",
		zap.String("operation", operation),
		zap.Int("status", statusCode),
		zap.String("message", message),
	)

	return &APIError{
		StatusCode: statusCode,
		Operation:  operation,
		Message:    message,
		Transient:  isTransientHTTPStatus(statusCode),
		Cause:      sentinelForStatus(statusCode),
	}
}

func backendMessage(resp *resty.Response) string {
	var envelope errorEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil {
		if msg := strings.TrimSpace(envelope.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(envelope.Error); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(resp.String())
}
