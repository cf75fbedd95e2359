// Package api – REST backend client
//
// Client wraps every HTTP endpoint the realtime subsystem consumes:
// conversation fetch/send, the /requests/mine poll, presence persistence,
// nearby markers, reviews, and private-channel authorization. Responses use
// the backend's {status, data, meta?} envelope; this file decodes it once so
// callers only ever see typed results.
//
// Every method takes a context and is traced with OpenTelemetry. The bearer
// token is read per call through TokenSource, never cached, so a re-login
// takes effect immediately.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/manoslocales/fieldclient/internal/domain"
)

// tracerName identifies this package's tracer.
const tracerName = "github.com/manoslocales/fieldclient/internal/api"

// TokenSource supplies the current bearer credential. An empty string means
// "not authenticated"; requests are then sent without an Authorization header
// and the backend decides what is public.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a plain function to a TokenSource.
type TokenFunc func() string

// Token implements TokenSource.
func (f TokenFunc) Token() string { return f() }

// Client is the backend REST client. Construct with New.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	log     zerolog.Logger
	tracer  trace.Tracer
}

// New builds a Client for the given base URL (no trailing slash) and token
// source. timeout bounds each call end to end.
func New(baseURL string, tokens TokenSource, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "api").Logger(),
		tracer:  otel.Tracer(tracerName),
	}
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// ListMessages fetches the current message log for a conversation.
func (c *Client) ListMessages(ctx context.Context, requestID int64) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := c.getJSON(ctx, fmt.Sprintf("/requests/%d/messages", requestID), nil, &out)
	return out, err
}

// SendMessage posts a message to a conversation. At least one of body and
// image must be set: with an image the request is multipart, otherwise JSON.
// On success the server-echoed message (authoritative id and timestamp) is
// returned for merging into the local store.
func (c *Client) SendMessage(ctx context.Context, requestID int64, body string, image *ImageAttachment) (domain.ChatMessage, error) {
	if body == "" && image == nil {
		return domain.ChatMessage{}, ErrEmptyMessage
	}

	path := fmt.Sprintf("/requests/%d/messages", requestID)
	var (
		reqBody     io.Reader
		contentType string
	)
	if image != nil {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("image", image.Filename)
		if err != nil {
			return domain.ChatMessage{}, err
		}
		if _, err := part.Write(image.Data); err != nil {
			return domain.ChatMessage{}, err
		}
		if body != "" {
			if err := mw.WriteField("body", body); err != nil {
				return domain.ChatMessage{}, err
			}
		}
		if err := mw.Close(); err != nil {
			return domain.ChatMessage{}, err
		}
		reqBody, contentType = &buf, mw.FormDataContentType()
	} else {
		b, err := json.Marshal(map[string]string{"body": body})
		if err != nil {
			return domain.ChatMessage{}, err
		}
		reqBody, contentType = bytes.NewReader(b), "application/json"
	}

	var out domain.ChatMessage
	err := c.do(ctx, http.MethodPost, path, reqBody, contentType, &out)
	return out, err
}

// ImageAttachment is an image to attach to an outgoing message.
type ImageAttachment struct {
	Filename string
	Data     []byte
}

// MyRequests returns the requests the current user is actively party to.
// This is the polling source of truth for channel membership and the
// notification fallback.
func (c *Client) MyRequests(ctx context.Context) ([]domain.ServiceRequest, error) {
	var out []domain.ServiceRequest
	err := c.getJSON(ctx, "/requests/mine", nil, &out)
	return out, err
}

// statusRequest is the POST /worker/status body. Categories is sent only on
// activation; listening and inactive transitions carry none.
type statusRequest struct {
	Status     string  `json:"status"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Categories []int64 `json:"categories,omitempty"`
}

// SetWorkerStatus persists a presence transition.
func (c *Client) SetWorkerStatus(ctx context.Context, status domain.WorkerStatus, pos domain.LatLng, categories []int64) error {
	body := statusRequest{Status: status.Wire(), Lat: pos.Lat, Lng: pos.Lng}
	if status == domain.StatusActive {
		body.Categories = categories
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/worker/status", bytes.NewReader(b), "application/json", nil)
}

// WorkerProfile is the identity slice of /worker/me the client needs: the
// two channel-name ids and the categories that gate activation.
type WorkerProfile struct {
	ID         int64
	UserID     int64
	Categories []int64
}

// WorkerMe returns the current worker's profile.
func (c *Client) WorkerMe(ctx context.Context) (WorkerProfile, error) {
	var data struct {
		ID         int64 `json:"id"`
		UserID     int64 `json:"user_id"`
		Categories []struct {
			ID int64 `json:"id"`
		} `json:"categories"`
	}
	if err := c.getJSON(ctx, "/worker/me", nil, &data); err != nil {
		return WorkerProfile{}, err
	}
	p := WorkerProfile{ID: data.ID, UserID: data.UserID}
	p.Categories = make([]int64, 0, len(data.Categories))
	for _, cat := range data.Categories {
		p.Categories = append(p.Categories, cat.ID)
	}
	return p, nil
}

// NearbyExperts returns worker markers around a coordinate.
func (c *Client) NearbyExperts(ctx context.Context, pos domain.LatLng) ([]domain.MapPoint, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%g", pos.Lat))
	q.Set("lng", fmt.Sprintf("%g", pos.Lng))
	var out []domain.MapPoint
	err := c.getJSON(ctx, "/experts/nearby", q, &out)
	for i := range out {
		if out[i].PinType == "" {
			out[i].PinType = domain.PinWorker
		}
	}
	return out, err
}

// NearbyDemand returns demand markers around a coordinate.
func (c *Client) NearbyDemand(ctx context.Context, pos domain.LatLng) ([]domain.MapPoint, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%g", pos.Lat))
	q.Set("lng", fmt.Sprintf("%g", pos.Lng))
	var out []domain.MapPoint
	err := c.getJSON(ctx, "/demand/nearby", q, &out)
	for i := range out {
		out[i].PinType = domain.PinDemand
	}
	return out, err
}

// WorkerCount is the cached nearby-worker counter shown on the map.
type WorkerCount struct {
	Count int    `json:"count"`
	Label string `json:"label"`
}

// ExpertsCount returns the number of available workers within radiusKm of a
// coordinate. The endpoint answers a bare {count,label} body, no envelope.
func (c *Client) ExpertsCount(ctx context.Context, pos domain.LatLng, radiusKm int) (WorkerCount, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%g", pos.Lat))
	q.Set("lng", fmt.Sprintf("%g", pos.Lng))
	q.Set("radius", strconv.Itoa(radiusKm))

	ctx, span := c.tracer.Start(ctx, "api.ExpertsCount")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/experts/count?"+q.Encode(), nil)
	if err != nil {
		return WorkerCount{}, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return WorkerCount{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return WorkerCount{}, fmt.Errorf("%w: experts count %s", ErrBackend, resp.Status)
	}
	var out WorkerCount
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return WorkerCount{}, err
	}
	return out, nil
}

// Review is one worker review, used to decide whether a completed request
// still needs a rating prompt.
type Review struct {
	ID               int64 `json:"id"`
	ServiceRequestID int64 `json:"service_request_id"`
}

// WorkerReviews lists reviews left for a worker.
func (c *Client) WorkerReviews(ctx context.Context, workerID int64) ([]Review, error) {
	var out []Review
	err := c.getJSON(ctx, fmt.Sprintf("/workers/%d/reviews", workerID), nil, &out)
	return out, err
}

// RespondReview posts the worker's reply to a review.
func (c *Client) RespondReview(ctx context.Context, reviewID int64, text string) error {
	b, err := json.Marshal(map[string]string{"response": text})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/reviews/%d/respond", reviewID), bytes.NewReader(b), "application/json", nil)
}

// BroadcastAuth authorizes a private channel subscription for the given
// socket. The returned signature is handed back to the transport verbatim.
func (c *Client) BroadcastAuth(ctx context.Context, socketID, channel string) (string, error) {
	form := url.Values{}
	form.Set("socket_id", socketID)
	form.Set("channel_name", channel)

	ctx, span := c.tracer.Start(ctx, "api.BroadcastAuth",
		trace.WithAttributes(attribute.String("realtime.channel", channel)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/broadcasting/auth", bytes.NewReader([]byte(form.Encode())))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: broadcasting auth %s", ErrBackend, resp.Status)
	}
	var out struct {
		Auth string `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Auth, nil
}

// ---- internals ----

func (c *Client) authorize(req *http.Request) {
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

// getJSON performs a GET and decodes the envelope's data field into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	full := path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, full, nil, "", out)
}

// do runs one request/response cycle: span, auth header, envelope decode,
// and status-to-error mapping. out may be nil for calls whose data payload
// the caller does not need.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	ctx, span := c.tracer.Start(ctx, "api."+method+" "+path,
		trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%w: %s", ErrBackend, resp.Status)
		}
		return err
	}
	if resp.StatusCode >= 300 || (env.Status != "" && env.Status != "success") {
		c.log.Debug().Str("path", path).Str("status", env.Status).Str("message", env.Message).Msg("backend rejected request")
		if env.Message != "" {
			return fmt.Errorf("%w: %s", ErrBackend, env.Message)
		}
		return fmt.Errorf("%w: %s", ErrBackend, resp.Status)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return err
		}
	}
	return nil
}
