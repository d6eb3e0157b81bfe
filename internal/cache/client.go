package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"salescoach/api/internal/content"
	"salescoach/api/internal/corpus"
	"salescoach/api/internal/metrics"
)

// ErrUnauthorized means the server refused the credential. It is never
// retried; a fresh credential is needed.
var ErrUnauthorized = errors.New("credential rejected by sync server")

var errWatermarkExpired = errors.New("watermark expired")

const (
	readWait  = 70 * time.Second
	writeWait = 10 * time.Second
)

type Options struct {
	BaseURL        string
	Token          string
	TeamID         string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Backoff        Backoff
	PageLimit      int
	MatchThreshold float64
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Client keeps a Snapshot in step with the sync server.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	dialer    *websocket.Dialer
	backoff   Backoff
	pageLimit int
	snapshot  *Snapshot
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	retry := opts.Backoff
	if retry.Base <= 0 || retry.Max <= 0 {
		retry = DefaultBackoff()
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.Token,
		http:      httpClient,
		dialer:    dialer,
		backoff:   retry,
		pageLimit: opts.PageLimit,
		snapshot:  NewSnapshot(opts.TeamID, opts.MatchThreshold, opts.Metrics),
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
}

func (c *Client) Snapshot() *Snapshot {
	return c.snapshot
}

// Corpus is safe to call from any goroutine at any time, including while
// offline.
func (c *Client) Corpus() *corpus.Corpus {
	return c.snapshot.Corpus()
}

// Sync brings the snapshot up to date: full sync without a watermark,
// incremental otherwise, with a transparent full-sync fallback when the
// watermark is too old. Failures are retried with backoff and never touch
// the snapshot.
func (c *Client) Sync(ctx context.Context) error {
	err := c.backoff.Retry(ctx, func(ctx context.Context) error {
		err := c.syncOnce(ctx)
		if err != nil && !errors.Is(err, ErrUnauthorized) && ctx.Err() == nil {
			if c.metrics != nil {
				c.metrics.CacheSyncFailure.Inc()
			}
			c.log.Warn().Err(err).Msg("sync failed, will retry")
		}
		return err
	})
	return err
}

func (c *Client) syncOnce(ctx context.Context) error {
	watermark := c.snapshot.Watermark()
	if watermark.IsZero() {
		return c.fullSync(ctx)
	}
	err := c.incrementalSync(ctx, watermark)
	if errors.Is(err, errWatermarkExpired) {
		c.log.Info().Time("watermark", watermark).Msg("watermark expired, falling back to full sync")
		return c.fullSync(ctx)
	}
	return err
}

func (c *Client) fullSync(ctx context.Context) error {
	resp, err := c.fetch(ctx, nil)
	if err != nil {
		return err
	}
	c.snapshot.ApplySync(resp, true)
	c.log.Debug().Int("records", len(resp.Records())).Time("synced_at", resp.SyncedAt).Msg("full sync applied")
	return nil
}

// incrementalSync pulls every page before applying anything, so a failure
// mid-way leaves the snapshot as it was.
func (c *Client) incrementalSync(ctx context.Context, since time.Time) error {
	var records []content.Record
	cursor := since
	for {
		page, err := c.fetch(ctx, &cursor)
		if err != nil {
			return err
		}
		records = append(records, page.Records()...)
		if page.SyncedAt.After(cursor) {
			cursor = page.SyncedAt
		}
		if !page.HasMore {
			break
		}
	}
	c.snapshot.ApplySync(content.NewSyncResponse(records, cursor), false)
	c.log.Debug().Int("records", len(records)).Time("synced_at", cursor).Msg("incremental sync applied")
	return nil
}

func (c *Client) fetch(ctx context.Context, since *time.Time) (content.SyncResponse, error) {
	query := url.Values{}
	if since != nil {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
		if c.pageLimit > 0 {
			query.Set("limit", strconv.Itoa(c.pageLimit))
		}
	}
	endpoint := c.baseURL + "/api/sync"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return content.SyncResponse{}, backoff.Permanent(fmt.Errorf("build sync request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := c.http.Do(req)
	if err != nil {
		return content.SyncResponse{}, fmt.Errorf("sync request: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return content.SyncResponse{}, backoff.Permanent(ErrUnauthorized)
	case http.StatusGone:
		return content.SyncResponse{}, errWatermarkExpired
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return content.SyncResponse{}, fmt.Errorf("sync request: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload content.SyncResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return content.SyncResponse{}, fmt.Errorf("decode sync response: %w", err)
	}
	return payload, nil
}

// Run keeps the snapshot live: it opens the team's event stream, catches up
// with a sync, then applies events until the connection drops, and
// reconnects with backoff. It returns on ctx cancellation, on
// ErrUnauthorized, or after the backoff attempts are exhausted without a
// successful connection.
func (c *Client) Run(ctx context.Context) error {
	policy := c.backoff.policy(ctx)
	failures := 0
	for {
		connected, err := c.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if connected {
			policy.Reset()
			failures = 0
		}
		failures++
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sync stream: giving up after %d attempts: %w", failures, err)
		}
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("sync stream disconnected")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) stream(ctx context.Context) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	ws, res, err := c.dialer.DialContext(ctx, websocketURL(c.baseURL), header)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("dial sync stream: %w", err)
	}
	defer ws.Close()

	// The stream is open before the catch-up sync, so nothing committed in
	// between is missed; overlap is absorbed by the idempotent merge.
	if err := c.Sync(ctx); err != nil {
		return true, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = ws.Close()
		case <-stop:
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read sync stream: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		var event content.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed event")
			continue
		}
		if c.snapshot.ApplyEvent(event) {
			c.log.Debug().
				Str("kind", string(event.EntityKind)).
				Str("id", event.Record.ID).
				Str("action", string(event.Action)).
				Msg("event applied")
		}
	}
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}
