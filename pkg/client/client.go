// Package client is the cluster SDK. A client authorizes once per pool,
// caches the capability, map and daemon address book it gets back, and then
// talks to storage daemons directly; the master is only revisited when a
// capability expires or a daemon signals the map moved on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/pkg/auth"
	"strata/pkg/placement"
	"strata/pkg/protocol"
	"strata/pkg/types"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrNoPrimary  = errors.New("placement group has no owners")
	ErrUnreadable = errors.New("no owner could serve the read")
)

// session is the cached per-pool state from one authorize round-trip.
type session struct {
	cap     types.Capability
	m       *placement.Map
	daemons map[types.DaemonID]*protocol.DaemonAddr
}

type Client struct {
	masterAddr string
	subject    string
	logger     *zap.Logger

	httpClient *http.Client
	scheme     string

	mu       sync.RWMutex
	sessions map[types.PoolName]*session
}

// New creates a client for the given master. subject names the client when
// running without TLS; with TLS the certificate is the identity and subject
// is advisory.
func New(masterAddress, subject string, authConfig *auth.AuthConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		masterAddr: masterAddress,
		subject:    subject,
		logger:     logger,
		scheme:     "http",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sessions:   make(map[types.PoolName]*session),
	}

	if authConfig != nil && authConfig.Enabled {
		builder, err := auth.NewTLSConfigBuilder(authConfig)
		if err != nil {
			return nil, err
		}
		tlsConfig, err := builder.BuildClientConfig()
		if err != nil {
			return nil, err
		}
		c.scheme = "https"
		c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	} else if subject == "" {
		return nil, fmt.Errorf("subject required when running without TLS")
	}

	return c, nil
}

// Authorize fetches a fresh capability and map for a pool, replacing any
// cached session.
func (c *Client) Authorize(ctx context.Context, pool types.PoolName) error {
	var resp protocol.AuthorizeResponse
	req := &protocol.AuthorizeRequest{Subject: c.subject, Pool: pool}
	if err := c.post(ctx, c.masterAddr, protocol.PathClientAuthorize, req, &resp); err != nil {
		return fmt.Errorf("authorize failed: %w", err)
	}

	c.mu.Lock()
	c.sessions[pool] = &session{cap: resp.Capability, m: resp.Map, daemons: resp.Daemons}
	c.mu.Unlock()
	return nil
}

// session returns the cached session for a pool, authorizing if there is
// none or the capability is within a minute of expiry.
func (c *Client) session(ctx context.Context, pool types.PoolName) (*session, error) {
	c.mu.RLock()
	s := c.sessions[pool]
	c.mu.RUnlock()

	if s != nil && time.Now().Unix() < s.cap.Expires-60 {
		return s, nil
	}
	if err := c.Authorize(ctx, pool); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[pool], nil
}

// Write stores data at offset in an object and returns the object's new
// length. The client computes placement locally and sends to the primary; a
// stale-epoch or routing rejection refreshes the session and retries once.
func (c *Client) Write(ctx context.Context, pool types.PoolName, object string, offset int64, data []byte) (int64, error) {
	var newLen int64
	err := c.withRetry(ctx, pool, func(s *session) (protocol.RejectReason, error) {
		primary, addr, err := c.primary(s, object)
		if err != nil {
			return protocol.RejectNone, err
		}

		req := &protocol.WriteRequest{Pool: pool, Object: object, Offset: offset, Data: data, Epoch: s.m.Epoch, Capability: s.cap}
		var resp protocol.WriteResponse
		if err := c.post(ctx, addr, protocol.PathObjectWrite, req, &resp); err != nil {
			return protocol.RejectNone, fmt.Errorf("write to %s failed: %w", primary, err)
		}
		if resp.OK {
			newLen = resp.NewLength
			return protocol.RejectNone, nil
		}
		return resp.Reject, nil
	})
	return newLen, err
}

// Read fetches length bytes at offset; length 0 reads to the end. The
// primary is preferred and replicas are tried in order if it cannot serve.
func (c *Client) Read(ctx context.Context, pool types.PoolName, object string, offset, length int64) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, pool, func(s *session) (protocol.RejectReason, error) {
		owners := placement.Locate(object, s.m)
		if len(owners) == 0 {
			return protocol.RejectNone, ErrNoPrimary
		}

		req := &protocol.ReadRequest{Pool: pool, Object: object, Offset: offset, Length: length, Epoch: s.m.Epoch, Capability: s.cap}
		var reject protocol.RejectReason
		for _, owner := range owners {
			addr, ok := s.daemons[owner]
			if !ok {
				continue
			}
			var resp protocol.ReadResponse
			if err := c.post(ctx, addr.Address, protocol.PathObjectRead, req, &resp); err != nil {
				c.logger.Debug("read attempt failed", zap.String("daemon_id", string(owner)), zap.Error(err))
				continue
			}
			if resp.OK {
				out = resp.Data
				return protocol.RejectNone, nil
			}
			reject = resp.Reject
			if resp.Reject == protocol.RejectNotFound {
				return protocol.RejectNone, ErrNotFound
			}
		}
		if reject != protocol.RejectNone {
			return reject, nil
		}
		return protocol.RejectNone, ErrUnreadable
	})
	return out, err
}

// Delete removes an object from every replica.
func (c *Client) Delete(ctx context.Context, pool types.PoolName, object string) error {
	return c.withRetry(ctx, pool, func(s *session) (protocol.RejectReason, error) {
		primary, addr, err := c.primary(s, object)
		if err != nil {
			return protocol.RejectNone, err
		}

		req := &protocol.DeleteRequest{Pool: pool, Object: object, Epoch: s.m.Epoch, Capability: s.cap}
		var resp protocol.DeleteResponse
		if err := c.post(ctx, addr, protocol.PathObjectDelete, req, &resp); err != nil {
			return protocol.RejectNone, fmt.Errorf("delete at %s failed: %w", primary, err)
		}
		if resp.OK {
			return protocol.RejectNone, nil
		}
		if resp.Reject == protocol.RejectNotFound {
			return protocol.RejectNone, ErrNotFound
		}
		return resp.Reject, nil
	})
}

// withRetry runs one operation against the cached session and, if a daemon
// rejected it for a recoverable routing or auth reason, refreshes the
// session and retries once. A second rejection is surfaced.
func (c *Client) withRetry(ctx context.Context, pool types.PoolName, op func(*session) (protocol.RejectReason, error)) error {
	s, err := c.session(ctx, pool)
	if err != nil {
		return err
	}

	reject, err := op(s)
	if err != nil {
		return err
	}
	if reject == protocol.RejectNone {
		return nil
	}

	switch reject {
	case protocol.RejectStaleEpoch, protocol.RejectAuth, protocol.RejectNotPrimary, protocol.RejectWrongDaemon:
		c.logger.Debug("refreshing session after rejection",
			zap.String("pool", string(pool)),
			zap.String("reject", string(reject)))
		if err := c.Authorize(ctx, pool); err != nil {
			return err
		}
		c.mu.RLock()
		s = c.sessions[pool]
		c.mu.RUnlock()

		reject, err = op(s)
		if err != nil {
			return err
		}
		if reject == protocol.RejectNone {
			return nil
		}
	}
	return fmt.Errorf("request rejected: %s", reject)
}

func (c *Client) primary(s *session, object string) (types.DaemonID, string, error) {
	owners := placement.Locate(object, s.m)
	if len(owners) == 0 {
		return "", "", ErrNoPrimary
	}
	primary := owners[0]
	addr, ok := s.daemons[primary]
	if !ok {
		return "", "", fmt.Errorf("no address for primary %s", primary)
	}
	return primary, addr.Address, nil
}

// Administrative operations, used by the CLI.

func (c *Client) CreatePool(ctx context.Context, name types.PoolName, replicas int, pgCount uint32) (*placement.Map, error) {
	var resp protocol.PoolCreateResponse
	req := &protocol.PoolCreateRequest{Name: name, Replicas: replicas, PGCount: pgCount}
	if err := c.post(ctx, c.masterAddr, protocol.PathPoolCreate, req, &resp); err != nil {
		return nil, err
	}
	return resp.Map, nil
}

func (c *Client) Drain(ctx context.Context, id types.DaemonID) error {
	return c.post(ctx, c.masterAddr, protocol.PathDaemonDrain, &protocol.DrainRequest{DaemonID: id}, nil)
}

func (c *Client) Reweight(ctx context.Context, id types.DaemonID, weight uint32) error {
	return c.post(ctx, c.masterAddr, protocol.PathDaemonReweight, &protocol.ReweightRequest{DaemonID: id, Weight: weight}, nil)
}

func (c *Client) RotateKey(ctx context.Context) error {
	return c.post(ctx, c.masterAddr, protocol.PathKeyRotate, struct{}{}, nil)
}

func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.post(ctx, c.masterAddr, protocol.PathStatus, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, addr, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s://%s%s", c.scheme, addr, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var apiErr protocol.ErrorResponse
		if jerr := json.NewDecoder(httpResp.Body).Decode(&apiErr); jerr == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.ErrorType, apiErr.Message)
		}
		return fmt.Errorf("%s returned status %d", path, httpResp.StatusCode)
	}

	if resp == nil {
		_, err = io.Copy(io.Discard, httpResp.Body)
		return err
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}
