// Package panel talks to a 3x-ui style access panel: it keeps the session
// token, discovers inbounds and injects or renews client entries in them.
package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"XUI-Telegram-bot/internal/logger"
)

var (
	ErrTokenAcquisition   = errors.New("panel token acquisition failed")
	ErrNoSuitableInbound  = errors.New("no suitable inbound on panel")
	ErrClientNotFound     = errors.New("client not found on panel")
	ErrProvisioningFailed = errors.New("panel provisioning failed")
)

const sessionCookie = "3x-ui"

type Config struct {
	BaseURL       string
	Username      string
	Password      string
	Insecure      bool
	TokenTTL      time.Duration
	Timeout       time.Duration
	ServerDomain  string
	InboundRemark string
}

type Client struct {
	hc  *http.Client
	cfg Config
	log *zap.Logger
	now func() time.Time

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
	logins      singleflight.Group

	locksMu sync.Mutex
	locks   map[int]*sync.Mutex
}

func NewClient(cfg Config) *Client {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 50 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed panels
	}
	return &Client{
		hc:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		cfg:   cfg,
		log:   logger.L("panel"),
		now:   time.Now,
		locks: make(map[int]*sync.Mutex),
	}
}

// GetToken возвращает сессионный токен панели. Если токена нет или он истёк,
// выполняется один логин на всех одновременно ожидающих. Логин не зависит от
// отмены контекста первого вызвавшего: остальные ожидающие получат токен.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	if token, ok := c.cachedToken(); ok {
		return token, nil
	}
	loginCtx := context.WithoutCancel(ctx)
	ch := c.logins.DoChan("login", func() (interface{}, error) {
		if token, ok := c.cachedToken(); ok {
			return token, nil
		}
		lctx, cancel := context.WithTimeout(loginCtx, c.cfg.Timeout)
		defer cancel()
		token, err := c.login(lctx)
		if err != nil {
			c.log.Error("panel login failed", zap.Error(err))
			return "", fmt.Errorf("%w: %v", ErrTokenAcquisition, err)
		}
		c.tokenMu.Lock()
		c.token = token
		c.tokenExpiry = c.now().Add(c.cfg.TokenTTL)
		c.tokenMu.Unlock()
		c.log.Info("panel token refreshed")
		return token, nil
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrTokenAcquisition, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Client) cachedToken() (string, bool) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, true
	}
	return "", false
}

// dropToken забывает токен, который панель перестала принимать.
func (c *Client) dropToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

func (c *Client) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("login status %s", resp.Status)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie && ck.Value != "" {
			return ck.Value, nil
		}
	}
	return "", errors.New("login succeeded without session cookie")
}

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("panel status %d: %s", e.code, e.body)
}

// request выполняет авторизованный запрос и разворачивает ответ {success,msg,obj}.
func (c *Client) request(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	log := c.log.With(zap.String("method", method), zap.String("path", path))
	status := "ERROR"
	t1 := time.Now()
	defer func() {
		log.Debug("panel request completed",
			zap.Duration("duration", time.Since(t1)),
			zap.String("status", status))
	}()

	token, err := c.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	status = resp.Status

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.dropToken(token)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(raw), 300)}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode panel response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("panel rejected request: %s", env.Msg)
	}
	return env.Obj, nil
}

// read повторяет идемпотентный GET один раз при сетевой ошибке, 5xx или протухшей сессии.
func (c *Client) read(ctx context.Context, path string) (json.RawMessage, error) {
	obj, err := c.request(ctx, http.MethodGet, path, nil)
	if err == nil || !retryable(err) || ctx.Err() != nil {
		return obj, err
	}
	c.log.Warn("retrying panel read", zap.String("path", path), zap.Error(err))
	return c.request(ctx, http.MethodGet, path, nil)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusUnauthorized || se.code == http.StatusForbidden
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

func (c *Client) inboundLock(id int) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	m, ok := c.locks[id]
	if !ok {
		m = &sync.Mutex{}
		c.locks[id] = m
	}
	return m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
