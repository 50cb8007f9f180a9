// Package platform drives the legal research platform through a headless
// browser and classifies what comes back.
package platform

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/resilience"
	"github.com/casecrawl/casecrawl/internal/session"
)

// Config configures the Westlaw driver.
type Config struct {
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url"`
	LoginPath     string        `yaml:"login_path" mapstructure:"login_path"`
	SearchPath    string        `yaml:"search_path" mapstructure:"search_path"`
	Headless      bool          `yaml:"headless" mapstructure:"headless"`
	ChromePath    string        `yaml:"chrome_path" mapstructure:"chrome_path"`
	UserAgent     string        `yaml:"user_agent" mapstructure:"user_agent"`
	ActionTimeout time.Duration `yaml:"action_timeout" mapstructure:"action_timeout"`
	MaxDocBytes   int64         `yaml:"max_doc_bytes" mapstructure:"max_doc_bytes"`
}

const (
	selUsername = `input[name='username'], input[id='username']`
	selPassword = `input[name='password'], input[id='password']`
	selSubmit   = `button[type='submit'], input[type='submit']`
)

// Westlaw implements session.Driver. Each account gets its own browser
// context so cookies never leak between sessions.
type Westlaw struct {
	cfg    Config
	client *http.Client

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu       sync.Mutex
	browsers map[string]*browser
}

type browser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWestlaw starts a browser allocator. Close releases it.
func NewWestlaw(cfg Config) *Westlaw {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 60 * time.Second
	}
	if cfg.MaxDocBytes <= 0 {
		cfg.MaxDocBytes = 50 << 20
	}
	if cfg.ChromePath == "" {
		cfg.ChromePath = detectChromePath()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.DisableGPU,
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Westlaw{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.ActionTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		allocCtx:    allocCtx,
		allocCancel: cancel,
		browsers:    make(map[string]*browser),
	}
}

// Close shuts down every browser context and the allocator.
func (w *Westlaw) Close() {
	w.mu.Lock()
	for acct, b := range w.browsers {
		b.cancel()
		delete(w.browsers, acct)
	}
	w.mu.Unlock()
	w.allocCancel()
}

// CloseSession implements session.SessionCloser.
func (w *Westlaw) CloseSession(account string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.browsers[account]; ok {
		b.cancel()
		delete(w.browsers, account)
	}
}

// Login signs in with cred in a fresh browser context and returns its cookies.
func (w *Westlaw) Login(ctx context.Context, cred session.Credential) ([]model.Cookie, error) {
	w.CloseSession(cred.Account)

	bctx, cancel := chromedp.NewContext(w.allocCtx)
	b := &browser{ctx: bctx, cancel: cancel}
	// Allocate the tab on the long-lived context; a timed-out first Run
	// would otherwise take the browser down with it.
	if err := chromedp.Run(bctx); err != nil {
		cancel()
		return nil, eris.Wrap(err, "platform: start browser")
	}

	var location, html string
	var cookies []*network.Cookie
	err := w.run(ctx, b,
		chromedp.Navigate(w.cfg.BaseURL+w.cfg.LoginPath),
		chromedp.WaitVisible(selUsername, chromedp.ByQuery),
		chromedp.SendKeys(selUsername, cred.Username, chromedp.ByQuery),
		chromedp.SendKeys(selPassword, cred.Password, chromedp.ByQuery),
		chromedp.Click(selSubmit, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		cancel()
		return nil, w.browserError(err, "login")
	}
	if err := ClassifyPage(location, html); err != nil {
		cancel()
		if errors.Is(err, session.ErrSessionExpired) {
			return nil, eris.Errorf("platform: login rejected for %s", cred.Account)
		}
		return nil, err
	}

	w.mu.Lock()
	w.browsers[cred.Account] = b
	w.mu.Unlock()

	out := make([]model.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, model.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	zap.L().Debug("platform: login complete", zap.String("account", cred.Account), zap.Int("cookies", len(out)))
	return out, nil
}

// Search runs q in the session's browser and extracts result rows.
func (w *Westlaw) Search(ctx context.Context, sess *model.CrawlerSession, q model.SearchQuery) ([]model.CandidateResult, error) {
	b, err := w.browserFor(sess)
	if err != nil {
		return nil, err
	}

	var location, html string
	var rows []rawResult
	err = w.run(ctx, b,
		chromedp.Navigate(searchURL(w.cfg.BaseURL, w.cfg.SearchPath, q)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, w.browserError(err, "search")
	}
	if err := ClassifyPage(location, html); err != nil {
		return nil, err
	}
	if err := w.run(ctx, b, chromedp.Evaluate(extractResultsJS, &rows)); err != nil {
		return nil, w.browserError(err, "extract results")
	}
	return toCandidates(rows), nil
}

// Download fetches the preferred document for cand with the session's cookies.
func (w *Westlaw) Download(ctx context.Context, sess *model.CrawlerSession, cand model.CandidateResult) (*session.Document, error) {
	docType, link := cand.Documents.Link()
	if docType == "" || link == "" {
		return nil, eris.Wrapf(session.ErrDocumentUnavailable, "platform: %s has no primary document", cand.Citation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, eris.Wrap(err, "platform: create download request")
	}
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}
	for _, c := range sess.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "platform: download"), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxDocBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "platform: read document"), 0)
	}
	if err := ClassifyResponse(resp, body); err != nil {
		return nil, err
	}
	if int64(len(body)) > w.cfg.MaxDocBytes {
		return nil, eris.Wrapf(session.ErrDocumentUnavailable, "platform: %s exceeds %d bytes", link, w.cfg.MaxDocBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if docType == model.DocumentPDF && strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		return nil, eris.Wrapf(session.ErrDocumentUnavailable, "platform: %s returned html instead of a pdf", link)
	}
	return &session.Document{
		Name:        documentName(resp, link),
		ContentType: contentType,
		Type:        docType,
		Body:        body,
	}, nil
}

func (w *Westlaw) browserFor(sess *model.CrawlerSession) (*browser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.browsers[sess.Account]
	if !ok {
		return nil, eris.Wrapf(session.ErrSessionExpired, "platform: no browser for %s", sess.Account)
	}
	return b, nil
}

// run executes actions in the browser, bounded by the action timeout and by
// ctx. Cancelling ctx aborts the actions without closing the tab.
func (w *Westlaw) run(ctx context.Context, b *browser, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, w.cfg.ActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (w *Westlaw) browserError(err error, action string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewTransientError(eris.Wrapf(err, "platform: %s timed out", action), 0)
	}
	return eris.Wrapf(err, "platform: %s", action)
}

func documentName(resp *http.Response, link string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if base := path.Base(resp.Request.URL.Path); base != "." && base != "/" {
			return base
		}
	}
	return path.Base(link)
}

func detectChromePath() string {
	for _, p := range []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
