package stages

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// PageSource renders a page and evaluates a script in it. The script is a
// JavaScript arrow function returning a JSON string, which is returned as is.
type PageSource interface {
	Evaluate(ctx context.Context, pageURL, script string) (string, error)
}

// BrowserOptions configures a Browser.
type BrowserOptions struct {
	Headless  bool
	Bin       string // empty lets rod locate or download a browser
	UserAgent string
	Timeout   time.Duration // per page load
}

// Browser is a PageSource backed by a shared headless Chromium. The browser
// is started on first use and each evaluation runs in its own tab.
type Browser struct {
	mu      sync.Mutex
	browser *rod.Browser
	opts    BrowserOptions
}

// NewBrowser creates a Browser. Nothing is launched until Evaluate is called.
func NewBrowser(opts BrowserOptions) *Browser {
	return &Browser{opts: opts}
}

// ensureBrowser starts the browser if it is not already running.
// Must be called with b.mu held.
func (b *Browser) ensureBrowser() error {
	if b.browser != nil {
		return nil
	}

	l := launcher.New().Headless(b.opts.Headless)
	if b.opts.Bin != "" {
		l = l.Bin(b.opts.Bin)
	}
	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	b.browser = rod.New().ControlURL(u)
	if err := b.browser.Connect(); err != nil {
		b.browser = nil
		return fmt.Errorf("connect to browser: %w", err)
	}
	return nil
}

func (b *Browser) newPage() (*rod.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureBrowser(); err != nil {
		return nil, err
	}
	page, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return page, nil
}

// Evaluate loads pageURL in a fresh tab, waits for the load event and runs
// script.
func (b *Browser) Evaluate(ctx context.Context, pageURL, script string) (string, error) {
	page, err := b.newPage()
	if err != nil {
		return "", err
	}
	defer func() { _ = page.Close() }()

	if b.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.opts.UserAgent}); err != nil {
			return "", fmt.Errorf("set user agent: %w", err)
		}
	}
	p := page.Context(ctx)
	if b.opts.Timeout > 0 {
		p = p.Timeout(b.opts.Timeout)
	}
	if err := p.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load %s: %w", pageURL, err)
	}
	res, err := p.Eval(script)
	if err != nil {
		return "", fmt.Errorf("evaluate %s: %w", pageURL, err)
	}
	return res.Value.Str(), nil
}

// Shutdown closes the browser.
func (b *Browser) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		err := b.browser.Close()
		b.browser = nil
		return err
	}
	return nil
}

// seriesScript extracts the series title and its chapter links.
const seriesScript = `() => {
	const text = (sels) => {
		for (const s of sels) {
			const el = document.querySelector(s);
			if (el && el.textContent.trim()) return el.textContent.trim();
		}
		return "";
	};
	let anchors = [];
	for (const s of ["div.list-chapter a", "div.works-chapter-list a", "ul.list-chapter a", ".chapter-list a", "#list-chapter a", ".list_chapter a"]) {
		anchors = Array.from(document.querySelectorAll(s));
		if (anchors.length) break;
	}
	if (!anchors.length) {
		anchors = Array.from(document.querySelectorAll("a[href]"))
			.filter(a => a.getAttribute("href").toLowerCase().includes("chap"));
	}
	return JSON.stringify({
		title: text(["h1.ttl-name", "h1.story-name", ".book-title h1", "h1"]),
		links: anchors.map(a => ({href: a.href, text: a.textContent.trim()})),
	});
}`

// chapterScript extracts the raw image sources of a chapter page.
const chapterScript = `() => {
	const src = (img) => img.getAttribute("data-src") || img.getAttribute("data-original") || img.getAttribute("src") || "";
	let imgs = [];
	for (const s of ["div.chapter-content img", "div.page-chapter img", "div.reading-content img", ".chapter-detail img", "#content-chapter img", ".content-chapter img", ".chapter_content img"]) {
		imgs = Array.from(document.querySelectorAll(s));
		if (imgs.length) break;
	}
	if (!imgs.length) {
		imgs = Array.from(document.querySelectorAll("img"))
			.filter(img => ["chapter", "page", "manga", "comic", "img"].some(k => src(img).toLowerCase().includes(k)));
	}
	return JSON.stringify(imgs.map(src));
}`
