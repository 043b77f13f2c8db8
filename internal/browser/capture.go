package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Result is one completed navigation with all capture artifacts.
type Result struct {
	HTML       []byte // DOM serialization after load
	MHTML      []byte // single-file archive via Page.captureSnapshot
	Screenshot []byte // full-page PNG
	HTTPStatus int    // final status of the document response
}

// CaptureConfig bounds one capture.
type CaptureConfig struct {
	// NetworkIdleTimeout is how long to wait for the page to settle after
	// load before serializing. Best effort. Default: 5s.
	NetworkIdleTimeout time.Duration
}

// Capture navigates a fresh stealth page to url and collects the artifact
// set. The page is always closed before returning. ctx bounds the whole
// operation; the caller applies the page timeout.
func (m *Manager) Capture(ctx context.Context, url string, cfg CaptureConfig) (*Result, error) {
	if cfg.NetworkIdleTimeout <= 0 {
		cfg.NetworkIdleTimeout = 5 * time.Second
	}

	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create stealth page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx)

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.WindowWidth,
		Height:            m.cfg.WindowHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}

	// Subscribe before navigating so the document response is not missed.
	var status int
	waitResp := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status = e.Response.Status
			return true
		}
		return false
	})

	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	waitResp()

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("browser: wait load: %w", err)
	}
	// Let late scripts and lazy content settle; timing out here is normal
	// on pages that never go idle.
	if err := page.Timeout(cfg.NetworkIdleTimeout).WaitIdle(cfg.NetworkIdleTimeout); err != nil {
		m.cfg.Logger.Debug("browser: wait idle", "url", url, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("browser: get html: %w", err)
	}

	snap, err := proto.PageCaptureSnapshot{
		Format: proto.PageCaptureSnapshotFormatMhtml,
	}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("browser: capture mhtml: %w", err)
	}

	shot, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}

	return &Result{
		HTML:       []byte(html),
		MHTML:      []byte(snap.Data),
		Screenshot: shot,
		HTTPStatus: status,
	}, nil
}
