// Package browser manages the headless Chrome the worker captures with:
// launch with a persistent profile and pre-installed extensions, stealth
// page creation, recycling on memory or age thresholds, and the four-artifact
// capture (raw DOM, MHTML archive, full-page screenshot, final HTTP status).
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser manager.
type Config struct {
	// UserDataDir is the persistent Chrome profile. Required for extensions
	// to keep their state (filter lists, consent rules) across restarts.
	UserDataDir string

	// ExtensionsDir holds one unpacked extension per subdirectory
	// (ad blocker, cookie-consent handler). Missing dir = no extensions.
	ExtensionsDir string

	// Headless runs Chrome without a display. Default: true.
	Headless bool

	// WindowWidth/WindowHeight set the viewport. Default: 1920x1080.
	WindowWidth  int
	WindowHeight int

	// MaxMemoryMB recycles Chrome when its JS heap exceeds this. Default: 1024.
	MaxMemoryMB int

	// MaxAge recycles Chrome after this uptime regardless of memory.
	// Default: 4h.
	MaxAge time.Duration

	// Logger overrides slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.WindowWidth <= 0 {
		c.WindowWidth = 1920
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = 1080
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = 1024
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 4 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process lifecycle.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome and begins the recycle monitor. The monitor stops
// when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	if err := m.launchLocked(); err != nil {
		return err
	}
	go m.monitorLoop(ctx)
	return nil
}

// Browser returns the current Rod handle. Thread-safe; the handle changes
// after a recycle, so callers must not cache it across captures.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle kills Chrome and relaunches it. In-flight pages on the old
// instance fail; their attempts are abandoned and reclaimed normally.
func (m *Manager) Recycle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startAt))
	m.cleanupLocked()
	return m.launchLocked()
}

// Close shuts Chrome down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanupLocked()
	return nil
}

func (m *Manager) launchLocked() error {
	log := m.cfg.Logger

	l := launcher.New().
		Headless(m.cfg.Headless).
		UserDataDir(m.cfg.UserDataDir).
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", fmt.Sprintf("%d,%d", m.cfg.WindowWidth, m.cfg.WindowHeight))

	if exts := m.extensionPaths(); len(exts) > 0 {
		joined := strings.Join(exts, ",")
		l = l.Set("load-extension", joined).
			Set("disable-extensions-except", joined)
		log.Info("browser: loading extensions", "count", len(exts))
	}

	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("browser: launch: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}

	m.browser = b
	m.lnch = l
	m.startAt = time.Now()
	log.Info("browser: launched", "headless", m.cfg.Headless, "profile", m.cfg.UserDataDir)
	return nil
}

func (m *Manager) cleanupLocked() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

// extensionPaths lists the unpacked extension directories to load.
func (m *Manager) extensionPaths() []string {
	if m.cfg.ExtensionsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.cfg.ExtensionsDir)
	if err != nil {
		m.cfg.Logger.Warn("browser: extensions dir unreadable", "dir", m.cfg.ExtensionsDir, "error", err)
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			paths = append(paths, filepath.Join(m.cfg.ExtensionsDir, e.Name()))
		}
	}
	return paths
}

func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			if m.closed || m.browser == nil {
				m.mu.RUnlock()
				return
			}
			b := m.browser
			age := time.Since(m.startAt)
			m.mu.RUnlock()

			if age > m.cfg.MaxAge {
				log.Info("browser: max age reached", "age", age)
				if err := m.Recycle(); err != nil {
					log.Error("browser: recycle failed", "error", err)
				}
				continue
			}

			heap, err := jsHeapBytes(b)
			if err != nil {
				log.Debug("browser: heap check failed", "error", err)
				continue
			}
			if heap > int64(m.cfg.MaxMemoryMB)<<20 {
				log.Info("browser: memory limit exceeded", "heap_bytes", heap)
				if err := m.Recycle(); err != nil {
					log.Error("browser: recycle failed", "error", err)
				}
			}
		}
	}
}

// jsHeapBytes reads the JS heap of the first open page as a proxy for
// Chrome's memory footprint.
func jsHeapBytes(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil || len(pages) == 0 {
		return 0, fmt.Errorf("browser: no pages for heap check")
	}
	res, err := pages[0].Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
	if err != nil {
		return 0, err
	}
	return int64(res.Value.Int()), nil
}
