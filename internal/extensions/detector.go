// Package extensions detects helper browser extensions by fingerprinting the
// DOM, window globals, and injected script tags against a registry.
package extensions

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vibecodejam/proctor/internal/event"
)

// Detection method names carried on extension_detected events.
const (
	MethodDOMMarker     = "dom_marker"
	MethodGlobalObject  = "global_object"
	MethodScriptSrc     = "script_src"
	MethodScriptContent = "script_content"
	MethodGeneric       = "generic"
)

// Defaults, overridable through Config.
const (
	DefaultScanInterval  = 5 * time.Second
	DefaultGenericWeight = 15
)

// Extension-origin URL schemes flagged during the script scan.
var extensionSchemes = []string{
	"chrome-extension://",
	"moz-extension://",
	"safari-extension://",
}

// Broad selectors for the unknown-extension fallback bucket.
var genericMarkers = []string{
	`[id*="extension"]`,
	`[class*="extension"]`,
}

// Script is one <script> tag as seen by the scanner.
type Script struct {
	Src    string
	Inline string
}

// DOM is the scanner's view of the document. Implementations must treat
// queries as cheap and side-effect free; scan passes run on an interval and
// on every DOM mutation.
type DOM interface {
	// Query reports whether any element matches the selector.
	Query(selector string) bool
	// Global reports whether a window property (dotted paths allowed) is defined.
	Global(path string) bool
	// Scripts enumerates current script tags.
	Scripts() []Script
}

// Config tunes the detector.
type Config struct {
	ScanInterval  time.Duration
	Registry      []Fingerprint
	GenericWeight int
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.Registry == nil {
		c.Registry = DefaultRegistry()
	}
	if c.GenericWeight <= 0 {
		c.GenericWeight = DefaultGenericWeight
	}
}

// Detector runs registry-driven detection passes and reports each extension
// key at most once per session, whichever method matches first.
type Detector struct {
	cfg  Config
	sink func(event.Event)

	mu       sync.Mutex
	active   bool
	detected map[string]bool // extension keys already reported

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDetector creates a detector delivering events to sink.
func NewDetector(cfg Config, sink func(event.Event)) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:      cfg,
		sink:     sink,
		detected: make(map[string]bool),
	}
}

// Start begins interval scanning of the DOM. Idempotent while running.
func (d *Detector) Start(dom DOM) {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return
	}
	d.active = true
	d.stop = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				d.Scan(dom)
			}
		}
	}()

	// Initial pass so a pre-installed extension is reported promptly.
	d.Scan(dom)
}

// Stop cancels interval scanning and clears the dedup set. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	d.detected = make(map[string]bool)
	d.mu.Unlock()
}

// HandleMutation runs an extra detection pass in response to a DOM mutation
// (new nodes or attribute changes).
func (d *Detector) HandleMutation(dom DOM) {
	d.Scan(dom)
}

// Scan runs one full detection pass. Each check is isolated so a failing
// selector cannot disable the rest of the pass.
func (d *Detector) Scan(dom DOM) {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if !active || dom == nil {
		return
	}

	for _, fp := range d.cfg.Registry {
		d.scanFingerprint(dom, fp)
	}
	d.scanScripts(dom)
	d.scanGeneric(dom)
}

func (d *Detector) scanFingerprint(dom DOM, fp Fingerprint) {
	defer recoverCheck("fingerprint", fp.Key)

	for _, sel := range fp.DOMMarkers {
		if safeQuery(dom, sel) {
			d.report(fp.Key, fp.DisplayName, MethodDOMMarker, fp.RiskWeight)
			return
		}
	}
	for _, name := range fp.GlobalObjects {
		if dom.Global(name) {
			d.report(fp.Key, fp.DisplayName, MethodGlobalObject, fp.RiskWeight)
			return
		}
	}
}

func (d *Detector) scanScripts(dom DOM) {
	defer recoverCheck("scripts", "")

	for _, script := range dom.Scripts() {
		srcLower := strings.ToLower(script.Src)
		inlineLower := strings.ToLower(script.Inline)

		matched := false
		for _, fp := range d.cfg.Registry {
			for _, pattern := range fp.ScriptPatterns {
				p := strings.ToLower(pattern)
				if p == "" {
					continue
				}
				if strings.Contains(srcLower, p) {
					d.report(fp.Key, fp.DisplayName, MethodScriptSrc, fp.RiskWeight)
					matched = true
					break
				}
				if strings.Contains(inlineLower, p) {
					d.report(fp.Key, fp.DisplayName, MethodScriptContent, fp.RiskWeight)
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if matched {
			continue
		}

		// Extension-origin script that no fingerprint claims: generic bucket,
		// keyed by the extension origin so each unknown extension reports once.
		for _, scheme := range extensionSchemes {
			if strings.HasPrefix(srcLower, scheme) {
				origin := srcLower[len(scheme):]
				if i := strings.IndexByte(origin, '/'); i >= 0 {
					origin = origin[:i]
				}
				d.report("unknown:"+origin, "Unknown extension", MethodGeneric, d.cfg.GenericWeight)
				break
			}
		}
	}
}

func (d *Detector) scanGeneric(dom DOM) {
	defer recoverCheck("generic", "")

	for _, sel := range genericMarkers {
		if safeQuery(dom, sel) {
			// One shared bucket for broad marker hits: a registry fingerprint
			// would already have claimed anything it knows.
			d.report("unknown_extension", "Unknown extension", MethodGeneric, d.cfg.GenericWeight)
			return
		}
	}
}

// report emits extension_detected once per extension key; first detection
// wins and later rematches are ignored.
func (d *Detector) report(key, displayName, method string, weight int) {
	d.mu.Lock()
	if !d.active || d.detected[key] {
		d.mu.Unlock()
		return
	}
	d.detected[key] = true
	d.mu.Unlock()

	slog.Debug("Extension detected", "key", key, "method", method)
	d.sink(event.Event{
		Type:      event.TypeExtension,
		Timestamp: event.NowMillis(),
		Weight:    weight,
		Metadata: event.ExtensionMeta{
			Key:         key,
			DisplayName: displayName,
			Method:      method,
		},
	})
}

// Detected returns the extension keys reported so far.
func (d *Detector) Detected() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.detected))
	for k := range d.detected {
		keys = append(keys, k)
	}
	return keys
}

// safeQuery shields a single selector query; an implementation panicking on
// an odd selector must not kill the pass.
func safeQuery(dom DOM, selector string) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("Selector query failed", "selector", selector, "panic", r)
			matched = false
		}
	}()
	return dom.Query(selector)
}

func recoverCheck(check, key string) {
	if r := recover(); r != nil {
		slog.Debug("Extension check failed", "check", check, "key", key, "panic", r)
	}
}
