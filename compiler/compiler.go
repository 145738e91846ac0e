// Package compiler is the change-hook registry: callbacks registered for a
// CSS selector run once for every matching element a render inserts, and
// the destructors they return run when the element is removed.
package compiler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/andybalholm/cascadia"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/hazyhaar/fragnav/dom"
)

// AttrData holds JSON passed to callbacks in Meta.Data.
const AttrData = "up-data"

// Meta is the context a callback runs in.
type Meta struct {
	// LayerID of the layer the element was inserted into.
	LayerID string
	// Data is the decoded up-data attribute of the element, if any.
	Data map[string]any
	// Defer schedules fn to run after the current DOM section. Callbacks
	// that want to render must go through Defer.
	Defer func(fn func())
}

// Destructor releases what a callback acquired. It runs on Teardown.
type Destructor func() error

// Func is a change-hook callback. It may return a nil Destructor.
type Func func(el *html.Node, meta Meta) (Destructor, error)

type registration struct {
	id       uint64
	selector string
	sel      cascadia.Selector
	fn       Func
	priority int
}

type compiled struct {
	reg     *registration
	destroy Destructor
}

// Option configures a registration.
type Option func(*registration)

// WithPriority orders a registration before those with a lower priority.
// Equal priorities run in registration order. Default 0.
func WithPriority(n int) Option {
	return func(r *registration) { r.priority = n }
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithReporter sets the function callback errors are reported to.
func WithReporter(fn func(error)) RegistryOption {
	return func(r *Registry) { r.report = fn }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// Registry holds registrations and tracks which elements each one compiled.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	regs     []*registration
	compiled map[*html.Node][]compiled
	report   func(error)
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		compiled: make(map[*html.Node][]compiled),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.report == nil {
		r.report = func(err error) { r.logger.Error("compiler: callback failed", "error", err) }
	}
	return r
}

// Register adds fn for selector. The returned func removes the registration;
// elements it already compiled keep their destructors until torn down.
func (r *Registry) Register(selector string, fn Func, opts ...Option) (unregister func(), err error) {
	sel, err := dom.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compiler: register: %w", err)
	}
	reg := &registration{selector: selector, sel: sel, fn: fn}
	for _, o := range opts {
		o(reg)
	}

	r.mu.Lock()
	r.nextID++
	reg.id = r.nextID
	r.regs = append(r.regs, reg)
	sort.SliceStable(r.regs, func(i, j int) bool {
		if r.regs[i].priority != r.regs[j].priority {
			return r.regs[i].priority > r.regs[j].priority
		}
		return r.regs[i].id < r.regs[j].id
	})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, x := range r.regs {
			if x == reg {
				r.regs = append(r.regs[:i:i], r.regs[i+1:]...)
				return
			}
		}
	}, nil
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

// ApplyTo runs every registration against the matching elements of root
// (root included), in priority order then document order. Each
// registration runs at most once per element, however often ApplyTo is
// called. Callback errors and panics are isolated and reported after all
// callbacks have run. When meta.Defer is nil, deferred work runs at the end
// of ApplyTo. Returns the number of callbacks invoked.
func (r *Registry) ApplyTo(root *html.Node, meta Meta) int {
	if root == nil {
		return 0
	}
	var deferred []func()
	if meta.Defer == nil {
		meta.Defer = func(fn func()) { deferred = append(deferred, fn) }
	}

	r.mu.Lock()
	regs := append([]*registration(nil), r.regs...)
	r.mu.Unlock()

	var errs []error
	calls := 0
	for _, reg := range regs {
		for _, el := range reg.sel.MatchAll(root) {
			if !r.claim(el, reg) {
				continue
			}
			calls++
			m := meta
			m.Data = data(el)
			destroy, err := r.call(reg, el, m)
			if err != nil {
				errs = append(errs, err)
			}
			if destroy != nil {
				r.setDestructor(el, reg, destroy)
			}
		}
	}

	for _, fn := range deferred {
		fn()
	}
	for _, err := range errs {
		r.report(err)
	}
	return calls
}

// claim marks el as compiled by reg. False when it already was.
func (r *Registry) claim(el *html.Node, reg *registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.compiled[el] {
		if c.reg == reg {
			return false
		}
	}
	r.compiled[el] = append(r.compiled[el], compiled{reg: reg})
	return true
}

func (r *Registry) setDestructor(el *html.Node, reg *registration, d Destructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.compiled[el] {
		if c.reg == reg {
			r.compiled[el][i].destroy = d
			return
		}
	}
}

func (r *Registry) call(reg *registration, el *html.Node, meta Meta) (d Destructor, err error) {
	defer func() {
		if p := recover(); p != nil {
			d, err = nil, fmt.Errorf("compiler: %s on %s panicked: %v", reg.selector, dom.Path(el), p)
		}
	}()
	d, err = reg.fn(el, meta)
	if err != nil {
		err = fmt.Errorf("compiler: %s on %s: %w", reg.selector, dom.Path(el), err)
	}
	return d, err
}

func data(el *html.Node) map[string]any {
	raw := dom.Attr(el, AttrData)
	if raw == "" || !gjson.Valid(raw) {
		return nil
	}
	m, _ := gjson.Parse(raw).Value().(map[string]any)
	return m
}

// Teardown runs the destructors of every compiled element in root's
// subtree, in reverse priority order, and forgets their compiled state.
// Every destructor runs even when others fail or panic; errors are joined.
func (r *Registry) Teardown(root *html.Node) error {
	type job struct {
		el *html.Node
		c  compiled
	}
	var jobs []job

	r.mu.Lock()
	dom.Walk(root, func(n *html.Node) bool {
		for _, c := range r.compiled[n] {
			jobs = append(jobs, job{el: n, c: c})
		}
		delete(r.compiled, n)
		return true
	})
	r.mu.Unlock()

	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i].c.reg, jobs[j].c.reg
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.id > b.id
	})

	var errs []error
	for _, j := range jobs {
		if j.c.destroy == nil {
			continue
		}
		if err := safeDestroy(j.c.destroy); err != nil {
			errs = append(errs, fmt.Errorf("compiler: teardown %s on %s: %w", j.c.reg.selector, dom.Path(j.el), err))
		}
	}
	return errors.Join(errs...)
}

func safeDestroy(d Destructor) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panicked: %v", p)
		}
	}()
	return d()
}

// Compiled reports whether any registration compiled el.
func (r *Registry) Compiled(el *html.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.compiled[el]) > 0
}
