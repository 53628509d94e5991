package query

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/usage"
)

// Settings persists handler configuration under "<id>/<key>" keys.
type Settings interface {
	Bool(key string, def bool) bool
	SetBool(key string, v bool) error
	String(key, def string) string
	SetString(key, v string) error
	Strings(key string, def []string) []string
	SetStrings(key string, v []string) error
}

// Usage provides usage scores and records activations.
type Usage interface {
	Scores() *usage.Scores
	AddActivation(ctx context.Context, a usage.Activation) error
}

// Settings keys.
const (
	keyTrigger        = "trigger"
	keyFuzzy          = "fuzzy"
	keyTriggerEnabled = "trigger_enabled"
	keyGlobalEnabled  = "global_enabled"

	// FallbackOrderKey holds the ordered list of fallback handler ids.
	FallbackOrderKey = "query/fallback_order"
)

// DefaultReleaseTimeout is the default Config.ReleaseTimeout.
const DefaultReleaseTimeout = 2 * time.Second

// Config configures the engine.
type Config struct {
	// RunEmptyQuery runs the global handlers for empty input.
	RunEmptyQuery bool

	// MaxParallel bounds concurrently running global handlers. Zero or
	// less means unbounded.
	MaxParallel int

	// HandlerTimeout abandons a global handler that runs longer. Zero
	// waits for every handler.
	HandlerTimeout time.Duration

	// ReleaseTimeout is how long a Session waits for a superseded query
	// before logging it as stuck. Defaults to DefaultReleaseTimeout.
	ReleaseTimeout time.Duration

	Settings Settings
	Usage    Usage
	Observer Observer
	Logger   *logging.Logger
}

// TriggerInfo describes a trigger handler for configuration display.
type TriggerInfo struct {
	ID             string
	Name           string
	Trigger        string
	DefaultTrigger string
	Fuzzy          bool
	Enabled        bool
	Active         bool
	AllowRemap     bool
	SupportsFuzzy  bool
}

// GlobalInfo describes a global handler for configuration display.
type GlobalInfo struct {
	ID      string
	Name    string
	Enabled bool
}

type triggerState struct {
	handler TriggerHandler
	trigger string
	fuzzy   bool
	enabled bool
}

type globalState struct {
	handler GlobalHandler
	enabled bool
}

// Engine routes input to query handlers.
//
// Its handler tables follow the extension registry: handlers appear and
// disappear as plugins load and unload.
type Engine struct {
	exts   *extension.Registry
	config Config
	log    *logging.Logger
	obs    Observer

	mu            sync.RWMutex
	triggers      map[string]*triggerState
	active        map[string]TriggerHandler
	globals       map[string]*globalState
	fallbackH     map[string]FallbackHandler
	fallbackOrder []string

	stop []func()
}

// NewEngine creates an engine. Call Start to attach it to the registry.
func NewEngine(exts *extension.Registry, config Config) *Engine {
	log := config.Logger
	if log == nil {
		log = logging.Nop()
	}
	obs := config.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	e := &Engine{
		exts:      exts,
		config:    config,
		log:       log.WithComponent("query"),
		obs:       obs,
		triggers:  make(map[string]*triggerState),
		active:    make(map[string]TriggerHandler),
		globals:   make(map[string]*globalState),
		fallbackH: make(map[string]FallbackHandler),
	}
	if config.ReleaseTimeout <= 0 {
		e.config.ReleaseTimeout = DefaultReleaseTimeout
	}
	if config.Settings != nil {
		e.fallbackOrder = config.Settings.Strings(FallbackOrderKey, nil)
	}
	return e
}

// Start picks up the handlers already registered and watches for changes.
func (e *Engine) Start() {
	e.stop = append(e.stop,
		extension.Watch[TriggerHandler](e.exts, e.addTrigger, e.removeTrigger),
		extension.Watch[GlobalHandler](e.exts, e.addGlobal, e.removeGlobal),
		extension.Watch[FallbackHandler](e.exts, e.addFallback, e.removeFallback),
	)
}

// Stop detaches the engine from the registry.
func (e *Engine) Stop() {
	for _, fn := range e.stop {
		fn()
	}
	e.stop = nil
}

func settingKey(id, key string) string {
	return id + "/" + key
}

func (e *Engine) boolSetting(id, key string, def bool) bool {
	if e.config.Settings == nil {
		return def
	}
	return e.config.Settings.Bool(settingKey(id, key), def)
}

func (e *Engine) addTrigger(h TriggerHandler) {
	st := &triggerState{
		handler: h,
		trigger: h.DefaultTrigger(),
		enabled: e.boolSetting(h.ID(), keyTriggerEnabled, true),
	}
	if h.AllowTriggerRemap() && e.config.Settings != nil {
		st.trigger = e.config.Settings.String(settingKey(h.ID(), keyTrigger), st.trigger)
	}
	if h.SupportsFuzzyMatching() {
		st.fuzzy = e.boolSetting(h.ID(), keyFuzzy, false)
		h.SetFuzzyMatching(st.fuzzy)
	}

	e.mu.Lock()
	e.triggers[h.ID()] = st
	e.updateActiveTriggers()
	e.mu.Unlock()
}

func (e *Engine) removeTrigger(h TriggerHandler) {
	e.mu.Lock()
	delete(e.triggers, h.ID())
	e.updateActiveTriggers()
	e.mu.Unlock()
}

// updateActiveTriggers rebuilds the trigger table. Triggers already active
// keep their handler; the remaining enabled handlers claim free triggers in
// id order and are left out on collision. Must be called with mu held.
func (e *Engine) updateActiveTriggers() {
	next := make(map[string]TriggerHandler, len(e.triggers))

	for trigger, h := range e.active {
		st, ok := e.triggers[h.ID()]
		if ok && st.handler == h && st.enabled && st.trigger == trigger {
			next[trigger] = h
		}
	}

	ids := make([]string, 0, len(e.triggers))
	for id := range e.triggers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		st := e.triggers[id]
		if !st.enabled {
			continue
		}
		if st.trigger == "" {
			e.log.Warn("handler %s has an empty trigger, ignored", id)
			continue
		}
		owner, taken := next[st.trigger]
		if taken {
			if owner != st.handler {
				e.log.Warn("trigger %q of %s already used by %s", st.trigger, id, owner.ID())
			}
			continue
		}
		next[st.trigger] = st.handler
	}

	for trigger, h := range next {
		if cur, ok := e.active[trigger]; !ok || cur != h {
			h.SetTrigger(trigger)
		}
	}
	e.active = next
}

func (e *Engine) addGlobal(h GlobalHandler) {
	e.mu.Lock()
	e.globals[h.ID()] = &globalState{handler: h, enabled: e.boolSetting(h.ID(), keyGlobalEnabled, true)}
	e.mu.Unlock()
}

func (e *Engine) removeGlobal(h GlobalHandler) {
	e.mu.Lock()
	delete(e.globals, h.ID())
	e.mu.Unlock()
}

func (e *Engine) addFallback(h FallbackHandler) {
	e.mu.Lock()
	e.fallbackH[h.ID()] = h
	e.mu.Unlock()
}

func (e *Engine) removeFallback(h FallbackHandler) {
	e.mu.Lock()
	delete(e.fallbackH, h.ID())
	e.mu.Unlock()
}

// ActiveTriggers returns the trigger table as trigger to handler id.
func (e *Engine) ActiveTriggers() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.active))
	for t, h := range e.active {
		out[t] = h.ID()
	}
	return out
}

// TriggerHandlers lists every trigger handler, active or not, by id.
func (e *Engine) TriggerHandlers() []TriggerInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TriggerInfo, 0, len(e.triggers))
	for id, st := range e.triggers {
		out = append(out, TriggerInfo{
			ID:             id,
			Name:           st.handler.Name(),
			Trigger:        st.trigger,
			DefaultTrigger: st.handler.DefaultTrigger(),
			Fuzzy:          st.fuzzy,
			Enabled:        st.enabled,
			Active:         e.active[st.trigger] == st.handler,
			AllowRemap:     st.handler.AllowTriggerRemap(),
			SupportsFuzzy:  st.handler.SupportsFuzzyMatching(),
		})
	}
	slices.SortFunc(out, func(a, b TriggerInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// GlobalHandlers lists every global handler by id.
func (e *Engine) GlobalHandlers() []GlobalInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]GlobalInfo, 0, len(e.globals))
	for id, st := range e.globals {
		out = append(out, GlobalInfo{ID: id, Name: st.handler.Name(), Enabled: st.enabled})
	}
	slices.SortFunc(out, func(a, b GlobalInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// FallbackHandlers returns the fallback handler ids in fallback order.
func (e *Engine) FallbackHandlers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hs := e.orderedFallbacks()
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.ID()
	}
	return out
}

// SetTrigger remaps the trigger of handler id and persists it.
func (e *Engine) SetTrigger(id, trigger string) error {
	if trigger == "" {
		return ErrEmptyTrigger
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.triggers[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrHandlerNotFound)
	}
	if !st.handler.AllowTriggerRemap() {
		return fmt.Errorf("%s: %w", id, ErrRemapNotAllowed)
	}
	if owner, taken := e.active[trigger]; taken && owner != st.handler {
		return fmt.Errorf("%q used by %s: %w", trigger, owner.ID(), ErrTriggerInUse)
	}
	st.trigger = trigger
	e.updateActiveTriggers()
	return e.persistString(id, keyTrigger, trigger)
}

// SetFuzzy toggles fuzzy matching of trigger handler id and persists it.
func (e *Engine) SetFuzzy(id string, fuzzy bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.triggers[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrHandlerNotFound)
	}
	if !st.handler.SupportsFuzzyMatching() {
		return fmt.Errorf("%s: %w", id, ErrFuzzyNotSupported)
	}
	st.fuzzy = fuzzy
	st.handler.SetFuzzyMatching(fuzzy)
	return e.persistBool(id, keyFuzzy, fuzzy)
}

// SetTriggerEnabled enables or disables trigger handler id and persists it.
func (e *Engine) SetTriggerEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.triggers[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrHandlerNotFound)
	}
	st.enabled = enabled
	e.updateActiveTriggers()
	return e.persistBool(id, keyTriggerEnabled, enabled)
}

// SetGlobalEnabled enables or disables global handler id and persists it.
func (e *Engine) SetGlobalEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.globals[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrHandlerNotFound)
	}
	st.enabled = enabled
	return e.persistBool(id, keyGlobalEnabled, enabled)
}

// SetFallbackOrder sets the order in which fallback handlers contribute.
// Handlers not listed follow in id order.
func (e *Engine) SetFallbackOrder(ids []string) error {
	e.mu.Lock()
	e.fallbackOrder = slices.Clone(ids)
	e.mu.Unlock()
	if e.config.Settings == nil {
		return nil
	}
	return e.config.Settings.SetStrings(FallbackOrderKey, ids)
}

func (e *Engine) persistBool(id, key string, v bool) error {
	if e.config.Settings == nil {
		return nil
	}
	return e.config.Settings.SetBool(settingKey(id, key), v)
}

func (e *Engine) persistString(id, key, v string) error {
	if e.config.Settings == nil {
		return nil
	}
	return e.config.Settings.SetString(settingKey(id, key), v)
}

// orderedFallbacks must be called with mu held.
func (e *Engine) orderedFallbacks() []FallbackHandler {
	hs := make([]FallbackHandler, 0, len(e.fallbackH))
	for _, h := range e.fallbackH {
		hs = append(hs, h)
	}
	rank := func(id string) int {
		if i := slices.Index(e.fallbackOrder, id); i >= 0 {
			return i
		}
		return len(e.fallbackOrder)
	}
	slices.SortFunc(hs, func(a, b FallbackHandler) int {
		if c := cmp.Compare(rank(a.ID()), rank(b.ID())); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
	return hs
}

// RecordActivation stores an activation for usage scoring.
func (e *Engine) RecordActivation(ctx context.Context, a usage.Activation) error {
	if e.config.Usage == nil {
		return nil
	}
	if err := e.config.Usage.AddActivation(ctx, a); err != nil {
		e.log.Warn("record activation: %v", err)
		return err
	}
	return nil
}

func (e *Engine) scores() *usage.Scores {
	if e.config.Usage == nil {
		return nil
	}
	return e.config.Usage.Scores()
}

// Query builds the query for input and starts it. It never blocks on
// handlers. Input starting with an active trigger runs that trigger's
// handler only; when several triggers match the longest wins. Any other
// input runs the enabled global handlers.
func (e *Engine) Query(input string) *Query {
	q := e.prepare(input)
	e.start(q)
	return q
}

// prepare builds a query without starting it.
func (e *Engine) prepare(input string) *Query {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var trigger string
	var handler TriggerHandler
	for t, h := range e.active {
		if strings.HasPrefix(input, t) && len(t) > len(trigger) {
			trigger, handler = t, h
		}
	}
	if handler != nil {
		q := newQuery(e, KindTrigger, input, trigger)
		q.handler = handler
		q.scores = e.scores()
		return q
	}

	if input == "" && !e.config.RunEmptyQuery {
		return newQuery(e, KindEmpty, input, "")
	}

	q := newQuery(e, KindGlobal, input, "")
	ids := make([]string, 0, len(e.globals))
	for id, st := range e.globals {
		if st.enabled {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		q.globals = append(q.globals, e.globals[id].handler)
	}
	q.scores = e.scores()
	return q
}
