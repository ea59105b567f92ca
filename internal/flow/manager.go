package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/catflap-labs/onlycat-bridge/internal/logging"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// FirstStep is the step every flow starts with.
const FirstStep = "user"

type registration struct {
	version int
	factory HandlerFactory
}

// Manager owns in-progress flows and turns handler results into persisted entries.
type Manager struct {
	entries *entry.Registry
	store   Store

	mu       sync.RWMutex
	handlers map[string]registration

	locksMu sync.Mutex
	locks   map[string]*flowLock
}

type flowLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a manager persisting entries through entries and keeping
// progress in store. A nil store uses a MemoryStore.
func NewManager(entries *entry.Registry, store Store) *Manager {
	if store == nil {
		store = NewMemoryStore(DefaultFlowTTL)
	}
	return &Manager{
		entries:  entries,
		store:    store,
		handlers: make(map[string]registration),
		locks:    make(map[string]*flowLock),
	}
}

// Register adds or replaces the handler for domain.
func (m *Manager) Register(domain string, version int, factory HandlerFactory) {
	if factory == nil {
		return
	}
	m.mu.Lock()
	m.handlers[domain] = registration{version: version, factory: factory}
	m.mu.Unlock()
}

// Handlers lists the registered domains.
func (m *Manager) Handlers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for domain := range m.handlers {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// Init starts a new flow for domain and returns its first result.
func (m *Manager) Init(ctx context.Context, domain string) (*Result, error) {
	if _, ok := m.registration(domain); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, domain)
	}
	now := time.Now().UTC()
	rec := &Record{
		FlowID:    uuid.NewString(),
		Handler:   domain,
		StepID:    FirstStep,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("flow: save progress: %w", err)
	}
	return m.run(ctx, rec, nil)
}

// Configure submits input to the current step of flowID.
func (m *Manager) Configure(ctx context.Context, flowID string, input map[string]string) (*Result, error) {
	unlock := m.lock(flowID)
	defer unlock()

	rec, err := m.store.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]string{}
	}
	var missing []string
	for _, name := range rec.Required {
		if strings.TrimSpace(input[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, strings.Join(missing, ", "))
	}
	return m.run(ctx, rec, input)
}

// Abort removes an in-progress flow.
func (m *Manager) Abort(ctx context.Context, flowID string) error {
	unlock := m.lock(flowID)
	defer unlock()

	if _, err := m.store.Get(ctx, flowID); err != nil {
		return err
	}
	logging.Entry(logging.WithFlowID(ctx, flowID)).Debug("flow aborted by caller")
	return m.store.Delete(ctx, flowID)
}

// Progress lists in-progress flows.
func (m *Manager) Progress(ctx context.Context) ([]*Record, error) {
	return m.store.List(ctx)
}

func (m *Manager) run(ctx context.Context, rec *Record, input map[string]string) (*Result, error) {
	reg, ok := m.registration(rec.Handler)
	if !ok {
		_ = m.store.Delete(ctx, rec.FlowID)
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, rec.Handler)
	}
	ctx = logging.WithFlowID(ctx, rec.FlowID)
	fc := &Context{
		FlowID:       rec.FlowID,
		Domain:       rec.Handler,
		Version:      reg.version,
		isConfigured: m.isConfigured,
		inProgress:   m.claimedByOtherFlow(ctx),
	}
	if rec.UniqueID != "" {
		fc.uniqueID, fc.hasUniqueID = rec.UniqueID, true
	}

	result, err := reg.factory().Step(ctx, fc, rec.StepID, input)
	if err != nil {
		var abort *AbortError
		if !errors.As(err, &abort) {
			return nil, err
		}
		result = fc.Abort(abort.Reason)
	}
	if result == nil {
		return nil, fmt.Errorf("flow: handler %s returned no result for step %s", rec.Handler, rec.StepID)
	}
	result.FlowID = rec.FlowID
	result.Handler = rec.Handler

	switch result.Type {
	case ResultTypeForm:
		rec.StepID = result.StepID
		rec.UniqueID, _ = fc.UniqueID()
		rec.Required = result.Schema.RequiredFields()
		if errPut := m.store.Put(ctx, rec); errPut != nil {
			return nil, fmt.Errorf("flow: save progress: %w", errPut)
		}
		return result, nil
	case ResultTypeCreateEntry:
		// A caller that gave up must not end up with an entry.
		if errCtx := ctx.Err(); errCtx != nil {
			return nil, fmt.Errorf("flow: entry not created: %w", errCtx)
		}
		if errDel := m.store.Delete(ctx, rec.FlowID); errDel != nil {
			logging.Entry(ctx).WithError(errDel).Warn("flow: failed to drop finished flow")
		}
		return m.createEntry(ctx, fc, result)
	case ResultTypeAbort:
		if errDel := m.store.Delete(ctx, rec.FlowID); errDel != nil {
			logging.Entry(ctx).WithError(errDel).Warn("flow: failed to drop aborted flow")
		}
		logging.Entry(ctx).WithField("handler", rec.Handler).Infof("flow aborted: %s", result.Reason)
		return result, nil
	default:
		return nil, fmt.Errorf("flow: handler %s returned unsupported result type %q", rec.Handler, result.Type)
	}
}

func (m *Manager) createEntry(ctx context.Context, fc *Context, result *Result) (*Result, error) {
	uniqueID, _ := fc.UniqueID()
	e := entry.New(fc.Domain, result.Title, uniqueID, fc.Version, result.Data)
	if err := m.entries.Add(ctx, e); err != nil {
		if errors.Is(err, entry.ErrDuplicate) {
			return fc.Abort(ReasonAlreadyConfigured), nil
		}
		return nil, err
	}
	logging.Entry(ctx).WithFields(log.Fields{
		"handler":   fc.Domain,
		"unique_id": uniqueID,
		"entry_id":  e.EntryID,
	}).Info("config entry created")
	result.Entry = e
	return result, nil
}

func (m *Manager) registration(domain string) (registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.handlers[domain]
	return reg, ok
}

func (m *Manager) isConfigured(domain, uniqueID string) bool {
	return m.entries != nil && m.entries.IsConfigured(domain, uniqueID)
}

func (m *Manager) claimedByOtherFlow(ctx context.Context) func(flowID, domain, uniqueID string) bool {
	return func(flowID, domain, uniqueID string) bool {
		records, err := m.store.List(ctx)
		if err != nil {
			logging.Entry(ctx).WithError(err).Warn("flow: cannot list in-progress flows")
			return false
		}
		for _, rec := range records {
			if rec.FlowID != flowID && rec.Handler == domain && rec.UniqueID != "" && rec.UniqueID == uniqueID {
				return true
			}
		}
		return false
	}
}

// lock serializes steps of the same flow.
func (m *Manager) lock(flowID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[flowID]
	if !ok {
		l = &flowLock{}
		m.locks[flowID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, flowID)
		}
		m.locksMu.Unlock()
	}
}
