// Package registry maintains the agent roster: registration with numeric
// code allocation, the application/approval flow, heartbeat-driven status,
// and agent lookup for routing.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/quantsys/atabus/internal/log"
)

// AgentStatus is the availability state of an agent.
type AgentStatus string

const (
	StatusAvailable   AgentStatus = "available"
	StatusBusy        AgentStatus = "busy"
	StatusUnavailable AgentStatus = "unavailable"
	StatusError       AgentStatus = "error"
)

// Category separates system-managed agents from user-registered ones.
type Category string

const (
	CategorySystemAI Category = "system_ai"
	CategoryUserAI   Category = "user_ai"
)

// restrictedAgentName never gets send rights by default.
const restrictedAgentName = "Cursor-Auto"

// DefaultHeartbeatTimeout marks agents unavailable when their heartbeat is
// older than this.
const DefaultHeartbeatTimeout = 300 * time.Second

var (
	ErrNumericCodeTaken   = errors.New("numeric code already assigned")
	ErrNumericCodeRange   = errors.New("numeric code must be in [1..100]")
	ErrNumericCodesFull   = errors.New("all numeric codes in [1..100] are assigned")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrApplicationPending = errors.New("application already pending")
	ErrNoApplication      = errors.New("no pending application")
)

// Agent is a registered participant on the bus.
type Agent struct {
	AgentID            string      `json:"agent_id"`
	AgentType          string      `json:"agent_type"`
	Role               string      `json:"role"`
	Capabilities       []string    `json:"capabilities"`
	NumericCode        int         `json:"numeric_code"`
	SendEnabled        bool        `json:"send_enabled"`
	Category           Category    `json:"category"`
	CurrentLoad        int         `json:"current_load"`
	MaxConcurrentTasks int         `json:"max_concurrent_tasks"`
	Status             AgentStatus `json:"status"`
	RegisteredAt       time.Time   `json:"registered_at"`
	LastHeartbeat      time.Time   `json:"last_heartbeat"`
	ResponseTimeAvg    float64     `json:"response_time_avg"`
	SuccessRate        float64     `json:"success_rate"`
	TotalTasks         int         `json:"total_tasks"`
	CompletedTasks     int         `json:"completed_tasks"`
}

// DisplayName is the communication handle, e.g. "Tester#07".
func (a Agent) DisplayName() string {
	return fmt.Sprintf("%s#%02d", a.AgentID, a.NumericCode)
}

// Application is a pending request to join the registry. Only admin
// approval turns it into an agent.
type Application struct {
	AgentID            string    `json:"agent_id"`
	AgentType          string    `json:"agent_type"`
	Role               string    `json:"role"`
	Capabilities       []string  `json:"capabilities"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	AppliedAt          time.Time `json:"applied_at"`
}

// RegisterOptions carries the optional registration fields. Nil pointers
// mean "apply the documented default".
type RegisterOptions struct {
	MaxConcurrentTasks int
	NumericCode        *int
	SendEnabled        *bool
	Category           *Category
}

// Registry is the JSON-file-backed agent store. All mutation goes through
// the mutex and is flushed to disk before returning.
type Registry struct {
	mu               sync.Mutex
	agentsPath       string
	applicationsPath string
	agents           map[string]*Agent
	applications     map[string]*Application
	heartbeatTimeout time.Duration
	now              func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatTimeout overrides the stale-agent threshold.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatTimeout = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New loads (or creates) the registry files under dir.
func New(dir string, opts ...Option) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating registry dir: %w", err)
	}
	r := &Registry{
		agentsPath:       filepath.Join(dir, "agents.json"),
		applicationsPath: filepath.Join(dir, "applications.json"),
		agents:           make(map[string]*Agent),
		applications:     make(map[string]*Application),
		heartbeatTimeout: DefaultHeartbeatTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := loadJSON(r.agentsPath, &r.agents); err != nil {
		return nil, err
	}
	if err := loadJSON(r.applicationsPath, &r.applications); err != nil {
		return nil, err
	}
	return r, nil
}

// Register creates or updates an agent record. A provided numeric code must
// be unused by any other agent; an absent one is allocated as the smallest
// free code in [1..100].
func (r *Registry) Register(agentID, agentType, role string, capabilities []string, opts RegisterOptions) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.agents[agentID]

	code := 0
	if opts.NumericCode != nil {
		code = *opts.NumericCode
		if code < 1 || code > 100 {
			return Agent{}, fmt.Errorf("%w: %d", ErrNumericCodeRange, code)
		}
		for id, a := range r.agents {
			if id != agentID && a.NumericCode == code {
				return Agent{}, fmt.Errorf("%w: %d held by %s", ErrNumericCodeTaken, code, id)
			}
		}
	} else if existing != nil {
		code = existing.NumericCode
	} else {
		allocated, err := r.smallestFreeCode()
		if err != nil {
			return Agent{}, err
		}
		code = allocated
	}

	sendEnabled := agentID != restrictedAgentName && agentType != restrictedAgentName
	if opts.SendEnabled != nil {
		sendEnabled = *opts.SendEnabled
	}

	category := CategoryUserAI
	if code <= 10 {
		category = CategorySystemAI
	}
	if opts.Category != nil {
		category = *opts.Category
	}

	maxTasks := opts.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = 5
	}

	now := r.now()
	agent := &Agent{
		AgentID:            agentID,
		AgentType:          agentType,
		Role:               role,
		Capabilities:       capabilities,
		NumericCode:        code,
		SendEnabled:        sendEnabled,
		Category:           category,
		MaxConcurrentTasks: maxTasks,
		Status:             StatusAvailable,
		RegisteredAt:       now,
		LastHeartbeat:      now,
		SuccessRate:        1.0,
	}
	if existing != nil {
		agent.RegisteredAt = existing.RegisteredAt
		agent.CurrentLoad = existing.CurrentLoad
		agent.Status = existing.Status
		agent.ResponseTimeAvg = existing.ResponseTimeAvg
		agent.SuccessRate = existing.SuccessRate
		agent.TotalTasks = existing.TotalTasks
		agent.CompletedTasks = existing.CompletedTasks
	}

	r.agents[agentID] = agent
	if err := r.flushAgents(); err != nil {
		return Agent{}, err
	}
	log.Info(log.CatRegistry, "Agent registered", "agentID", agentID, "role", role, "numericCode", code)
	return *agent, nil
}

// Apply records a pending application for an unregistered agent id.
func (r *Registry) Apply(agentID, agentType, role string, capabilities []string, maxConcurrentTasks int) (Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.applications[agentID]; ok {
		return Application{}, fmt.Errorf("%w: %s", ErrApplicationPending, agentID)
	}
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = 5
	}
	app := &Application{
		AgentID:            agentID,
		AgentType:          agentType,
		Role:               role,
		Capabilities:       capabilities,
		MaxConcurrentTasks: maxConcurrentTasks,
		AppliedAt:          r.now(),
	}
	r.applications[agentID] = app
	if err := r.flushApplications(); err != nil {
		return Application{}, err
	}
	log.Info(log.CatRegistry, "Agent application filed", "agentID", agentID, "role", role)
	return *app, nil
}

// Approve converts a pending application into a registered agent, with
// optional admin overrides.
func (r *Registry) Approve(agentID string, overrides RegisterOptions) (Agent, error) {
	r.mu.Lock()
	app, ok := r.applications[agentID]
	if !ok {
		r.mu.Unlock()
		return Agent{}, fmt.Errorf("%w: %s", ErrNoApplication, agentID)
	}
	delete(r.applications, agentID)
	if err := r.flushApplications(); err != nil {
		r.mu.Unlock()
		return Agent{}, err
	}
	r.mu.Unlock()

	if overrides.MaxConcurrentTasks <= 0 {
		overrides.MaxConcurrentTasks = app.MaxConcurrentTasks
	}
	return r.Register(app.AgentID, app.AgentType, app.Role, app.Capabilities, overrides)
}

// Applications lists pending applications sorted by agent id.
func (r *Registry) Applications() []Application {
	r.mu.Lock()
	defer r.mu.Unlock()

	apps := make([]Application, 0, len(r.applications))
	for _, app := range r.applications {
		apps = append(apps, *app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].AgentID < apps[j].AgentID })
	return apps
}

// UpdateStatus refreshes an agent's heartbeat and load. Load at or above
// the concurrency limit forces busy; zero load forces available.
func (r *Registry) UpdateStatus(agentID string, status AgentStatus, currentLoad *int) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	agent.Status = status
	agent.LastHeartbeat = r.now()
	if currentLoad != nil {
		agent.CurrentLoad = *currentLoad
		if agent.CurrentLoad >= agent.MaxConcurrentTasks {
			agent.Status = StatusBusy
		} else if agent.CurrentLoad == 0 {
			agent.Status = StatusAvailable
		}
	}
	if err := r.flushAgents(); err != nil {
		return Agent{}, err
	}
	return *agent, nil
}

// Get returns a single agent by id.
func (r *Registry) Get(agentID string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return *agent, nil
}

// ResolveDisplay returns the communication handle for an agent id.
func (r *Registry) ResolveDisplay(agentID string) (string, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return "", err
	}
	return agent.DisplayName(), nil
}

// FindAgents filters the roster. Empty role matches all roles; required
// capabilities must each be present in the agent's set. With availableOnly,
// agents must be available or busy and under their concurrency limit.
func (r *Registry) FindAgents(role string, capabilities []string, availableOnly bool) []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Agent
	for _, agent := range r.agents {
		if role != "" && agent.Role != role {
			continue
		}
		if !hasAll(agent.Capabilities, capabilities) {
			continue
		}
		if availableOnly {
			if agent.Status != StatusAvailable && agent.Status != StatusBusy {
				continue
			}
			if agent.CurrentLoad >= agent.MaxConcurrentTasks {
				continue
			}
		}
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NumericCode < out[j].NumericCode })
	return out
}

// All returns every agent sorted by numeric code.
func (r *Registry) All() []Agent {
	return r.FindAgents("", nil, false)
}

// CollectStale marks agents with heartbeats older than the timeout as
// unavailable and returns how many were flipped.
func (r *Registry) CollectStale() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.heartbeatTimeout)
	flipped := 0
	for _, agent := range r.agents {
		if agent.Status != StatusUnavailable && agent.LastHeartbeat.Before(cutoff) {
			agent.Status = StatusUnavailable
			flipped++
			log.Warn(log.CatRegistry, "Agent heartbeat stale", "agentID", agent.AgentID, "lastHeartbeat", agent.LastHeartbeat)
		}
	}
	if flipped > 0 {
		if err := r.flushAgents(); err != nil {
			return 0, err
		}
	}
	return flipped, nil
}

func (r *Registry) smallestFreeCode() (int, error) {
	used := make(map[int]bool, len(r.agents))
	for _, agent := range r.agents {
		used[agent.NumericCode] = true
	}
	for code := 1; code <= 100; code++ {
		if !used[code] {
			return code, nil
		}
	}
	return 0, ErrNumericCodesFull
}

func (r *Registry) flushAgents() error {
	return writeJSON(r.agentsPath, r.agents)
}

func (r *Registry) flushApplications() error {
	return writeJSON(r.applicationsPath, r.applications)
}

func hasAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}

func loadJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, src any) error {
	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
