package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/owliabot/owliabot/internal/backoff"
	"github.com/owliabot/owliabot/internal/policy"
)

// HealthStatus describes the lifecycle state of a supervised MCP server
// connection: a server starts unknown, becomes healthy once the initial
// handshake succeeds, and flips to unhealthy when the supervisor observes
// the transport has dropped. It returns to healthy once a restart attempt
// reconnects.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// healthState tracks one server's supervision state.
type healthState struct {
	mu       sync.RWMutex
	status   HealthStatus
	attempts int
	lastErr  error
}

func (h *healthState) snapshot() (HealthStatus, int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.attempts, h.lastErr
}

func (h *healthState) markHealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = HealthHealthy
	h.attempts = 0
	h.lastErr = nil
}

func (h *healthState) markUnhealthy(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = HealthUnhealthy
	h.lastErr = err
}

func (h *healthState) recordAttempt() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	return h.attempts
}

// Manager manages multiple MCP server connections, including crash
// supervision with exponential-backoff restarts.
type Manager struct {
	config        *Config
	logger        *slog.Logger
	clients       map[string]*Client
	health        map[string]*healthState
	restartPolicy backoff.BackoffPolicy
	pollInterval  time.Duration
	mu            sync.RWMutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config holds the MCP manager configuration.
type Config struct {
	Enabled bool            `yaml:"enabled"`
	Servers []*ServerConfig `yaml:"servers"`

	// RestartPolicy governs the backoff between reconnect attempts after a
	// supervised server's transport drops. Defaults to backoff.DefaultPolicy.
	RestartPolicy *backoff.BackoffPolicy `yaml:"restart_policy"`

	// HealthPollInterval sets how often the supervisor checks a connected
	// server's transport. Defaults to 10s.
	HealthPollInterval time.Duration `yaml:"health_poll_interval"`
}

// NewManager creates a new MCP manager.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	restartPolicy := backoff.DefaultPolicy()
	pollInterval := 10 * time.Second
	if cfg != nil {
		if cfg.RestartPolicy != nil {
			restartPolicy = *cfg.RestartPolicy
		}
		if cfg.HealthPollInterval > 0 {
			pollInterval = cfg.HealthPollInterval
		}
	}

	return &Manager{
		config:        cfg,
		logger:        logger.With("component", "mcp"),
		clients:       make(map[string]*Client),
		health:        make(map[string]*healthState),
		restartPolicy: restartPolicy,
		pollInterval:  pollInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start connects to all configured MCP servers with auto_start enabled and
// begins crash supervision for each.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("MCP disabled")
		return nil
	}

	for _, serverCfg := range m.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}

		if err := m.Connect(ctx, serverCfg.ID); err != nil {
			m.logger.Error("failed to connect to MCP server",
				"server", serverCfg.ID,
				"error", err)
			// Continue with other servers
		}
		m.superviseServer(serverCfg.ID)
	}

	return nil
}

// Stop disconnects from all MCP servers and halts supervision.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close MCP client",
				"server", id,
				"error", err)
		}
		delete(m.clients, id)
	}

	return nil
}

func (m *Manager) healthStateFor(serverID string) *healthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.health[serverID]
	if !ok {
		hs = &healthState{status: HealthUnknown}
		m.health[serverID] = hs
	}
	return hs
}

// serverConfig looks up a server's static configuration by ID.
func (m *Manager) serverConfig(serverID string) *ServerConfig {
	for _, cfg := range m.config.Servers {
		if cfg.ID == serverID {
			return cfg
		}
	}
	return nil
}

// Connect connects to a specific MCP server by ID.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	serverCfg := m.serverConfig(serverID)
	if serverCfg == nil {
		return fmt.Errorf("server %q not found in config", serverID)
	}

	// Check if already connected
	m.mu.RLock()
	if _, exists := m.clients[serverID]; exists {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	hs := m.healthStateFor(serverID)

	// Create and connect client
	client := NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		hs.markUnhealthy(err)
		return err
	}

	m.mu.Lock()
	m.clients[serverID] = client
	m.mu.Unlock()

	wasHealthy, _, _ := hs.snapshot()
	hs.markHealthy()
	if wasHealthy != HealthHealthy {
		m.logger.Info("mcp server health transition",
			"server", serverID, "from", wasHealthy, "to", HealthHealthy)
	}

	m.logger.Info("connected to MCP server",
		"server", serverID,
		"name", client.ServerInfo().Name)

	return nil
}

// superviseServer starts a background goroutine that watches serverID's
// connection and restarts it with exponential backoff after it drops. It is
// a no-op if supervision is already running for serverID (guarded by the
// manager's stop channel, not re-entrancy-safe across repeated calls).
func (m *Manager) superviseServer(serverID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()

		hs := m.healthStateFor(serverID)

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
			}

			m.mu.RLock()
			client, exists := m.clients[serverID]
			m.mu.RUnlock()

			if exists && client.Connected() {
				continue
			}

			prevStatus, _, _ := hs.snapshot()
			hs.markUnhealthy(fmt.Errorf("transport disconnected"))
			if prevStatus != HealthUnhealthy {
				m.logger.Warn("mcp server health transition",
					"server", serverID, "from", prevStatus, "to", HealthUnhealthy)
			}

			if exists {
				m.mu.Lock()
				delete(m.clients, serverID)
				m.mu.Unlock()
			}

			attempt := hs.recordAttempt()
			wait := backoff.ComputeBackoff(m.restartPolicy, attempt)
			m.logger.Info("mcp server restart scheduled",
				"server", serverID, "attempt", attempt, "wait", wait)

			select {
			case <-m.stopCh:
				return
			case <-time.After(wait):
			}

			restartCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := m.Connect(restartCtx, serverID)
			cancel()
			if err != nil {
				m.logger.Error("mcp server restart failed",
					"server", serverID, "attempt", attempt, "error", err)
			}
		}
	}()
}

// Disconnect disconnects from a specific MCP server.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[serverID]
	if !exists {
		return nil
	}

	if err := client.Close(); err != nil {
		return err
	}

	delete(m.clients, serverID)
	m.logger.Info("disconnected from MCP server", "server", serverID)

	return nil
}

// Client returns a client for a specific server.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[serverID]
	return client, exists
}

// Clients returns all connected clients.
func (m *Manager) Clients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Client, len(m.clients))
	for id, client := range m.clients {
		result[id] = client
	}
	return result
}

// AllTools returns all tools from all connected servers, keyed by server ID.
func (m *Manager) AllTools() map[string][]*MCPTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPTool)
	for id, client := range m.clients {
		if tools := client.Tools(); len(tools) > 0 {
			result[id] = tools
		}
	}
	return result
}

// AllResources returns all resources from all connected servers.
func (m *Manager) AllResources() map[string][]*MCPResource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPResource)
	for id, client := range m.clients {
		if resources := client.Resources(); len(resources) > 0 {
			result[id] = resources
		}
	}
	return result
}

// AllPrompts returns all prompts from all connected servers.
func (m *Manager) AllPrompts() map[string][]*MCPPrompt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPPrompt)
	for id, client := range m.clients {
		if prompts := client.Prompts(); len(prompts) > 0 {
			result[id] = prompts
		}
	}
	return result
}

// CallTool calls a tool on a specific server.
func (m *Manager) CallTool(ctx context.Context, serverID string, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}

	return client.CallTool(ctx, toolName, arguments)
}

// CallNamespacedTool calls a tool addressed by its "server__tool" namespaced
// name, as exposed by ToolSchemas, splitting it back into server ID and
// original tool name.
func (m *Manager) CallNamespacedTool(ctx context.Context, namespaced string, arguments map[string]any) (*ToolCallResult, error) {
	serverID, original, ok := policy.ParseMCPToolName(namespaced)
	if !ok {
		return nil, fmt.Errorf("not a namespaced MCP tool name: %q", namespaced)
	}
	return m.CallTool(ctx, serverID, original, arguments)
}

// FindTool finds a tool by its namespaced "server__tool" name across all
// servers. Returns the server ID and tool definition, or empty string if
// not found.
func (m *Manager) FindTool(name string) (serverID string, tool *MCPTool) {
	if sid, original, ok := policy.ParseMCPToolName(name); ok {
		m.mu.RLock()
		defer m.mu.RUnlock()
		client, exists := m.clients[sid]
		if !exists {
			return "", nil
		}
		for _, t := range client.Tools() {
			if t.Name == original {
				return sid, t
			}
		}
		return "", nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, client := range m.clients {
		for _, t := range client.Tools() {
			if t.Name == name {
				return id, t
			}
		}
	}
	return "", nil
}

// ReadResource reads a resource from a specific server.
func (m *Manager) ReadResource(ctx context.Context, serverID string, uri string) ([]*ResourceContent, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}

	return client.ReadResource(ctx, uri)
}

// GetPrompt gets a prompt from a specific server.
func (m *Manager) GetPrompt(ctx context.Context, serverID string, name string, arguments map[string]string) (*GetPromptResult, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}

	return client.GetPrompt(ctx, name, arguments)
}

// ToolSchema represents the JSON schema for a tool, used by LLMs. Name is
// the "server__tool" namespaced name so a registry holding schemas from
// multiple servers never collides on a bare tool name.
type ToolSchema struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolSchemas returns tool schemas suitable for LLM tool definitions, with
// names namespaced by server ID.
func (m *Manager) ToolSchemas() []ToolSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var schemas []ToolSchema
	for id, client := range m.clients {
		for _, tool := range client.Tools() {
			schemas = append(schemas, ToolSchema{
				ServerID:    id,
				Name:        policy.MCPToolName(id, tool.Name),
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return schemas
}

// ServerStatus represents the status of an MCP server.
type ServerStatus struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Connected       bool         `json:"connected"`
	Health          HealthStatus `json:"health"`
	RestartAttempts int          `json:"restart_attempts"`
	Server          ServerInfo   `json:"server"`
	Tools           int          `json:"tools"`
	Resources       int          `json:"resources"`
	Prompts         int          `json:"prompts"`
}

// Status returns the status of all configured servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	for _, cfg := range m.config.Servers {
		status := ServerStatus{
			ID:     cfg.ID,
			Name:   cfg.Name,
			Health: HealthUnknown,
		}

		if hs, ok := m.health[cfg.ID]; ok {
			h, attempts, _ := hs.snapshot()
			status.Health = h
			status.RestartAttempts = attempts
		}

		if client, exists := m.clients[cfg.ID]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
			status.Resources = len(client.Resources())
			status.Prompts = len(client.Prompts())
		}

		statuses = append(statuses, status)
	}

	return statuses
}
