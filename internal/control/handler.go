// Package control implements the MQTT command plane: session control,
// consent management and data-subject operations, driven by JSON
// commands on a subscribe topic with JSON responses on a reply topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command is a control plane command.
type Command struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

// Response is a command response.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Config holds the control plane topics.
type Config struct {
	CommandTopic  string
	ResponseTopic string
	QoS           byte
}

// Callbacks contains the functions commands dispatch to. A nil callback
// makes its command report "not implemented".
type Callbacks struct {
	Login         func(username, password string) error
	Logout        func(username string)
	StartSession  func(username string) (map[string]any, error)
	StopSession   func() (map[string]any, error)
	GetStatus     func() map[string]any
	GetSnapshot   func() (map[string]any, error)
	GrantConsent  func(username, purpose string) error
	RevokeConsent func(username, purpose string) error
	ExportData    func(username string) (json.RawMessage, error)
	EraseData     func(username string) error
	RotateKey     func() (uint32, error)
	Shutdown      func() error
}

// Handler subscribes to the command topic and executes commands
// sequentially. Data-subject operations (export, erase) and session
// control require a prior successful login.
type Handler struct {
	cfg       Config
	client    mqtt.Client
	callbacks Callbacks
	commands  chan Command

	mu       sync.RWMutex
	loggedIn string // authenticated username, "" when nobody
}

// NewHandler creates a control plane handler.
func NewHandler(cfg Config, client mqtt.Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		callbacks: callbacks,
		commands:  make(chan Command, 10),
	}
}

// Start subscribes to the command topic and begins processing.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("subscribing to control plane", "topic", h.cfg.CommandTopic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(h.cfg.CommandTopic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control plane handler started")
	return nil
}

// Stop unsubscribes and stops processing.
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.CommandTopic)
		token.Wait()
	}
	close(h.commands)
	slog.Info("control plane handler stopped")
	return nil
}

// LoggedInUser returns the authenticated username, or "".
func (h *Handler) LoggedInUser() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loggedIn
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			resp, deferred := h.dispatch(cmd)
			h.sendResponse(resp)
			if deferred != nil {
				deferred()
			}
		}
	}
}

// dispatch executes one command and returns its response, plus an
// optional function to run after the response is published (used by
// shutdown so the ack reaches the broker first).
func (h *Handler) dispatch(cmd Command) (Response, func()) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "login":
		if h.callbacks.Login == nil {
			return notImplemented(resp), nil
		}
		username := cmd.Params["username"]
		if err := h.callbacks.Login(username, cmd.Params["password"]); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp, nil
		}
		h.mu.Lock()
		h.loggedIn = username
		h.mu.Unlock()
		resp.Status = "success"
		resp.Data = map[string]any{"logged_in": username}

	case "logout":
		h.mu.Lock()
		username := h.loggedIn
		h.loggedIn = ""
		h.mu.Unlock()
		if h.callbacks.Logout != nil && username != "" {
			h.callbacks.Logout(username)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"logged_out": username}

	case "start_session":
		username, ok := h.requireLogin(&resp)
		if !ok {
			return resp, nil
		}
		if h.callbacks.StartSession == nil {
			return notImplemented(resp), nil
		}
		data, err := h.callbacks.StartSession(username)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp, nil
		}
		resp.Status = "success"
		resp.Data = data

	case "stop_session":
		if _, ok := h.requireLogin(&resp); !ok {
			return resp, nil
		}
		if h.callbacks.StopSession == nil {
			return notImplemented(resp), nil
		}
		data, err := h.callbacks.StopSession()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			resp.Data = data // a closed-but-unpersisted session still reports
			return resp, nil
		}
		resp.Status = "success"
		resp.Data = data

	case "get_status":
		if h.callbacks.GetStatus == nil {
			return notImplemented(resp), nil
		}
		resp.Status = "success"
		resp.Data = h.callbacks.GetStatus()

	case "get_snapshot":
		if h.callbacks.GetSnapshot == nil {
			return notImplemented(resp), nil
		}
		data, err := h.callbacks.GetSnapshot()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp, nil
		}
		resp.Status = "success"
		resp.Data = data

	case "grant_consent", "revoke_consent":
		username, ok := h.requireLogin(&resp)
		if !ok {
			return resp, nil
		}
		cb := h.callbacks.GrantConsent
		if cmd.Command == "revoke_consent" {
			cb = h.callbacks.RevokeConsent
		}
		if cb == nil {
			return notImplemented(resp), nil
		}
		purpose := cmd.Params["purpose"]
		if err := cb(username, purpose); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp, nil
		}
		resp.Status = "success"
		resp.Data = map[string]any{
			"purpose": purpose,
			"granted": cmd.Command == "grant_consent",
		}

	case "export_data":
		username, ok := h.requireLogin(&resp)
		if !ok {
			return resp, nil
		}
		if h.callbacks.ExportData == nil {
			return notImplemented(resp), nil
		}
		bundle, err := h.callbacks.ExportData(username)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp, nil
		}
		resp.Status = "success"
		resp.Data = map[string]any{"export": bundle}

	case "erase_data":
		username, ok := h.requireLogin(&resp)
		if !ok {
			return resp, nil
		}
		if h.callbacks.EraseData == nil {
			return notImplemented(resp), nil
		}
		if err := h.callbacks.EraseData(username); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp, nil
		}
		// Erasure ends the login; there is no user data left to act on.
		h.mu.Lock()
		h.loggedIn = ""
		h.mu.Unlock()
		resp.Status = "success"
		resp.Data = map[string]any{"erased": username}

	case "rotate_key":
		if h.callbacks.RotateKey == nil {
			return notImplemented(resp), nil
		}
		version, err := h.callbacks.RotateKey()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return resp, nil
		}
		resp.Status = "success"
		resp.Data = map[string]any{"key_version": version}

	case "shutdown":
		if h.callbacks.Shutdown == nil {
			return notImplemented(resp), nil
		}
		slog.Warn("shutdown command received via control plane")
		resp.Status = "success"
		resp.Data = map[string]any{"shutdown_initiated": true}
		cb := h.callbacks.Shutdown
		return resp, func() {
			time.Sleep(500 * time.Millisecond)
			if err := cb(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp, nil
}

func (h *Handler) requireLogin(resp *Response) (string, bool) {
	h.mu.RLock()
	username := h.loggedIn
	h.mu.RUnlock()
	if username == "" {
		resp.Status = "error"
		resp.Error = "authentication required"
		return "", false
	}
	return username, true
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = fmt.Sprintf("%s not implemented", resp.CommandAck)
	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.ResponseTopic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
