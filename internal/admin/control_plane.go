// Package admin implements the Admin Control Plane (§4.N): role-to-model
// assignments, routing thresholds and slider overrides, allowed-user/domain
// management, access-request decisions, prompt-template CRUD delegation,
// and audit-entry emission for every administrative mutation. Grounded on
// the teacher's internal/auth/store.go role/session schema (role-gated
// mutation pattern) and internal/store's AdminConfig/AccessRequest/
// AllowedDomains methods, generalized into one control-plane facade that
// enforces admin identity before every write and records each one through
// the Audit/Usage Recorder.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"weave/internal/chatmodel"
	"weave/internal/observability"
	"weave/internal/prompts"
)

// ErrNotAdmin is returned by every mutating method when the caller's
// chatmodel.User.IsAdmin is false.
var ErrNotAdmin = fmt.Errorf("admin: caller is not an administrator")

// Store is the subset of internal/store.Store the control plane drives.
type Store interface {
	GetAdminConfig(ctx context.Context, key string) ([]byte, bool, error)
	SetAdminConfig(ctx context.Context, key string, value []byte) error
	AllowedDomains(ctx context.Context) ([]string, error)
	AddAllowedDomain(ctx context.Context, domain string) error
	RemoveAllowedDomain(ctx context.Context, domain string) error
	CreateAccessRequest(ctx context.Context, userID, email string) (chatmodel.AccessRequest, error)
	DecideAccessRequest(ctx context.Context, id, decidedBy, status string) error
	ListPendingAccessRequests(ctx context.Context) ([]chatmodel.AccessRequest, error)
}

// AuditSink records one administrative mutation, independent of per-turn
// usage recording — typically backed by usage.Recorder with a synthetic
// sessionId/messageId for the admin action.
type AuditSink interface {
	Record(ctx context.Context, r chatmodel.UsageRecord) error
}

const (
	configKeyRoleModels = "role_model_assignments"
	configKeyRouting    = "routing_thresholds"
)

// RoleModelAssignment maps a user group/role to its preferred model.
type RoleModelAssignment map[string]string

// RoutingThresholds carries the tunable sliders the admin UI exposes —
// retrieval score cutoff, memory relevance cutoff, and the routing
// confidence the Prompt Template Router falls back to its default at.
type RoutingThresholds struct {
	RetrievalScoreMin  float64 `json:"retrievalScoreMin"`
	MemoryRelevanceMin float64 `json:"memoryRelevanceMin"`
	RoutingConfidence  float64 `json:"routingConfidence"`
}

// DefaultRoutingThresholds mirrors §6's literal defaults.
func DefaultRoutingThresholds() RoutingThresholds {
	return RoutingThresholds{RetrievalScoreMin: 0.3, MemoryRelevanceMin: 0.2, RoutingConfidence: 0.6}
}

// ControlPlane enforces admin-identity checks around every administrative
// mutation and audits each one.
type ControlPlane struct {
	store   Store
	prompts *prompts.Router
	audit   AuditSink
}

func New(store Store, promptRouter *prompts.Router, audit AuditSink) *ControlPlane {
	return &ControlPlane{store: store, prompts: promptRouter, audit: audit}
}

func requireAdmin(caller chatmodel.User) error {
	if !caller.IsAdmin {
		return ErrNotAdmin
	}
	return nil
}

func (c *ControlPlane) auditAction(ctx context.Context, caller chatmodel.User, action string, metadata map[string]any) {
	if c.audit == nil {
		return
	}
	rec := chatmodel.UsageRecord{
		UserID:    caller.ID,
		SessionID: "admin",
		MessageID: action,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := c.audit.Record(ctx, rec); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("action", action).Msg("admin: audit write failed")
	}
}

// GetRoleModelAssignments returns the current role/group → model map.
func (c *ControlPlane) GetRoleModelAssignments(ctx context.Context) (RoleModelAssignment, error) {
	raw, ok, err := c.store.GetAdminConfig(ctx, configKeyRoleModels)
	if err != nil {
		return nil, err
	}
	if !ok {
		return RoleModelAssignment{}, nil
	}
	var out RoleModelAssignment
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("admin: decode role model assignments: %w", err)
	}
	return out, nil
}

// SetRoleModelAssignments replaces the role/group → model map wholesale.
func (c *ControlPlane) SetRoleModelAssignments(ctx context.Context, caller chatmodel.User, assignments RoleModelAssignment) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	raw, err := json.Marshal(assignments)
	if err != nil {
		return err
	}
	if err := c.store.SetAdminConfig(ctx, configKeyRoleModels, raw); err != nil {
		return err
	}
	c.auditAction(ctx, caller, "set_role_model_assignments", map[string]any{"assignments": assignments})
	return nil
}

// GetRoutingThresholds returns the current slider values, falling back to
// defaults when never configured.
func (c *ControlPlane) GetRoutingThresholds(ctx context.Context) (RoutingThresholds, error) {
	raw, ok, err := c.store.GetAdminConfig(ctx, configKeyRouting)
	if err != nil {
		return RoutingThresholds{}, err
	}
	if !ok {
		return DefaultRoutingThresholds(), nil
	}
	var out RoutingThresholds
	if err := json.Unmarshal(raw, &out); err != nil {
		return RoutingThresholds{}, fmt.Errorf("admin: decode routing thresholds: %w", err)
	}
	return out, nil
}

// SetRoutingThresholds updates the slider values.
func (c *ControlPlane) SetRoutingThresholds(ctx context.Context, caller chatmodel.User, thresholds RoutingThresholds) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	raw, err := json.Marshal(thresholds)
	if err != nil {
		return err
	}
	if err := c.store.SetAdminConfig(ctx, configKeyRouting, raw); err != nil {
		return err
	}
	c.auditAction(ctx, caller, "set_routing_thresholds", map[string]any{"thresholds": thresholds})
	return nil
}

// ListAllowedDomains returns the current allow-list.
func (c *ControlPlane) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return c.store.AllowedDomains(ctx)
}

// AddAllowedDomain allow-lists a new email domain for self-service sign-up.
func (c *ControlPlane) AddAllowedDomain(ctx context.Context, caller chatmodel.User, domain string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if err := c.store.AddAllowedDomain(ctx, domain); err != nil {
		return err
	}
	c.auditAction(ctx, caller, "add_allowed_domain", map[string]any{"domain": domain})
	return nil
}

// RemoveAllowedDomain revokes a previously allow-listed domain.
func (c *ControlPlane) RemoveAllowedDomain(ctx context.Context, caller chatmodel.User, domain string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if err := c.store.RemoveAllowedDomain(ctx, domain); err != nil {
		return err
	}
	c.auditAction(ctx, caller, "remove_allowed_domain", map[string]any{"domain": domain})
	return nil
}

// ListPendingAccessRequests returns every access request awaiting a
// decision.
func (c *ControlPlane) ListPendingAccessRequests(ctx context.Context, caller chatmodel.User) ([]chatmodel.AccessRequest, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return c.store.ListPendingAccessRequests(ctx)
}

// DecideAccessRequest approves or denies a pending access request.
func (c *ControlPlane) DecideAccessRequest(ctx context.Context, caller chatmodel.User, requestID string, approve bool) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	status := "denied"
	if approve {
		status = "approved"
	}
	if err := c.store.DecideAccessRequest(ctx, requestID, caller.ID, status); err != nil {
		return err
	}
	c.auditAction(ctx, caller, "decide_access_request", map[string]any{"requestId": requestID, "status": status})
	return nil
}

// UpsertPromptTemplate delegates to the Prompt Template Router, which
// itself invalidates the selection cache on every mutation (§4.G).
func (c *ControlPlane) UpsertPromptTemplate(ctx context.Context, caller chatmodel.User, t chatmodel.PromptTemplate) (chatmodel.PromptTemplate, error) {
	if err := requireAdmin(caller); err != nil {
		return chatmodel.PromptTemplate{}, err
	}
	saved, err := c.prompts.Upsert(ctx, t)
	if err != nil {
		return chatmodel.PromptTemplate{}, err
	}
	c.auditAction(ctx, caller, "upsert_prompt_template", map[string]any{"templateId": saved.ID})
	return saved, nil
}

// DeletePromptTemplate delegates to the Prompt Template Router.
func (c *ControlPlane) DeletePromptTemplate(ctx context.Context, caller chatmodel.User, id string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if err := c.prompts.Delete(ctx, id); err != nil {
		return err
	}
	c.auditAction(ctx, caller, "delete_prompt_template", map[string]any{"templateId": id})
	return nil
}

// AssignUserTemplate pins one user to a specific template, bypassing
// trigger-based selection.
func (c *ControlPlane) AssignUserTemplate(ctx context.Context, caller chatmodel.User, userID, templateID string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if err := c.prompts.Assign(ctx, userID, templateID, caller.ID); err != nil {
		return err
	}
	c.auditAction(ctx, caller, "assign_user_template", map[string]any{"userId": userID, "templateId": templateID})
	return nil
}
