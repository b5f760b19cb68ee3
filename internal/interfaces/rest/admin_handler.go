package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dazzle-run/runtime/internal/application/services"
	"github.com/dazzle-run/runtime/internal/domain/ports"
	"github.com/dazzle-run/runtime/pkg/errors"
)

// AdminHandler exposes the operator surface described in spec.md §7: run and
// task inspection, topic/DLQ introspection, outbox retry, and version and
// migration control. Narrowed to the capabilities it actually calls, in the
// teacher's handler idiom (approval_handler.go), minus anything resembling
// authentication — this domain has no user-session concept.
type AdminHandler struct {
	orchestrator *services.Orchestrator
	publisher    *services.OutboxPublisher
	outboxStore  ports.OutboxStore
	bus          ports.EventBus
	versions     *services.VersionService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(
	orchestrator *services.Orchestrator,
	publisher *services.OutboxPublisher,
	outboxStore ports.OutboxStore,
	bus ports.EventBus,
	versions *services.VersionService,
) *AdminHandler {
	return &AdminHandler{
		orchestrator: orchestrator,
		publisher:    publisher,
		outboxStore:  outboxStore,
		bus:          bus,
		versions:     versions,
	}
}

// ListRuns handles GET /admin/runs?status=
func (h *AdminHandler) ListRuns(c *gin.Context) {
	status := c.Query("status")
	HandleGetEnvelope(c, "runs", func() (interface{}, error) {
		return h.orchestrator.ListRuns(c.Request.Context(), status)
	})
}

type startRunRequest struct {
	ProcessName       string         `json:"process_name" binding:"required"`
	Inputs            map[string]any `json:"inputs"`
	IdempotencyKey    string         `json:"idempotency_key"`
	DeployedVersionID string         `json:"deployed_version_id"`
}

// StartRun handles POST /admin/runs
func (h *AdminHandler) StartRun(c *gin.Context) {
	var req startRunRequest
	if !BindJSON(c, &req) {
		return
	}
	run, err := h.orchestrator.StartProcess(c.Request.Context(), req.ProcessName, req.Inputs, req.IdempotencyKey, req.DeployedVersionID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run": run})
}

// CancelRun handles POST /admin/runs/:id/cancel
func (h *AdminHandler) CancelRun(c *gin.Context) {
	HandleActionEnvelope(c, "run cancelled", func() error {
		return h.orchestrator.Cancel(c.Request.Context(), c.Param("id"))
	})
}

// ListTasks handles GET /admin/tasks?assignee_id=
func (h *AdminHandler) ListTasks(c *gin.Context) {
	assigneeID := c.Query("assignee_id")
	if assigneeID == "" {
		RespondAppError(c, errors.NewValidationError("assignee_id", "assignee_id query parameter is required"))
		return
	}
	HandleGetEnvelope(c, "tasks", func() (interface{}, error) {
		return h.orchestrator.ListTasksForAssignee(c.Request.Context(), assigneeID)
	})
}

type completeTaskRequest struct {
	Outcome     string         `json:"outcome" binding:"required"`
	OutcomeData map[string]any `json:"outcome_data"`
}

// CompleteTask handles POST /admin/tasks/:id/complete
func (h *AdminHandler) CompleteTask(c *gin.Context) {
	var req completeTaskRequest
	if !BindJSON(c, &req) {
		return
	}
	HandleActionEnvelope(c, "task completed", func() error {
		return h.orchestrator.CompleteTask(c.Request.Context(), c.Param("id"), req.Outcome, req.OutcomeData)
	})
}

type reassignTaskRequest struct {
	AssigneeID string `json:"assignee_id" binding:"required"`
	Reason     string `json:"reason"`
}

// ReassignTask handles POST /admin/tasks/:id/reassign
func (h *AdminHandler) ReassignTask(c *gin.Context) {
	var req reassignTaskRequest
	if !BindJSON(c, &req) {
		return
	}
	HandleActionEnvelope(c, "task reassigned", func() error {
		return h.orchestrator.ReassignTask(c.Request.Context(), c.Param("id"), req.AssigneeID, req.Reason)
	})
}

// ListTopics handles GET /admin/topics
func (h *AdminHandler) ListTopics(c *gin.Context) {
	HandleGetEnvelope(c, "topics", func() (interface{}, error) {
		return h.bus.ListTopics(c.Request.Context())
	})
}

// TopicDLQ handles GET /admin/topics/:topic/dlq. Every bus adapter answers
// GetTopicInfo, and all but the partitioned-log adapter (which always reports
// zero) fill in its dead-letter count; listing individual DLQ envelopes is not
// a capability every backend (relational, streams, partitioned-log) exposes
// uniformly, so this surfaces the count rather than the entries.
func (h *AdminHandler) TopicDLQ(c *gin.Context) {
	topic := c.Param("topic")
	HandleGetEnvelope(c, "dlq", func() (interface{}, error) {
		return h.bus.GetTopicInfo(c.Request.Context(), topic)
	})
}

// RetryOutboxEntry handles POST /admin/outbox/:id/retry
func (h *AdminHandler) RetryOutboxEntry(c *gin.Context) {
	HandleActionEnvelope(c, "outbox entry queued for retry", func() error {
		return h.outboxStore.RetryFailed(c.Request.Context(), c.Param("id"))
	})
}

// PublisherStatus handles GET /admin/publisher
func (h *AdminHandler) PublisherStatus(c *gin.Context) {
	batches, running, publisherID, recentErrors := h.publisher.Stats()
	c.JSON(http.StatusOK, gin.H{
		"publisher_id":      publisherID,
		"running":           running,
		"batches_processed": batches,
		"recent_errors":     recentErrors,
	})
}

type deployVersionRequest struct {
	DSLHash  string `json:"dsl_hash" binding:"required"`
	Manifest string `json:"manifest" binding:"required"`
}

// DeployVersion handles POST /admin/versions/:id/deploy
func (h *AdminHandler) DeployVersion(c *gin.Context) {
	var req deployVersionRequest
	if !BindJSON(c, &req) {
		return
	}
	HandleActionEnvelope(c, "version deployed", func() error {
		return h.versions.DeployVersion(c.Request.Context(), c.Param("id"), req.DSLHash, req.Manifest)
	})
}

type startMigrationRequest struct {
	MigrationID string `json:"migration_id" binding:"required"`
	From        string `json:"from" binding:"required"`
	To          string `json:"to" binding:"required"`
}

// StartMigration handles POST /admin/versions/migrations
func (h *AdminHandler) StartMigration(c *gin.Context) {
	var req startMigrationRequest
	if !BindJSON(c, &req) {
		return
	}
	remaining, err := h.versions.StartMigration(c.Request.Context(), req.MigrationID, req.From, req.To)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"migration_id":   req.MigrationID,
		"runs_remaining": remaining,
	})
}

// CompleteMigration handles POST /admin/migrations/:id/complete
func (h *AdminHandler) CompleteMigration(c *gin.Context) {
	HandleActionEnvelope(c, "migration completed", func() error {
		return h.versions.CompleteMigration(c.Request.Context(), c.Param("id"))
	})
}

// RollbackMigration handles POST /admin/migrations/:id/rollback
func (h *AdminHandler) RollbackMigration(c *gin.Context) {
	HandleActionEnvelope(c, "migration rolled back", func() error {
		return h.versions.RollbackMigration(c.Request.Context(), c.Param("id"))
	})
}
