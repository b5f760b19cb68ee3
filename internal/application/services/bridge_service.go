package services

import (
	"context"
	"log"
	"sync"

	"github.com/dazzle-run/runtime/internal/domain/process"
)

const defaultStatusField = "status"

// BridgeService routes entity lifecycle events to the process runs they
// trigger, per spec.md §4.7. It is generalized from the teacher's
// CRM-specific post-commit callback hooks (persistence_service.go) into a
// generic (entity_name, event_type) / (entity_name, from_status, to_status)
// registry, grounded on process_manager.py's trigger-table dispatch.
type BridgeService struct {
	orchestrator *Orchestrator

	mu                       sync.RWMutex
	entityEventTriggers      map[string][]process.Spec // key: entity_name:event_type
	statusTransitionTriggers map[string][]process.Spec // key: entity_name:from_status:to_status
	statusFields             map[string]string         // entity_name -> status field name
}

// NewBridgeService creates a new BridgeService bound to orchestrator.
func NewBridgeService(orchestrator *Orchestrator) *BridgeService {
	return &BridgeService{
		orchestrator:             orchestrator,
		entityEventTriggers:      make(map[string][]process.Spec),
		statusTransitionTriggers: make(map[string][]process.Spec),
		statusFields:             make(map[string]string),
	}
}

// RegisterStatusField overrides the default "status" field name used to
// detect transitions for entityName.
func (b *BridgeService) RegisterStatusField(entityName, fieldName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusFields[entityName] = fieldName
}

// RegisterTrigger wires spec's declared trigger into the bridge's routing
// tables. Specs with a manual or schedule trigger are ignored here — those
// are started directly or by the Scheduling component, never by the bridge.
func (b *BridgeService) RegisterTrigger(spec process.Spec) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch spec.Trigger.Kind {
	case process.TriggerEntityEvent:
		if spec.Trigger.EntityName == "" || spec.Trigger.EventType == "" {
			return
		}
		key := spec.Trigger.EntityName + ":" + spec.Trigger.EventType
		b.entityEventTriggers[key] = append(b.entityEventTriggers[key], spec)

	case process.TriggerStatusTransition:
		if spec.Trigger.EntityName == "" || spec.Trigger.FromStatus == "" || spec.Trigger.ToStatus == "" {
			return
		}
		key := spec.Trigger.EntityName + ":" + spec.Trigger.FromStatus + ":" + spec.Trigger.ToStatus
		b.statusTransitionTriggers[key] = append(b.statusTransitionTriggers[key], spec)
	}
}

// OnEntityCreated handles an entity-created event, starting every process
// triggered on (entityName, "created").
func (b *BridgeService) OnEntityCreated(ctx context.Context, entityName, entityID string, data map[string]any) []string {
	return b.handleEntityEvent(ctx, entityName, "created", entityID, data)
}

// OnEntityUpdated handles an entity-updated event, starting every process
// triggered on (entityName, "updated") and, if the entity's status field
// changed, every process triggered on the matching status transition.
func (b *BridgeService) OnEntityUpdated(ctx context.Context, entityName, entityID string, data, oldData map[string]any) []string {
	runIDs := b.handleEntityEvent(ctx, entityName, "updated", entityID, data)

	b.mu.RLock()
	field, ok := b.statusFields[entityName]
	b.mu.RUnlock()
	if !ok {
		field = defaultStatusField
	}

	if oldData == nil {
		return runIDs
	}
	oldStatus, oldOK := oldData[field]
	newStatus, newOK := data[field]
	if !oldOK || !newOK || oldStatus == newStatus {
		return runIDs
	}

	oldStr, _ := oldStatus.(string)
	newStr, _ := newStatus.(string)
	runIDs = append(runIDs, b.handleStatusTransition(ctx, entityName, oldStr, newStr, entityID, data)...)
	return runIDs
}

// OnEntityDeleted handles an entity-deleted event, starting every process
// triggered on (entityName, "deleted").
func (b *BridgeService) OnEntityDeleted(ctx context.Context, entityName, entityID string, data map[string]any) []string {
	return b.handleEntityEvent(ctx, entityName, "deleted", entityID, data)
}

func (b *BridgeService) handleEntityEvent(ctx context.Context, entityName, eventType, entityID string, data map[string]any) []string {
	key := entityName + ":" + eventType
	b.mu.RLock()
	specs := append([]process.Spec(nil), b.entityEventTriggers[key]...)
	b.mu.RUnlock()

	var runIDs []string
	for _, spec := range specs {
		inputs := mergeArgs(nil, nil, data)
		inputs["entity_id"] = entityID
		inputs["entity_name"] = entityName
		inputs["event_type"] = eventType

		run, err := b.orchestrator.StartProcess(ctx, spec.Name, inputs, "", "")
		if err != nil {
			log.Printf("⚠️  [bridge] failed to start process %q for %s: %v", spec.Name, key, err)
			continue
		}
		runIDs = append(runIDs, run.RunID)
		log.Printf("🔗 [bridge] started process %s for %s: %s", spec.Name, key, run.RunID)
	}
	return runIDs
}

func (b *BridgeService) handleStatusTransition(ctx context.Context, entityName, oldStatus, newStatus, entityID string, data map[string]any) []string {
	key := entityName + ":" + oldStatus + ":" + newStatus
	b.mu.RLock()
	specs := append([]process.Spec(nil), b.statusTransitionTriggers[key]...)
	b.mu.RUnlock()

	var runIDs []string
	for _, spec := range specs {
		inputs := mergeArgs(nil, nil, data)
		inputs["entity_id"] = entityID
		inputs["entity_name"] = entityName
		inputs["old_status"] = oldStatus
		inputs["new_status"] = newStatus

		run, err := b.orchestrator.StartProcess(ctx, spec.Name, inputs, "", "")
		if err != nil {
			log.Printf("⚠️  [bridge] failed to start process %q for transition %s: %v", spec.Name, key, err)
			continue
		}
		runIDs = append(runIDs, run.RunID)
		log.Printf("🔗 [bridge] started process %s for transition %s: %s", spec.Name, key, run.RunID)
	}
	return runIDs
}
