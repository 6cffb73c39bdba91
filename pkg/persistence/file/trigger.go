package file

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

// TriggerRepository handles trigger registration file operations.
type TriggerRepository struct {
	registrations collection[models.TriggerRegistration]
	mu            *sync.Mutex
}

func (tr *TriggerRepository) ReplaceForFlow(_ context.Context, flowID string, registrations []*models.TriggerRegistration) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	existing, err := tr.byFlow(flowID)
	if err != nil {
		return err
	}

	for _, reg := range existing {
		_, err = tr.registrations.remove(reg.ID)
		if err != nil {
			return fmt.Errorf("failed to remove registration %s: %w", reg.ID, err)
		}
	}

	for _, reg := range registrations {
		err = tr.registrations.put(reg.ID, reg)
		if err != nil {
			return fmt.Errorf("failed to store registration %s: %w", reg.ID, err)
		}
	}

	return nil
}

func (tr *TriggerRepository) DeactivateByFlow(_ context.Context, flowID string) (int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	existing, err := tr.byFlow(flowID)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, reg := range existing {
		if reg.Status == models.RegistrationStatusInactive {
			continue
		}

		reg.Status = models.RegistrationStatusInactive

		err = tr.registrations.put(reg.ID, reg)
		if err != nil {
			return count, fmt.Errorf("failed to deactivate registration %s: %w", reg.ID, err)
		}

		count++
	}

	return count, nil
}

func (tr *TriggerRepository) FindActive(_ context.Context, orgID, triggerType string) ([]*models.TriggerRegistration, error) {
	all, err := tr.registrations.all()
	if err != nil {
		return nil, err
	}

	var found []*models.TriggerRegistration

	for _, reg := range all {
		if reg.OrgID == orgID && reg.TriggerType == triggerType && reg.Status == models.RegistrationStatusActive {
			found = append(found, reg)
		}
	}

	return found, nil
}

func (tr *TriggerRepository) ListByFlow(_ context.Context, flowID string) ([]*models.TriggerRegistration, error) {
	return tr.byFlow(flowID)
}

func (tr *TriggerRepository) Touch(_ context.Context, triggerID string, at time.Time) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	reg, err := tr.registrations.get(triggerID)
	if err != nil || reg == nil {
		return err
	}

	reg.LastTriggeredAt = &at

	return tr.registrations.put(triggerID, reg)
}

func (tr *TriggerRepository) byFlow(flowID string) ([]*models.TriggerRegistration, error) {
	all, err := tr.registrations.all()
	if err != nil {
		return nil, err
	}

	var found []*models.TriggerRegistration

	for _, reg := range all {
		if reg.FlowID == flowID {
			found = append(found, reg)
		}
	}

	return found, nil
}
