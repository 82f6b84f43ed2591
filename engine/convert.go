package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine/storage"
)

// instanceFromRecord converts a persisted action into an instance.
func instanceFromRecord(rec *storage.Action) (*action.Instance, error) {
	inst := &action.Instance{
		Order:       rec.Order,
		Name:        rec.Name,
		State:       rec.State,
		Valid:       rec.Valid,
		NeedToken:   rec.NeedToken,
		TokenFields: rec.TokenFields,
		AutoApprove: rec.AutoApprove,
	}
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &inst.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	if inst.Data == nil {
		inst.Data = make(action.Data)
	}
	if len(rec.Cache) > 0 {
		if err := json.Unmarshal(rec.Cache, &inst.Cache); err != nil {
			return nil, fmt.Errorf("unmarshal cache: %w", err)
		}
	}
	return inst, nil
}

// updateRecord copies the instance into rec.
func updateRecord(rec *storage.Action, inst *action.Instance) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	rec.Data = data
	rec.Cache = nil
	if len(inst.Cache) > 0 {
		if rec.Cache, err = json.Marshal(inst.Cache); err != nil {
			return fmt.Errorf("marshal cache: %w", err)
		}
	}
	rec.State = inst.State
	rec.Valid = inst.Valid
	rec.NeedToken = inst.NeedToken
	rec.TokenFields = inst.TokenFields
	rec.AutoApprove = inst.AutoApprove
	return nil
}

// newRecord creates a persisted action for a new instance.
func newRecord(id, taskID string, inst *action.Instance, now time.Time) (*storage.Action, error) {
	rec := &storage.Action{
		ID:        id,
		TaskID:    taskID,
		Order:     inst.Order,
		Name:      inst.Name,
		CreatedOn: now,
	}
	return rec, updateRecord(rec, inst)
}
