package runner

import (
	"ncm-console/pkg/model"
)

const hashPrefixLen = 12

// PreviewRollback partitions a deployment's targets by rollback eligibility.
// A device needs rollback when its current config still matches what this
// deployment rendered; a device that diverged since (or was already restored)
// is skipped; a device with no recorded baseline cannot be rolled back.
func (r *Runner) PreviewRollback(dep model.Deployment) (model.RollbackPlan, error) {
	plan := model.RollbackPlan{
		NeedRollback:   []model.RollbackItem{},
		Skip:           []model.RollbackItem{},
		CannotRollback: []model.RollbackItem{},
	}
	for _, id := range dep.TargetDevices {
		expected := ContentHash(RenderConfig(dep.TemplateID, dep.TemplateParams, id))
		item := model.RollbackItem{DeviceID: id, ExpectedHash: prefix(expected)}

		if _, ok, err := r.st.GetBaseline(id); err != nil {
			return plan, err
		} else if !ok {
			item.Reason = "no baseline recorded"
			plan.CannotRollback = append(plan.CannotRollback, item)
			continue
		}

		current, ok, err := r.st.GetDeviceConfig(id)
		if err != nil {
			return plan, err
		}
		if !ok {
			item.Reason = "no config readable from device"
			plan.CannotRollback = append(plan.CannotRollback, item)
			continue
		}
		item.CurrentHash = prefix(ContentHash(current))
		if ContentHash(current) == expected {
			item.Reason = "device still runs this deployment's config"
			plan.NeedRollback = append(plan.NeedRollback, item)
		} else {
			item.Reason = "config changed since deployment"
			plan.Skip = append(plan.Skip, item)
		}
	}
	return plan, nil
}

func prefix(hash string) string {
	if len(hash) > hashPrefixLen {
		return hash[:hashPrefixLen]
	}
	return hash
}
