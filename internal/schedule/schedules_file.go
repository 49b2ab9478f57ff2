package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// schedulesFile is the YAML shape of SCHEDULES_FILE.
type schedulesFile struct {
	Schedules []fileEntry `yaml:"schedules"`
}

type fileEntry struct {
	Name            string         `yaml:"name"`
	Spec            string         `yaml:"spec"`
	Type            string         `yaml:"type"`
	TenantID        string         `yaml:"tenant_id"`
	Priority        string         `yaml:"priority"`
	Payload         map[string]any `yaml:"payload"`
	SkipIfOlderThan string         `yaml:"skip_if_older_than"`
}

// LoadSchedules reads a YAML schedules file and turns each entry into a
// cron entry that submits the declared job through submit. An empty path
// returns no entries.
func LoadSchedules(path string, submit Submitter) ([]CronEntry, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=schedule.LoadSchedules: %w", err)
	}
	return parseSchedules(raw, submit)
}

func parseSchedules(raw []byte, submit Submitter) ([]CronEntry, error) {
	var file schedulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("op=schedule.parse: %w: %v", domain.ErrValidation, err)
	}

	entries := make([]CronEntry, 0, len(file.Schedules))
	for i, fe := range file.Schedules {
		if fe.Name == "" || fe.Spec == "" || fe.Type == "" || fe.TenantID == "" {
			return nil, fmt.Errorf("op=schedule.parse: %w: schedule %d needs name, spec, type and tenant_id", domain.ErrValidation, i)
		}

		var payload json.RawMessage
		if fe.Payload != nil {
			b, err := json.Marshal(fe.Payload)
			if err != nil {
				return nil, fmt.Errorf("op=schedule.parse: %w: schedule %q payload: %v", domain.ErrValidation, fe.Name, err)
			}
			payload = b
		}

		var skip time.Duration
		if fe.SkipIfOlderThan != "" {
			d, err := time.ParseDuration(fe.SkipIfOlderThan)
			if err != nil {
				return nil, fmt.Errorf("op=schedule.parse: %w: schedule %q skip_if_older_than: %v", domain.ErrValidation, fe.Name, err)
			}
			skip = d
		}

		env := domain.JobEnvelope{
			Type:     fe.Type,
			TenantID: fe.TenantID,
			Priority: domain.Priority(fe.Priority),
			Payload:  payload,
		}
		entries = append(entries, CronEntry{
			Name:            fe.Name,
			Spec:            fe.Spec,
			SkipIfOlderThan: skip,
			Fire: func(ctx context.Context) error {
				_, err := submit.Submit(ctx, env)
				return err
			},
		})
	}
	return entries, nil
}
