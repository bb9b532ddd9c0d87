package shipment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/shipflow/pkg/api"
)

// Summary is the read-only view of a shipment the dashboard and CLI show.
type Summary struct {
	ShipmentID    string     `json:"shipment_id"`
	Project       string     `json:"project_name,omitempty"`
	Supplier      string     `json:"supplier_name,omitempty"`
	Origin        string     `json:"origin,omitempty"`
	Destination   string     `json:"destination,omitempty"`
	CargoValue    int        `json:"cargo_value,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	ContainerType string     `json:"container_type,omitempty"`
	Status        api.Status `json:"status"`
	Stage         Stage      `json:"stage"`
	History       []Stage    `json:"stage_history"`
	Location      string     `json:"current_location"`

	IssueDetected      bool     `json:"issue_detected"`
	IssueDetails       string   `json:"issue_details,omitempty"`
	AwaitingResolution bool     `json:"awaiting_resolution"`
	Strategy           Strategy `json:"strategy,omitempty"`
	Cost               int      `json:"cost"`

	FailureReason string    `json:"failure_reason,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Summarize derives a Summary from a lifecycle instance.
func Summarize(inst *api.WorkflowInstance) (Summary, error) {
	if inst.Workflow != WorkflowName {
		return Summary{}, fmt.Errorf("instance %s runs %q, not %s", inst.ID, inst.Workflow, WorkflowName)
	}

	var in Input
	if len(inst.Input) > 0 {
		if err := json.Unmarshal(inst.Input, &in); err != nil {
			return Summary{}, fmt.Errorf("decode input of %s: %w", inst.ID, err)
		}
	}
	in = in.WithDefaults()

	s := Summary{
		ShipmentID:    in.ShipmentID,
		Project:       in.Project,
		Supplier:      in.Supplier,
		Origin:        in.Origin,
		Destination:   in.Destination,
		CargoValue:    in.CargoValue,
		Priority:      in.Priority,
		ContainerType: in.ContainerType,
		Status:        inst.Status,
		Stage:         Stage(inst.Stage),
		Location:      inst.StageDetail,
		FailureReason: inst.FailureReason,
		StartedAt:     inst.StartedAt,
		UpdatedAt:     inst.UpdatedAt,
	}
	if s.ShipmentID == "" {
		s.ShipmentID = inst.ID
	}
	if s.Stage == "" {
		s.Stage = StagePending
	}
	if s.Location == "" {
		s.Location = in.Origin
	}
	for _, st := range inst.Stages {
		s.History = append(s.History, Stage(st))
	}

	if raw, ok := inst.Decisions[DecisionCustomsIssue]; ok {
		if err := json.Unmarshal(raw, &s.IssueDetected); err != nil {
			return Summary{}, fmt.Errorf("decode %s of %s: %w", DecisionCustomsIssue, inst.ID, err)
		}
	}
	if raw, ok := inst.Decisions[DecisionResolutionCost]; ok {
		if err := json.Unmarshal(raw, &s.Cost); err != nil {
			return Summary{}, fmt.Errorf("decode %s of %s: %w", DecisionResolutionCost, inst.ID, err)
		}
	}
	if raw, ok := inst.Signals[ResolveSignal]; ok {
		var r Resolution
		if err := json.Unmarshal(raw, &r); err == nil {
			if st, err := ParseStrategy(r.Strategy); err == nil {
				s.Strategy = st
			} else {
				s.Strategy = StrategyWait
			}
		}
	}

	if wp, ok := inst.Pending(); ok && wp.Kind == api.WaitSignal && wp.Name == ResolveSignal {
		s.AwaitingResolution = true
	}
	if s.Stage == StageIssueDetected || s.Stage == StageAwaitingResolution {
		s.IssueDetails = issueDetails
	}
	return s, nil
}
