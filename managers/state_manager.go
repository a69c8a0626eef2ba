package managers

import (
	"encoding/json"
	"fmt"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/types"
	"github.com/jinzhu/gorm"
)

// WorkflowState is one row per workflow instance, the durable record a
// restarted process resumes from.
type WorkflowState struct {
	InstanceId string `gorm:"primary_key"`
	Operation  string
	State      State
	Detail     string
	Checkpoint string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (WorkflowState) TableName() string {
	return "workflow_states"
}

// ProcInfo records process lifetimes. A start row without a matching stop
// means the previous process died with workflows possibly in flight.
type ProcInfo struct {
	ID        uint `gorm:"primary_key"`
	Host      string
	Pid       int
	StartedAt time.Time
	StoppedAt *time.Time
}

func (ProcInfo) TableName() string {
	return "proc_infos"
}

// IssuanceCheckpoint is everything a half-finished issuance needs to pick up
// where it stopped. Serialized as JSON into the state row.
type IssuanceCheckpoint struct {
	DnsNames             []string                    `json:"dns_names"`
	ManagedEnvironmentId string                      `json:"managed_environment_id"`
	ContainerAppId       string                      `json:"container_app_id,omitempty"`
	BindToContainerApp   bool                        `json:"bind_to_container_app"`
	UploadToEnvironment  bool                        `json:"upload_to_environment"`
	Order                types.OrderDetails          `json:"order"`
	Challenges           []types.AcmeChallengeResult `json:"challenges,omitempty"`
	CertificateKeyPem    string                      `json:"certificate_key_pem,omitempty"`
	PfxPassword          string                      `json:"pfx_password,omitempty"`
	CertificateId        string                      `json:"certificate_id,omitempty"`
}

// WorkflowStore is the persistence surface the workflows drive. Satisfied
// by StateManager, kept in memory by test doubles.
type WorkflowStore interface {
	Create(instanceId string, op Op) error
	Get(instanceId string) (WorkflowState, error)
	Transition(instanceId string, to State, detail string) error
	SaveCheckpoint(instanceId string, checkpoint IssuanceCheckpoint) error
	LoadCheckpoint(instanceId string) (IssuanceCheckpoint, error)
	Reset(instanceId string, checkpoint IssuanceCheckpoint) error
	Unfinished() ([]WorkflowState, error)
}

type StateManagerSettings struct {
	Db          *gorm.DB
	AutoMigrate bool
	Logger      lager.Logger
}

// StateManager persists workflow progress. Transitions only move forward,
// except that any state may fall into Error.
type StateManager struct {
	db     *gorm.DB
	logger lager.Logger
}

func NewStateManager(settings *StateManagerSettings) (*StateManager, error) {
	lsession := settings.Logger.Session("state-manager")

	if settings.AutoMigrate {
		if err := settings.Db.AutoMigrate(&WorkflowState{}, &ProcInfo{}).Error; err != nil {
			lsession.Error("auto-migrate-failure", err)
			return nil, err
		}
	}

	return &StateManager{
		db:     settings.Db,
		logger: lsession,
	}, nil
}

func (s *StateManager) Create(instanceId string, op Op) error {
	row := WorkflowState{
		InstanceId: instanceId,
		Operation:  string(op),
		State:      New,
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Error("create-state-failure", err, lager.Data{"instance-id": instanceId})
		return err
	}
	return nil
}

func (s *StateManager) Get(instanceId string) (WorkflowState, error) {
	var row WorkflowState
	err := s.db.Where("instance_id = ?", instanceId).First(&row).Error
	if err != nil {
		return WorkflowState{}, err
	}
	return row, nil
}

// Transition moves a workflow to a later state, optionally recording a
// human-readable detail. Moving backwards is refused, it would mean two
// processes are driving the same instance.
func (s *StateManager) Transition(instanceId string, to State, detail string) error {
	row, err := s.Get(instanceId)
	if err != nil {
		return err
	}
	if to != Error && to <= row.State {
		return fmt.Errorf("illegal transition for %s: %s -> %s", instanceId, row.State, to)
	}

	row.State = to
	row.Detail = detail
	if err := s.db.Save(&row).Error; err != nil {
		s.logger.Error("save-state-failure", err, lager.Data{"instance-id": instanceId})
		return err
	}
	s.logger.Info("state-transition", lager.Data{
		"instance-id": instanceId,
		"state":       to.String(),
	})
	return nil
}

func (s *StateManager) SaveCheckpoint(instanceId string, checkpoint IssuanceCheckpoint) error {
	blob, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}

	row, err := s.Get(instanceId)
	if err != nil {
		return err
	}
	row.Checkpoint = string(blob)
	if err := s.db.Save(&row).Error; err != nil {
		s.logger.Error("save-checkpoint-failure", err, lager.Data{"instance-id": instanceId})
		return err
	}
	return nil
}

func (s *StateManager) LoadCheckpoint(instanceId string) (IssuanceCheckpoint, error) {
	row, err := s.Get(instanceId)
	if err != nil {
		return IssuanceCheckpoint{}, err
	}
	var checkpoint IssuanceCheckpoint
	if row.Checkpoint == "" {
		return checkpoint, nil
	}
	if err := json.Unmarshal([]byte(row.Checkpoint), &checkpoint); err != nil {
		return IssuanceCheckpoint{}, err
	}
	return checkpoint, nil
}

// Reset winds a workflow back to New with a replacement checkpoint. This is
// the one sanctioned backwards move, used when a validation escalation
// forces a fresh ACME order.
func (s *StateManager) Reset(instanceId string, checkpoint IssuanceCheckpoint) error {
	blob, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}

	row, err := s.Get(instanceId)
	if err != nil {
		return err
	}
	row.State = New
	row.Detail = "escalation restart"
	row.Checkpoint = string(blob)
	if err := s.db.Save(&row).Error; err != nil {
		s.logger.Error("reset-state-failure", err, lager.Data{"instance-id": instanceId})
		return err
	}
	s.logger.Info("state-reset", lager.Data{"instance-id": instanceId})
	return nil
}

// Unfinished lists workflows that were neither completed nor failed, the set
// a restarted process should resume.
func (s *StateManager) Unfinished() ([]WorkflowState, error) {
	var rows []WorkflowState
	err := s.db.Where("state NOT IN (?)", []State{Finished, Error}).Find(&rows).Error
	if err != nil {
		s.logger.Error("list-unfinished-failure", err)
		return nil, err
	}
	return rows, nil
}

func (s *StateManager) RecordProcStart(host string, pid int) (uint, error) {
	row := ProcInfo{
		Host:      host,
		Pid:       pid,
		StartedAt: time.Now(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Error("record-proc-start-failure", err)
		return 0, err
	}
	return row.ID, nil
}

func (s *StateManager) RecordProcStop(id uint) error {
	now := time.Now()
	err := s.db.Model(&ProcInfo{}).Where("id = ?", id).Update("stopped_at", &now).Error
	if err != nil {
		s.logger.Error("record-proc-stop-failure", err)
	}
	return err
}
