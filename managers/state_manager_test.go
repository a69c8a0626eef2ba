package managers

import (
	"testing"
	"time"

	"code.cloudfoundry.org/lager"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jinzhu/gorm"
	"github.com/stretchr/testify/suite"
)

type StateManagerSuite struct {
	suite.Suite
	stateManager *StateManager
	mock         sqlmock.Sqlmock
	db           *gorm.DB
}

func TestStateManagerSuite(t *testing.T) {
	suite.Run(t, new(StateManagerSuite))
}

func (s *StateManagerSuite) SetupTest() {
	logger := lager.NewLogger("state-manager-test")

	db, mock, err := sqlmock.New()
	s.Require().NoError(err)
	s.mock = mock

	s.db, err = gorm.Open("postgres", db)
	s.Require().NoError(err)
	s.db.LogMode(false)

	s.stateManager, err = NewStateManager(&StateManagerSettings{
		Db:     s.db,
		Logger: logger,
	})
	s.Require().NoError(err)
}

func (s *StateManagerSuite) TearDownTest() {
	s.Require().NoError(s.mock.ExpectationsWereMet())
	s.mock.ExpectClose()
	s.Require().NoError(s.db.Close())
}

func (s *StateManagerSuite) stateRow(instanceId string, state State) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"instance_id", "operation", "state", "detail", "checkpoint", "created_at", "updated_at"}).
		AddRow(instanceId, string(IssueOp), float64(state), "", "", time.Now(), time.Now())
}

func (s *StateManagerSuite) TestCreate() {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery(`INSERT INTO "workflow_states"`).
		WillReturnRows(sqlmock.NewRows([]string{"instance_id"}).AddRow("abc"))
	s.mock.ExpectCommit()

	s.Require().NoError(s.stateManager.Create("abc", IssueOp))
}

func (s *StateManagerSuite) TestTransitionMovesForward() {
	s.mock.ExpectQuery(`SELECT \* FROM "workflow_states"`).
		WillReturnRows(s.stateRow("abc", New))
	s.mock.ExpectBegin()
	s.mock.ExpectExec(`UPDATE "workflow_states"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	s.Require().NoError(s.stateManager.Transition("abc", OrderCreated, ""))
}

func (s *StateManagerSuite) TestTransitionRefusesMovingBackwards() {
	s.mock.ExpectQuery(`SELECT \* FROM "workflow_states"`).
		WillReturnRows(s.stateRow("abc", Validated))

	err := s.stateManager.Transition("abc", OrderCreated, "")
	s.Require().Error(err)
	s.Require().Contains(err.Error(), "illegal transition")
}

func (s *StateManagerSuite) TestAnyStateMayFail() {
	s.mock.ExpectQuery(`SELECT \* FROM "workflow_states"`).
		WillReturnRows(s.stateRow("abc", Validated))
	s.mock.ExpectBegin()
	s.mock.ExpectExec(`UPDATE "workflow_states"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	s.Require().NoError(s.stateManager.Transition("abc", Error, "validation exploded"))
}

func (s *StateManagerSuite) TestLoadCheckpoint() {
	row := sqlmock.NewRows([]string{"instance_id", "operation", "state", "detail", "checkpoint", "created_at", "updated_at"}).
		AddRow("abc", string(IssueOp), float64(OrderCreated), "", `{"dns_names":["web.example.gov"],"managed_environment_id":"env-1","bind_to_container_app":false,"upload_to_environment":true,"order":{"orderUrl":"https://ca.test/order/1","finalizeUrl":"","certificateUrl":"","status":"pending","authorizationUrls":null,"dnsNames":null}}`, time.Now(), time.Now())
	s.mock.ExpectQuery(`SELECT \* FROM "workflow_states"`).WillReturnRows(row)

	checkpoint, err := s.stateManager.LoadCheckpoint("abc")
	s.Require().NoError(err)
	s.Require().Equal([]string{"web.example.gov"}, checkpoint.DnsNames)
	s.Require().Equal("https://ca.test/order/1", checkpoint.Order.OrderUrl)
	s.Require().True(checkpoint.UploadToEnvironment)
}

func (s *StateManagerSuite) TestUnfinishedExcludesTerminalStates() {
	s.mock.ExpectQuery(`SELECT \* FROM "workflow_states"`).
		WillReturnRows(s.stateRow("abc", Propagated))

	rows, err := s.stateManager.Unfinished()
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Require().Equal(Propagated, rows[0].State)
}
