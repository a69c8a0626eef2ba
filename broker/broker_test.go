package broker_test

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/broker"
	"github.com/18f/aca-domain-broker/fakes"
	"github.com/18f/aca-domain-broker/managers"
	"github.com/18f/aca-domain-broker/types"
	"github.com/stretchr/testify/suite"
)

type BrokerSuite struct {
	suite.Suite
	platform *fakes.Platform
	provider *fakes.DnsProvider
	resolver *fakes.Resolver
	store    *fakes.MemoryStore
	broker   *broker.Broker
}

func TestBrokerSuite(t *testing.T) {
	suite.Run(t, new(BrokerSuite))
}

func (s *BrokerSuite) SetupTest() {
	logger := lager.NewLogger("broker-test")

	s.platform = fakes.NewPlatform()
	s.platform.Environments = []types.ManagedEnvironmentItem{
		{Id: "env-1", Name: "production", VerificationId: "verification-id"},
	}
	s.platform.VerificationIds["app-1"] = "verification-id"

	s.provider = fakes.NewDnsProvider(
		types.DnsZoneItem{Id: "1", Name: "example.gov", NameServers: []string{"ns1.example.gov."}},
	)
	s.resolver = fakes.NewResolver()
	s.resolver.NS["example.gov"] = []string{"ns1.example.gov"}
	s.store = fakes.NewMemoryStore()

	dnsManager := managers.NewDnsChallengeManager(&managers.DnsChallengeManagerSettings{
		Provider: s.provider,
		Resolver: s.resolver,
		Logger:   logger,
	})
	bindingManager := managers.NewBindingManager(&managers.BindingManagerSettings{
		Platform:         s.platform,
		Provider:         s.provider,
		PropagationDelay: time.Millisecond,
		ShortRetry:       managers.RetryPolicy{MaxAttempts: 2, Interval: time.Millisecond},
		Logger:           logger,
	})
	certificateManager, err := managers.NewCertificateManager(&managers.CertificateManagerSettings{
		AcmeClient:       fakes.HappyAcmeClient(),
		Dns:              dnsManager,
		Platform:         s.platform,
		Binding:          bindingManager,
		State:            s.store,
		Endpoint:         "https://broker.example.gov",
		PropagationDelay: time.Millisecond,
		ShortRetry:       managers.RetryPolicy{MaxAttempts: 3, Interval: time.Millisecond},
		LongRetry:        managers.RetryPolicy{MaxAttempts: 1, Interval: time.Millisecond, EscalationsOnly: true},
		Logger:           logger,
	})
	s.Require().NoError(err)

	s.broker, err = broker.NewBroker(&broker.BrokerSettings{
		Certificates: certificateManager,
		Binding:      bindingManager,
		Platform:     s.platform,
		Dns:          s.provider,
		State:        s.store,
		Logger:       logger,
	})
	s.Require().NoError(err)
}

// waitFor polls the store until the workflow reaches a terminal state.
func (s *BrokerSuite) waitFor(instanceId string) managers.State {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state := s.store.State(instanceId)
		if state == managers.Finished || state == managers.Error {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.T().Fatalf("workflow %s never finished", instanceId)
	return managers.Unknown
}

func (s *BrokerSuite) TestIssueCertificateEndToEnd() {
	s.resolver.SetTXT("_acme-challenge.web.example.gov", "value-web.example.gov")

	handle, err := s.broker.IssueCertificate(context.Background(), types.AddCertificateRequest{
		DnsNames:             []string{"web.example.gov"},
		ManagedEnvironmentId: "env-1",
	})
	s.Require().NoError(err)
	s.Require().NotEmpty(handle.InstanceId)

	s.Require().Equal(managers.Finished, s.waitFor(handle.InstanceId))

	operation, err := s.broker.LastOperation(context.Background(), handle.InstanceId)
	s.Require().NoError(err)
	s.Require().Equal(broker.OperationSucceeded, operation.State)

	s.Require().Len(s.platform.Certificates["env-1"], 1)
}

func (s *BrokerSuite) TestIssueCertificateRejectsEmptyRequests() {
	_, err := s.broker.IssueCertificate(context.Background(), types.AddCertificateRequest{
		ManagedEnvironmentId: "env-1",
	})
	s.Require().Error(err)
}

func (s *BrokerSuite) TestIssueCertificatePunycodesInternationalNames() {
	s.resolver.SetTXT("_acme-challenge.xn--caf-dma.example.gov", "value-xn--caf-dma.example.gov")

	handle, err := s.broker.IssueCertificate(context.Background(), types.AddCertificateRequest{
		DnsNames:             []string{"café.example.gov"},
		ManagedEnvironmentId: "env-1",
	})
	s.Require().NoError(err)

	s.Require().Equal(managers.Finished, s.waitFor(handle.InstanceId))

	checkpoint, err := s.store.LoadCheckpoint(handle.InstanceId)
	s.Require().NoError(err)
	s.Require().Equal([]string{"xn--caf-dma.example.gov"}, checkpoint.DnsNames)
}

func (s *BrokerSuite) TestAddDnsSuffixRejectsWildcardInput() {
	_, err := s.broker.AddDnsSuffix(context.Background(), types.AddDnsSuffixRequest{
		DnsSuffix:            "*.apps.example.gov",
		ManagedEnvironmentId: "env-1",
	})
	s.Require().Error(err)
}

func (s *BrokerSuite) TestAddDnsSuffixEndToEnd() {
	s.resolver.SetTXT("_acme-challenge.apps.example.gov", "value-apps.example.gov")

	handle, err := s.broker.AddDnsSuffix(context.Background(), types.AddDnsSuffixRequest{
		DnsSuffix:            "apps.example.gov",
		ManagedEnvironmentId: "env-1",
	})
	s.Require().NoError(err)

	s.Require().Equal(managers.Finished, s.waitFor(handle.InstanceId))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.platform.BoundSuffix("env-1") == "apps.example.gov" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.T().Fatal("suffix never bound")
}

func (s *BrokerSuite) TestLastOperationReportsFailures() {
	handle, err := s.broker.IssueCertificate(context.Background(), types.AddCertificateRequest{
		DnsNames:             []string{"web.example.com"},
		ManagedEnvironmentId: "env-1",
	})
	s.Require().NoError(err)

	s.Require().Equal(managers.Error, s.waitFor(handle.InstanceId))

	operation, err := s.broker.LastOperation(context.Background(), handle.InstanceId)
	s.Require().NoError(err)
	s.Require().Equal(broker.OperationFailed, operation.State)
	s.Require().Contains(operation.Description, "no DNS zone")
}

func (s *BrokerSuite) TestListOperationsReturnEmptyOnPlatformTrouble() {
	s.platform.ListEnvironmentsErr = context.DeadlineExceeded

	environments := s.broker.ListManagedEnvironments(context.Background())
	s.Require().NotNil(environments)
	s.Require().Empty(environments)

	s.provider.ListZonesErr = context.DeadlineExceeded
	zones := s.broker.ListDnsZones(context.Background())
	s.Require().NotNil(zones)
	s.Require().Empty(zones)
}
