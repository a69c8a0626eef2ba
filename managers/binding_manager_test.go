package managers_test

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/fakes"
	"github.com/18f/aca-domain-broker/managers"
	"github.com/18f/aca-domain-broker/types"
	"github.com/stretchr/testify/suite"
)

type BindingManagerSuite struct {
	suite.Suite
	platform *fakes.Platform
	provider *fakes.DnsProvider
	manager  *managers.BindingManager
}

func TestBindingManagerSuite(t *testing.T) {
	suite.Run(t, new(BindingManagerSuite))
}

func (s *BindingManagerSuite) SetupTest() {
	logger := lager.NewLogger("binding-manager-test")

	s.platform = fakes.NewPlatform()
	s.platform.VerificationIds["app-1"] = "verification-id"
	s.provider = fakes.NewDnsProvider(
		types.DnsZoneItem{Id: "1", Name: "example.gov"},
	)

	s.manager = managers.NewBindingManager(&managers.BindingManagerSettings{
		Platform:         s.platform,
		Provider:         s.provider,
		PropagationDelay: time.Millisecond,
		ShortRetry:       managers.RetryPolicy{MaxAttempts: 2, Interval: time.Millisecond},
		Logger:           logger,
	})
}

func (s *BindingManagerSuite) TestBindPublishesOwnershipRecordAndDomain() {
	err := s.manager.BindCustomDomain(context.Background(), "app-1", "web.example.gov", "cert-1")
	s.Require().NoError(err)

	s.Require().Equal([]string{"verification-id"}, s.provider.Records["example.gov"]["asuid.web"])

	domains := s.platform.Domains["app-1"]
	s.Require().Len(domains, 1)
	s.Require().Equal("web.example.gov", domains[0].Name)
	s.Require().Equal("cert-1", domains[0].CertificateId)
	s.Require().True(domains[0].SniEnabled)
}

func (s *BindingManagerSuite) TestRebindingSameCertificateIsANoop() {
	s.platform.Domains["app-1"] = []types.CustomDomainItem{
		{Name: "web.example.gov", CertificateId: "cert-1", SniEnabled: true},
		{Name: "other.example.gov", CertificateId: "cert-9", SniEnabled: true},
	}

	err := s.manager.BindCustomDomain(context.Background(), "app-1", "WEB.example.gov", "cert-1")
	s.Require().NoError(err)

	// untouched, including the unrelated binding.
	s.Require().Len(s.platform.Domains["app-1"], 2)
}

func (s *BindingManagerSuite) TestRebindingSwapsCertificate() {
	s.platform.Domains["app-1"] = []types.CustomDomainItem{
		{Name: "web.example.gov", CertificateId: "cert-old", SniEnabled: true},
	}

	err := s.manager.BindCustomDomain(context.Background(), "app-1", "web.example.gov", "cert-new")
	s.Require().NoError(err)

	domains := s.platform.Domains["app-1"]
	s.Require().Len(domains, 1)
	s.Require().Equal("cert-new", domains[0].CertificateId)
}

func (s *BindingManagerSuite) TestHostnameAnalysisFailureSurfacesAsValidationError() {
	s.platform.HostNamePassed = false
	s.platform.HostNameMessage = "CNAME points somewhere else"

	err := s.manager.BindCustomDomain(context.Background(), "app-1", "web.example.gov", "cert-1")

	var validationErr managers.BindingValidationError
	s.Require().ErrorAs(err, &validationErr)
	s.Require().Equal("web.example.gov", validationErr.Hostname)
	s.Require().Contains(validationErr.Message, "CNAME")

	// nothing was bound.
	s.Require().Empty(s.platform.Domains["app-1"])
}

func (s *BindingManagerSuite) TestBindSuffix() {
	environment := types.ManagedEnvironmentItem{
		Id:             "env-1",
		Name:           "production",
		VerificationId: "verification-id",
	}

	err := s.manager.BindSuffix(context.Background(), environment, "apps.example.gov", []byte("pfx"), "secret")
	s.Require().NoError(err)

	s.Require().Equal([]string{"verification-id"}, s.provider.Records["example.gov"]["asuid.apps"])
	s.Require().Equal("apps.example.gov", s.platform.BoundSuffixes["env-1"])
}
