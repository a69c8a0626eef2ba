package managers_test

import (
	"context"
	"testing"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/fakes"
	"github.com/18f/aca-domain-broker/managers"
	"github.com/18f/aca-domain-broker/types"
	"github.com/stretchr/testify/suite"
)

type DnsChallengeManagerSuite struct {
	suite.Suite
	provider *fakes.DnsProvider
	resolver *fakes.Resolver
	manager  *managers.DnsChallengeManager
}

func TestDnsChallengeManagerSuite(t *testing.T) {
	suite.Run(t, new(DnsChallengeManagerSuite))
}

func (s *DnsChallengeManagerSuite) SetupTest() {
	logger := lager.NewLogger("dns-test")

	s.provider = fakes.NewDnsProvider(
		types.DnsZoneItem{Id: "1", Name: "example.gov", NameServers: []string{"ns1.example.gov.", "ns2.example.gov."}},
		types.DnsZoneItem{Id: "2", Name: "apps.example.gov", NameServers: []string{"ns1.example.gov."}},
	)
	s.resolver = fakes.NewResolver()
	s.resolver.NS["example.gov"] = []string{"ns1.example.gov"}
	s.resolver.NS["apps.example.gov"] = []string{"ns1.example.gov"}

	s.manager = managers.NewDnsChallengeManager(&managers.DnsChallengeManagerSettings{
		Provider: s.provider,
		Resolver: s.resolver,
		Logger:   logger,
	})
}

func (s *DnsChallengeManagerSuite) TestFindZonePrefersLongestSuffix() {
	zones, _ := s.provider.ListZones(context.Background())

	zone, ok := managers.FindZone(zones, "web.apps.example.gov")
	s.Require().True(ok)
	s.Require().Equal("apps.example.gov", zone.Name)

	zone, ok = managers.FindZone(zones, "web.example.gov")
	s.Require().True(ok)
	s.Require().Equal("example.gov", zone.Name)
}

func (s *DnsChallengeManagerSuite) TestFindZoneIsCaseInsensitiveAndIgnoresWildcards() {
	zones, _ := s.provider.ListZones(context.Background())

	zone, ok := managers.FindZone(zones, "*.Apps.Example.GOV")
	s.Require().True(ok)
	s.Require().Equal("apps.example.gov", zone.Name)
}

func (s *DnsChallengeManagerSuite) TestFindZoneRejectsPartialLabelMatches() {
	zones, _ := s.provider.ListZones(context.Background())

	_, ok := managers.FindZone(zones, "badexample.gov")
	s.Require().False(ok)
}

func (s *DnsChallengeManagerSuite) TestPreconditionsReportEveryUnmatchedName() {
	_, err := s.manager.Preconditions(context.Background(), []string{
		"good.example.gov",
		"bad.example.com",
		"worse.example.net",
	})

	s.Require().Error(err)
	var precondition managers.PreconditionError
	s.Require().ErrorAs(err, &precondition)
	s.Require().Contains(precondition.Message, "bad.example.com")
	s.Require().Contains(precondition.Message, "worse.example.net")
	s.Require().NotContains(precondition.Message, "good.example.gov")
}

func (s *DnsChallengeManagerSuite) TestPreconditionsCatchBrokenDelegation() {
	s.resolver.NS["example.gov"] = []string{"ns.somewhere-else.net"}

	_, err := s.manager.Preconditions(context.Background(), []string{"good.example.gov"})

	var precondition managers.PreconditionError
	s.Require().ErrorAs(err, &precondition)
	s.Require().Contains(precondition.Message, "not delegated")
}

func (s *DnsChallengeManagerSuite) TestCreateRecordsGroupsAndMerges() {
	// a pre-existing value from another workflow must survive.
	s.provider.Records["example.gov"] = map[string][]string{
		"_acme-challenge.web": {"someone-elses-value"},
	}

	err := s.manager.CreateDns01Records(context.Background(), []types.AcmeChallengeResult{
		{Url: "c1", DnsRecordName: "_acme-challenge.web.example.gov", DnsRecordValue: "value-one"},
		{Url: "c2", DnsRecordName: "_acme-challenge.web.example.gov", DnsRecordValue: "value-two"},
	})

	s.Require().NoError(err)
	s.Require().ElementsMatch(
		[]string{"someone-elses-value", "value-one", "value-two"},
		s.provider.Records["example.gov"]["_acme-challenge.web"],
	)
}

func (s *DnsChallengeManagerSuite) TestVerifyPropagationIsRetriableUntilVisible() {
	challenges := []types.AcmeChallengeResult{
		{Url: "c1", DnsRecordName: "_acme-challenge.web.example.gov", DnsRecordValue: "value-one"},
	}

	err := s.manager.VerifyPropagation(context.Background(), challenges)
	var retriableErr managers.RetriableError
	s.Require().ErrorAs(err, &retriableErr)

	s.resolver.SetTXT("_acme-challenge.web.example.gov", "value-one")
	s.Require().NoError(s.manager.VerifyPropagation(context.Background(), challenges))
}

func (s *DnsChallengeManagerSuite) TestCleanupRemovesRecordsOnce() {
	s.provider.Records["example.gov"] = map[string][]string{
		"_acme-challenge.web": {"value-one"},
	}

	s.manager.Cleanup(context.Background(), []types.AcmeChallengeResult{
		{Url: "c1", DnsRecordName: "_acme-challenge.web.example.gov", DnsRecordValue: "value-one"},
		{Url: "c2", DnsRecordName: "_acme-challenge.web.example.gov", DnsRecordValue: "value-two"},
	})

	s.Require().Empty(s.provider.Records["example.gov"])
}
