package le_providers

import (
	"testing"

	"github.com/go-acme/lego/v4/acme"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type AcmeClientSuite struct {
	suite.Suite
}

func TestAcmeClientSuite(t *testing.T) {
	suite.Run(t, new(AcmeClientSuite))
}

func (s *AcmeClientSuite) TestRequiresSettings() {
	client, err := NewAcmeClient(nil)
	s.Require().Error(err)
	s.Require().Nil(client)
}

func (s *AcmeClientSuite) TestAccountKeyGeneratedWhenEmpty() {
	key, err := accountKey("")
	s.Require().NoError(err)
	s.Require().NotNil(key)
}

func (s *AcmeClientSuite) TestAccountKeyRejectsGarbage() {
	_, err := accountKey("not a pem block")
	s.Require().Error(err)
}

func (s *AcmeClientSuite) TestStatusVocabulary() {
	for _, status := range []string{"pending", "ready", "processing", "valid", "invalid"} {
		s.Require().NoError(checkStatus(status), status)
	}
	s.Require().Error(checkStatus("revoked"))
	s.Require().Error(checkStatus(""))
}

func (s *AcmeClientSuite) TestChallengeDetailsCarriesProblem() {
	details := challengeDetails(acme.Challenge{
		Type:   "dns-01",
		URL:    "https://acme.example.gov/chall/1",
		Status: "invalid",
		Token:  "tok",
		Error: &acme.ProblemDetails{
			Type:   "urn:ietf:params:acme:error:dns",
			Detail: "no TXT record found",
		},
	})

	s.Require().Equal("dns-01", details.Type)
	s.Require().Equal("invalid", details.Status)
	s.Require().Equal("urn:ietf:params:acme:error:dns", details.ErrorType)
	s.Require().Equal("no TXT record found", details.ErrorDetail)
}

func TestIntersect(t *testing.T) {
	out := intersect([]string{"a", "b", "c"}, []string{"c", "a"})
	require.ElementsMatch(t, []string{"a", "c"}, out)

	require.Empty(t, intersect([]string{"a"}, nil))
	require.Empty(t, intersect(nil, []string{"a"}))
}
