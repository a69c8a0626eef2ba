package types

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/suite"
)

type SettingsSuite struct {
	suite.Suite
}

func TestSettingsSuite(t *testing.T) {
	suite.Run(t, new(SettingsSuite))
}

func (s *SettingsSuite) TestRuntimeSettingsResolverDecode() {
	runtimeSettings := &RuntimeSettings{}

	requiredVars := []string{
		"database_url",
		"email",
		"acme_url",
		"subscription_id",
		"endpoint",
	}

	starter := "ACA_DOMAIN_BROKER_TEST"

	for idx := range requiredVars {
		if err := os.Setenv(fmt.Sprintf("%s_%s", starter, strings.ToUpper(requiredVars[idx])), "testing1234"); err != nil {
			s.Require().NoError(err, "there should be no error setting the required env var.")
		}
	}

	if err := os.Setenv(fmt.Sprintf("%s_%s", starter, "RESOLVERS"), "google=8.8.8.8:53,cloudflare=1.1.1.1:53"); err != nil {
		s.Require().NoError(err, "there should be no error setting the required env var.")
	}

	if err := envconfig.Process(starter, runtimeSettings); err != nil {
		s.Require().NoError(err, "there should be no error trying to parse the arguments")
	}

	s.Require().Equal("8.8.8.8:53", runtimeSettings.Resolvers["google"])
	s.Require().Equal("1.1.1.1:53", runtimeSettings.Resolvers["cloudflare"])
}

func (s *SettingsSuite) TestDefaultsApply() {
	runtimeSettings := &RuntimeSettings{}

	requiredVars := []string{
		"database_url",
		"email",
		"acme_url",
		"subscription_id",
		"endpoint",
	}

	starter := "ACA_DOMAIN_BROKER_DEFAULTS"

	for idx := range requiredVars {
		if err := os.Setenv(fmt.Sprintf("%s_%s", starter, strings.ToUpper(requiredVars[idx])), "testing1234"); err != nil {
			s.Require().NoError(err, "there should be no error setting the required env var.")
		}
	}

	if err := envconfig.Process(starter, runtimeSettings); err != nil {
		s.Require().NoError(err, "there should be no error trying to parse the arguments")
	}

	s.Require().Equal("3000", runtimeSettings.Port)
	s.Require().Equal("0 0 0 * * *", runtimeSettings.Schedule)
	s.Require().Equal(30, runtimeSettings.RenewBeforeDays)
	s.Require().Equal("8.8.8.8:53", runtimeSettings.Resolvers["google"])
}

func (s *SettingsSuite) TestResolverDecodeRejectsGarbage() {
	var resolver Resolver
	s.Require().Error(resolver.Decode("not-a-pair"))
}
