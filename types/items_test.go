package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeEndpoint(t *testing.T) {
	require.Equal(t, "broker.example.gov", NormalizeEndpoint("https://broker.example.gov"))
	require.Equal(t, "broker.example.gov", NormalizeEndpoint("https://Broker.Example.GOV/path"))
	require.Equal(t, "broker.example.gov", NormalizeEndpoint("broker.example.gov"))
	require.Equal(t, "broker.example.gov", NormalizeEndpoint("  Broker.example.gov  "))
}

func TestTagsFilter(t *testing.T) {
	certificate := CertificateItem{
		Tags: map[string]string{
			"Issuer":   "Acmebot",
			"Endpoint": "broker.example.gov",
			"DnsNames": "web.example.gov",
		},
	}

	require.True(t, certificate.TagsFilter("Acmebot", "https://broker.example.gov"))
	require.True(t, certificate.TagsFilter("Acmebot", "broker.example.gov"))
	require.False(t, certificate.TagsFilter("Acmebot", "https://other.example.gov"))
	require.False(t, certificate.TagsFilter("somebody-else", "https://broker.example.gov"))

	require.False(t, CertificateItem{}.TagsFilter("Acmebot", "broker.example.gov"))
}

func TestDnsNamesSplitsTag(t *testing.T) {
	certificate := CertificateItem{
		Tags: map[string]string{
			"DnsNames": "web.example.gov,api.example.gov",
		},
	}
	require.Equal(t, []string{"web.example.gov", "api.example.gov"}, certificate.DnsNames())

	require.Empty(t, CertificateItem{}.DnsNames())
}

func TestDns01ChallengeSelection(t *testing.T) {
	authz := AuthorizationDetails{
		Challenges: []ChallengeDetails{
			{Type: "http-01", Url: "h"},
			{Type: "dns-01", Url: "d"},
		},
	}
	challenge, ok := authz.Dns01Challenge()
	require.True(t, ok)
	require.Equal(t, "d", challenge.Url)

	_, ok = AuthorizationDetails{
		Challenges: []ChallengeDetails{{Type: "http-01"}},
	}.Dns01Challenge()
	require.False(t, ok)

	// two dns-01 challenges is a protocol-level surprise, refuse to pick.
	_, ok = AuthorizationDetails{
		Challenges: []ChallengeDetails{{Type: "dns-01", Url: "a"}, {Type: "dns-01", Url: "b"}},
	}.Dns01Challenge()
	require.False(t, ok)
}

func TestAddCertificateRequestValidation(t *testing.T) {
	require.Error(t, AddCertificateRequest{ManagedEnvironmentId: "env"}.Validate())
	require.Error(t, AddCertificateRequest{DnsNames: []string{"a.example.gov"}}.Validate())
	require.Error(t, AddCertificateRequest{
		DnsNames:             []string{"a.example.gov"},
		ManagedEnvironmentId: "env",
		BindToContainerApp:   true,
	}.Validate())

	require.NoError(t, AddCertificateRequest{
		DnsNames:             []string{"a.example.gov"},
		ManagedEnvironmentId: "env",
	}.Validate())
}

func TestAddDnsSuffixRequestValidation(t *testing.T) {
	require.Error(t, AddDnsSuffixRequest{DnsSuffix: "*.apps.example.gov", ManagedEnvironmentId: "env"}.Validate())
	require.Error(t, AddDnsSuffixRequest{ManagedEnvironmentId: "env"}.Validate())
	require.NoError(t, AddDnsSuffixRequest{DnsSuffix: "apps.example.gov", ManagedEnvironmentId: "env"}.Validate())
}
