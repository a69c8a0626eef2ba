package types

import (
	"net/url"
	"strings"
	"time"

	acadomainbroker "github.com/18f/aca-domain-broker"
)

// A managed environment as reported by the platform. Read-only from the
// broker's perspective.
type ManagedEnvironmentItem struct {
	Id            string `json:"id"`
	Name          string `json:"name"`
	ResourceGroup string `json:"resourceGroup"`

	// Environment-level wildcard DNS suffix metadata, empty when the
	// environment has no custom DNS suffix configured.
	DnsSuffix      string    `json:"dnsSuffix,omitempty"`
	SuffixExpireOn time.Time `json:"suffixExpireOn,omitempty"`

	// Token the platform expects in asuid TXT records.
	VerificationId string `json:"-"`
}

type ContainerAppItem struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// A certificate resource living on a managed environment.
type CertificateItem struct {
	Id       string            `json:"id"`
	Name     string            `json:"name"`
	ExpireOn time.Time         `json:"expireOn"`
	Tags     map[string]string `json:"tags"`
}

// TagsFilter reports whether the certificate carries this broker's provenance
// marker. Endpoints are compared by normalized host so older deployments that
// wrote the full URL still match.
func (c CertificateItem) TagsFilter(issuer, endpoint string) bool {
	if c.Tags == nil {
		return false
	}
	if c.Tags[acadomainbroker.IssuerTagKey] != issuer {
		return false
	}
	if NormalizeEndpoint(c.Tags[acadomainbroker.EndpointTagKey]) != NormalizeEndpoint(endpoint) {
		return false
	}
	if _, ok := c.Tags[acadomainbroker.DnsNamesTagKey]; !ok {
		return false
	}
	return true
}

// DnsNames recovers the SAN set recorded in the provenance tag.
func (c CertificateItem) DnsNames() []string {
	raw, ok := c.Tags[acadomainbroker.DnsNamesTagKey]
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// NormalizeEndpoint reduces an endpoint value to its lowercased host so tag
// comparisons are stable across the plain-string and full-URI conventions.
func NormalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return strings.ToLower(u.Host)
	}
	return strings.ToLower(strings.TrimSuffix(endpoint, "/"))
}

type DnsZoneItem struct {
	Id            string   `json:"id"`
	Name          string   `json:"name"`
	ResourceGroup string   `json:"resourceGroup"`
	NameServers   []string `json:"nameServers,omitempty"`
}

// One DNS-01 challenge in flight, everything the DNS side needs to know.
type AcmeChallengeResult struct {
	Url            string `json:"url"`
	DnsRecordName  string `json:"dnsRecordName"`
	DnsRecordValue string `json:"dnsRecordValue"`
}

type CustomDomainItem struct {
	Name          string `json:"name"`
	CertificateId string `json:"certificateId"`
	SniEnabled    bool   `json:"sniEnabled"`
}
