// Package fakes holds hand-written test doubles for the broker's interfaces.
// Behavior is in-memory where it is cheap and a function field everywhere a
// test wants to script failures.
package fakes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/18f/aca-domain-broker/types"
)

type DnsProvider struct {
	mu    sync.Mutex
	Zones []types.DnsZoneItem
	// zone name -> relative record name -> values
	Records map[string]map[string][]string
	// injectable failures
	ListZonesErr error
	UpsertErr    error
}

func NewDnsProvider(zones ...types.DnsZoneItem) *DnsProvider {
	return &DnsProvider{
		Zones:   zones,
		Records: make(map[string]map[string][]string),
	}
}

func (f *DnsProvider) ListZones(ctx context.Context) ([]types.DnsZoneItem, error) {
	if f.ListZonesErr != nil {
		return nil, f.ListZonesErr
	}
	return f.Zones, nil
}

func (f *DnsProvider) GetTxtRecordValues(ctx context.Context, zone types.DnsZoneItem, relativeName string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Records[zone.Name][relativeName], nil
}

func (f *DnsProvider) UpsertTxtRecord(ctx context.Context, zone types.DnsZoneItem, relativeName string, values []string, ttl int64) error {
	if f.UpsertErr != nil {
		return f.UpsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Records[zone.Name] == nil {
		f.Records[zone.Name] = make(map[string][]string)
	}
	f.Records[zone.Name][relativeName] = values
	return nil
}

func (f *DnsProvider) DeleteTxtRecord(ctx context.Context, zone types.DnsZoneItem, relativeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Records[zone.Name], relativeName)
	return nil
}

// Resolver answers from fixed maps. Tests that model propagation mutate TXT
// between retries.
type Resolver struct {
	mu  sync.Mutex
	TXT map[string][]string
	NS  map[string][]string
}

func NewResolver() *Resolver {
	return &Resolver{
		TXT: make(map[string][]string),
		NS:  make(map[string][]string),
	}
}

func (f *Resolver) SetTXT(name string, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TXT[name] = values
}

func (f *Resolver) LookupTXT(ctx context.Context, fqdn string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TXT[fqdn], nil
}

func (f *Resolver) LookupNS(ctx context.Context, fqdn string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.NS[fqdn], nil
}

// AcmeClient is fully scripted, each operation delegates to its function
// field.
type AcmeClient struct {
	CreateOrderFn                  func(ctx context.Context, dnsNames []string) (types.OrderDetails, error)
	GetAuthorizationFn             func(ctx context.Context, authorizationUrl string) (types.AuthorizationDetails, error)
	ComputeDns01KeyAuthorizationFn func(authorization types.AuthorizationDetails, challenge types.ChallengeDetails) (string, string, error)
	AnswerChallengeFn              func(ctx context.Context, challengeUrl string) error
	GetOrderStatusFn               func(ctx context.Context, order types.OrderDetails) (types.OrderDetails, error)
	GetChallengeStatusFn           func(ctx context.Context, challengeUrl string) (types.ChallengeDetails, error)
	FinalizeOrderFn                func(ctx context.Context, finalizeUrl string, csr []byte) (types.OrderDetails, error)
	DownloadCertificateChainFn     func(ctx context.Context, order types.OrderDetails, preferredChainIssuer string) ([]byte, error)
}

func (f *AcmeClient) CreateOrder(ctx context.Context, dnsNames []string) (types.OrderDetails, error) {
	return f.CreateOrderFn(ctx, dnsNames)
}

func (f *AcmeClient) GetAuthorization(ctx context.Context, authorizationUrl string) (types.AuthorizationDetails, error) {
	return f.GetAuthorizationFn(ctx, authorizationUrl)
}

func (f *AcmeClient) ComputeDns01KeyAuthorization(authorization types.AuthorizationDetails, challenge types.ChallengeDetails) (string, string, error) {
	return f.ComputeDns01KeyAuthorizationFn(authorization, challenge)
}

func (f *AcmeClient) AnswerChallenge(ctx context.Context, challengeUrl string) error {
	return f.AnswerChallengeFn(ctx, challengeUrl)
}

func (f *AcmeClient) GetOrderStatus(ctx context.Context, order types.OrderDetails) (types.OrderDetails, error) {
	return f.GetOrderStatusFn(ctx, order)
}

func (f *AcmeClient) GetChallengeStatus(ctx context.Context, challengeUrl string) (types.ChallengeDetails, error) {
	return f.GetChallengeStatusFn(ctx, challengeUrl)
}

func (f *AcmeClient) FinalizeOrder(ctx context.Context, finalizeUrl string, csr []byte) (types.OrderDetails, error) {
	return f.FinalizeOrderFn(ctx, finalizeUrl, csr)
}

func (f *AcmeClient) DownloadCertificateChain(ctx context.Context, order types.OrderDetails, preferredChainIssuer string) ([]byte, error) {
	return f.DownloadCertificateChainFn(ctx, order, preferredChainIssuer)
}

// Platform is an in-memory Container Apps management plane.
type Platform struct {
	mu           sync.Mutex
	Environments []types.ManagedEnvironmentItem
	Apps         map[string][]types.ContainerAppItem
	Certificates map[string][]types.CertificateItem
	Domains      map[string][]types.CustomDomainItem

	VerificationIds map[string]string
	HostNamePassed  bool
	HostNameMessage string

	ListEnvironmentsErr  error
	CreateCertificateErr error
	TagCertificateErr    error
	CertificateExpireOn  time.Time

	BoundSuffixes map[string]string

	certSequence int
}

func NewPlatform() *Platform {
	return &Platform{
		Apps:            make(map[string][]types.ContainerAppItem),
		Certificates:    make(map[string][]types.CertificateItem),
		Domains:         make(map[string][]types.CustomDomainItem),
		VerificationIds: make(map[string]string),
		BoundSuffixes:   make(map[string]string),
		HostNamePassed:  true,
	}
}

func (f *Platform) ListManagedEnvironments(ctx context.Context) ([]types.ManagedEnvironmentItem, error) {
	if f.ListEnvironmentsErr != nil {
		return nil, f.ListEnvironmentsErr
	}
	return f.Environments, nil
}

func (f *Platform) GetManagedEnvironment(ctx context.Context, managedEnvironmentId string) (types.ManagedEnvironmentItem, error) {
	for _, environment := range f.Environments {
		if environment.Id == managedEnvironmentId {
			return environment, nil
		}
	}
	return types.ManagedEnvironmentItem{}, fmt.Errorf("no such environment: %s", managedEnvironmentId)
}

func (f *Platform) ListContainerApps(ctx context.Context, managedEnvironmentId string) ([]types.ContainerAppItem, error) {
	return f.Apps[managedEnvironmentId], nil
}

func (f *Platform) ListCertificates(ctx context.Context, managedEnvironmentId string) ([]types.CertificateItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Certificates[managedEnvironmentId], nil
}

func (f *Platform) CreateCertificate(ctx context.Context, managedEnvironmentId, name string, pfxBlob []byte, password string) (types.CertificateItem, error) {
	if f.CreateCertificateErr != nil {
		return types.CertificateItem{}, f.CreateCertificateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	expireOn := f.CertificateExpireOn
	if expireOn.IsZero() {
		expireOn = time.Now().AddDate(0, 3, 0)
	}

	for idx, existing := range f.Certificates[managedEnvironmentId] {
		if existing.Name == name {
			f.Certificates[managedEnvironmentId][idx].ExpireOn = expireOn
			return f.Certificates[managedEnvironmentId][idx], nil
		}
	}

	f.certSequence++
	certificate := types.CertificateItem{
		Id:       fmt.Sprintf("%s/certificates/%s", managedEnvironmentId, name),
		Name:     name,
		ExpireOn: expireOn,
		Tags:     map[string]string{},
	}
	f.Certificates[managedEnvironmentId] = append(f.Certificates[managedEnvironmentId], certificate)
	return certificate, nil
}

func (f *Platform) TagCertificate(ctx context.Context, certificateId string, tags map[string]string) (types.CertificateItem, error) {
	if f.TagCertificateErr != nil {
		return types.CertificateItem{}, f.TagCertificateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for envId := range f.Certificates {
		for idx := range f.Certificates[envId] {
			if f.Certificates[envId][idx].Id != certificateId {
				continue
			}
			f.Certificates[envId][idx].Tags = tags
			return f.Certificates[envId][idx], nil
		}
	}
	return types.CertificateItem{}, fmt.Errorf("no such certificate: %s", certificateId)
}

func (f *Platform) GetCustomDomains(ctx context.Context, containerAppId string) ([]types.CustomDomainItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Domains[containerAppId], nil
}

func (f *Platform) UpdateCustomDomains(ctx context.Context, containerAppId string, domains []types.CustomDomainItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Domains[containerAppId] = domains
	return nil
}

func (f *Platform) GetVerificationId(ctx context.Context, containerAppId string) (string, error) {
	if id, ok := f.VerificationIds[containerAppId]; ok {
		return id, nil
	}
	return "", fmt.Errorf("no verification id for %s", containerAppId)
}

func (f *Platform) CheckCustomHostName(ctx context.Context, containerAppId, dnsName string) (bool, string, error) {
	return f.HostNamePassed, f.HostNameMessage, nil
}

func (f *Platform) BindDnsSuffix(ctx context.Context, managedEnvironmentId, dnsSuffix string, pfxBlob []byte, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BoundSuffixes[managedEnvironmentId] = dnsSuffix
	return nil
}

func (f *Platform) BoundSuffix(managedEnvironmentId string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BoundSuffixes[managedEnvironmentId]
}

// Notifications records completed events.
type Notifications struct {
	mu     sync.Mutex
	Events []string
	Err    error
}

func (f *Notifications) SendCompletedEvent(ctx context.Context, environmentName string, expireOn time.Time, dnsNames []string) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = append(f.Events, fmt.Sprintf("%s: %s", environmentName, strings.Join(dnsNames, ",")))
	return nil
}
