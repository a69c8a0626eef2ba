// Package azure adapts the Azure Container Apps and Azure DNS management
// planes onto the broker's platform interfaces.
package azure

import (
	"context"
	"fmt"
	"strings"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/types"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/appcontainers/armappcontainers/v2"
)

type PlatformSettings struct {
	SubscriptionId string
	Credential     azcore.TokenCredential
	Logger         lager.Logger
}

// Platform implements interfaces.ContainerAppsPlatform against the live ARM
// API.
type Platform struct {
	environments *armappcontainers.ManagedEnvironmentsClient
	apps         *armappcontainers.ContainerAppsClient
	certificates *armappcontainers.CertificatesClient
	logger       lager.Logger
}

func NewPlatform(settings *PlatformSettings) (*Platform, error) {
	factory, err := armappcontainers.NewClientFactory(settings.SubscriptionId, settings.Credential, nil)
	if err != nil {
		return nil, err
	}
	return &Platform{
		environments: factory.NewManagedEnvironmentsClient(),
		apps:         factory.NewContainerAppsClient(),
		certificates: factory.NewCertificatesClient(),
		logger:       settings.Logger.Session("azure-platform"),
	}, nil
}

func (p *Platform) ListManagedEnvironments(ctx context.Context) ([]types.ManagedEnvironmentItem, error) {
	var out []types.ManagedEnvironmentItem

	pager := p.environments.NewListBySubscriptionPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			p.logger.Error("list-managed-environments-failure", err)
			return nil, err
		}
		for _, environment := range page.Value {
			item, err := environmentItem(environment)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
	}
	return out, nil
}

func (p *Platform) GetManagedEnvironment(ctx context.Context, managedEnvironmentId string) (types.ManagedEnvironmentItem, error) {
	id, err := arm.ParseResourceID(managedEnvironmentId)
	if err != nil {
		return types.ManagedEnvironmentItem{}, err
	}
	resp, err := p.environments.Get(ctx, id.ResourceGroupName, id.Name, nil)
	if err != nil {
		p.logger.Error("get-managed-environment-failure", err, lager.Data{"id": managedEnvironmentId})
		return types.ManagedEnvironmentItem{}, err
	}
	return environmentItem(&resp.ManagedEnvironment)
}

func (p *Platform) ListContainerApps(ctx context.Context, managedEnvironmentId string) ([]types.ContainerAppItem, error) {
	envId, err := arm.ParseResourceID(managedEnvironmentId)
	if err != nil {
		return nil, err
	}

	var out []types.ContainerAppItem
	pager := p.apps.NewListByResourceGroupPager(envId.ResourceGroupName, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			p.logger.Error("list-container-apps-failure", err)
			return nil, err
		}
		for _, app := range page.Value {
			if app.Properties == nil || !equalResourceIds(deref(app.Properties.ManagedEnvironmentID), managedEnvironmentId) {
				continue
			}
			out = append(out, types.ContainerAppItem{
				Id:   deref(app.ID),
				Name: deref(app.Name),
			})
		}
	}
	return out, nil
}

func (p *Platform) ListCertificates(ctx context.Context, managedEnvironmentId string) ([]types.CertificateItem, error) {
	envId, err := arm.ParseResourceID(managedEnvironmentId)
	if err != nil {
		return nil, err
	}

	var out []types.CertificateItem
	pager := p.certificates.NewListPager(envId.ResourceGroupName, envId.Name, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			p.logger.Error("list-certificates-failure", err)
			return nil, err
		}
		for _, certificate := range page.Value {
			out = append(out, certificateItem(certificate))
		}
	}
	return out, nil
}

func (p *Platform) CreateCertificate(ctx context.Context, managedEnvironmentId, name string, pfxBlob []byte, password string) (types.CertificateItem, error) {
	envId, err := arm.ParseResourceID(managedEnvironmentId)
	if err != nil {
		return types.CertificateItem{}, err
	}

	environment, err := p.environments.Get(ctx, envId.ResourceGroupName, envId.Name, nil)
	if err != nil {
		return types.CertificateItem{}, err
	}

	resp, err := p.certificates.CreateOrUpdate(ctx, envId.ResourceGroupName, envId.Name, name, &armappcontainers.CertificatesClientCreateOrUpdateOptions{
		CertificateEnvelope: &armappcontainers.Certificate{
			Location: environment.Location,
			Properties: &armappcontainers.CertificateProperties{
				Value:    pfxBlob,
				Password: to.Ptr(password),
			},
		},
	})
	if err != nil {
		p.logger.Error("create-certificate-failure", err, lager.Data{"name": name})
		return types.CertificateItem{}, err
	}
	return certificateItem(&resp.Certificate), nil
}

func (p *Platform) TagCertificate(ctx context.Context, certificateId string, tags map[string]string) (types.CertificateItem, error) {
	certId, err := arm.ParseResourceID(certificateId)
	if err != nil {
		return types.CertificateItem{}, err
	}
	if certId.Parent == nil {
		return types.CertificateItem{}, fmt.Errorf("certificate id %s has no parent environment", certificateId)
	}

	patchTags := make(map[string]*string, len(tags))
	for key, value := range tags {
		patchTags[key] = to.Ptr(value)
	}

	resp, err := p.certificates.Update(ctx, certId.ResourceGroupName, certId.Parent.Name, certId.Name, armappcontainers.CertificatePatch{
		Tags: patchTags,
	}, nil)
	if err != nil {
		p.logger.Error("tag-certificate-failure", err, lager.Data{"id": certificateId})
		return types.CertificateItem{}, err
	}
	return certificateItem(&resp.Certificate), nil
}

func (p *Platform) GetCustomDomains(ctx context.Context, containerAppId string) ([]types.CustomDomainItem, error) {
	app, _, err := p.getApp(ctx, containerAppId)
	if err != nil {
		return nil, err
	}

	var out []types.CustomDomainItem
	for _, domain := range ingressDomains(app) {
		out = append(out, types.CustomDomainItem{
			Name:          deref(domain.Name),
			CertificateId: deref(domain.CertificateID),
			SniEnabled:    domain.BindingType != nil && *domain.BindingType == armappcontainers.BindingTypeSniEnabled,
		})
	}
	return out, nil
}

// UpdateCustomDomains writes the whole custom-domain list back onto the
// app's ingress in one update, the API has no per-domain operation.
func (p *Platform) UpdateCustomDomains(ctx context.Context, containerAppId string, domains []types.CustomDomainItem) error {
	app, id, err := p.getApp(ctx, containerAppId)
	if err != nil {
		return err
	}
	if app.Properties == nil || app.Properties.Configuration == nil || app.Properties.Configuration.Ingress == nil {
		return fmt.Errorf("container app %s has no ingress to bind domains on", containerAppId)
	}

	var wire []*armappcontainers.CustomDomain
	for _, domain := range domains {
		binding := armappcontainers.BindingTypeDisabled
		if domain.SniEnabled {
			binding = armappcontainers.BindingTypeSniEnabled
		}
		wire = append(wire, &armappcontainers.CustomDomain{
			Name:          to.Ptr(domain.Name),
			CertificateID: to.Ptr(domain.CertificateId),
			BindingType:   to.Ptr(binding),
		})
	}
	app.Properties.Configuration.Ingress.CustomDomains = wire

	poller, err := p.apps.BeginUpdate(ctx, id.ResourceGroupName, id.Name, app, nil)
	if err != nil {
		p.logger.Error("update-custom-domains-failure", err, lager.Data{"id": containerAppId})
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (p *Platform) GetVerificationId(ctx context.Context, containerAppId string) (string, error) {
	app, _, err := p.getApp(ctx, containerAppId)
	if err != nil {
		return "", err
	}
	if app.Properties == nil || app.Properties.CustomDomainVerificationID == nil {
		return "", fmt.Errorf("container app %s has no verification id", containerAppId)
	}
	return *app.Properties.CustomDomainVerificationID, nil
}

func (p *Platform) CheckCustomHostName(ctx context.Context, containerAppId, dnsName string) (bool, string, error) {
	id, err := arm.ParseResourceID(containerAppId)
	if err != nil {
		return false, "", err
	}

	resp, err := p.apps.ListCustomHostNameAnalysis(ctx, id.ResourceGroupName, id.Name, &armappcontainers.ContainerAppsClientListCustomHostNameAnalysisOptions{
		CustomHostname: to.Ptr(dnsName),
	})
	if err != nil {
		p.logger.Error("hostname-analysis-failure", err, lager.Data{"dns-name": dnsName})
		return false, "", err
	}

	if resp.IsHostnameAlreadyVerified != nil && *resp.IsHostnameAlreadyVerified {
		return true, "", nil
	}
	if resp.CustomDomainVerificationTest != nil && *resp.CustomDomainVerificationTest == armappcontainers.DNSVerificationTestResultPassed {
		return true, "", nil
	}

	message := "custom domain verification has not passed"
	if resp.CustomDomainVerificationFailureInfo != nil && resp.CustomDomainVerificationFailureInfo.Message != nil {
		message = *resp.CustomDomainVerificationFailureInfo.Message
	}
	return false, message, nil
}

// BindDnsSuffix updates the environment's custom domain configuration with
// the wildcard certificate. The platform consumes the raw PFX here, the
// suffix certificate never appears in the certificate store.
func (p *Platform) BindDnsSuffix(ctx context.Context, managedEnvironmentId, dnsSuffix string, pfxBlob []byte, password string) error {
	id, err := arm.ParseResourceID(managedEnvironmentId)
	if err != nil {
		return err
	}

	poller, err := p.environments.BeginUpdate(ctx, id.ResourceGroupName, id.Name, armappcontainers.ManagedEnvironment{
		Properties: &armappcontainers.ManagedEnvironmentProperties{
			CustomDomainConfiguration: &armappcontainers.CustomDomainConfiguration{
				DNSSuffix:           to.Ptr(dnsSuffix),
				CertificateValue:    pfxBlob,
				CertificatePassword: to.Ptr(password),
			},
		},
	}, nil)
	if err != nil {
		p.logger.Error("bind-dns-suffix-failure", err, lager.Data{"dns-suffix": dnsSuffix})
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (p *Platform) getApp(ctx context.Context, containerAppId string) (armappcontainers.ContainerApp, *arm.ResourceID, error) {
	id, err := arm.ParseResourceID(containerAppId)
	if err != nil {
		return armappcontainers.ContainerApp{}, nil, err
	}
	resp, err := p.apps.Get(ctx, id.ResourceGroupName, id.Name, nil)
	if err != nil {
		p.logger.Error("get-container-app-failure", err, lager.Data{"id": containerAppId})
		return armappcontainers.ContainerApp{}, nil, err
	}
	return resp.ContainerApp, id, nil
}

func ingressDomains(app armappcontainers.ContainerApp) []*armappcontainers.CustomDomain {
	if app.Properties == nil || app.Properties.Configuration == nil || app.Properties.Configuration.Ingress == nil {
		return nil
	}
	return app.Properties.Configuration.Ingress.CustomDomains
}

func environmentItem(environment *armappcontainers.ManagedEnvironment) (types.ManagedEnvironmentItem, error) {
	id, err := arm.ParseResourceID(deref(environment.ID))
	if err != nil {
		return types.ManagedEnvironmentItem{}, err
	}

	item := types.ManagedEnvironmentItem{
		Id:            deref(environment.ID),
		Name:          deref(environment.Name),
		ResourceGroup: id.ResourceGroupName,
	}
	if environment.Properties != nil && environment.Properties.CustomDomainConfiguration != nil {
		config := environment.Properties.CustomDomainConfiguration
		item.DnsSuffix = deref(config.DNSSuffix)
		item.VerificationId = deref(config.CustomDomainVerificationID)
		if config.ExpirationDate != nil {
			item.SuffixExpireOn = *config.ExpirationDate
		}
	}
	return item, nil
}

func certificateItem(certificate *armappcontainers.Certificate) types.CertificateItem {
	item := types.CertificateItem{
		Id:   deref(certificate.ID),
		Name: deref(certificate.Name),
		Tags: make(map[string]string, len(certificate.Tags)),
	}
	for key, value := range certificate.Tags {
		item.Tags[key] = deref(value)
	}
	if certificate.Properties != nil && certificate.Properties.ExpirationDate != nil {
		item.ExpireOn = *certificate.Properties.ExpirationDate
	}
	return item
}

// ARM resource ids come back with inconsistent casing on the provider
// segments.
func equalResourceIds(a, b string) bool {
	return strings.EqualFold(a, b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
