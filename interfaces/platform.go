package interfaces

import (
	"context"

	"github.com/18f/aca-domain-broker/types"
)

// ContainerAppsPlatform is the management-plane surface the broker needs from
// the hosting platform. Implemented for Azure Container Apps in the azure
// package, faked in tests.
type ContainerAppsPlatform interface {
	ListManagedEnvironments(ctx context.Context) ([]types.ManagedEnvironmentItem, error)
	GetManagedEnvironment(ctx context.Context, managedEnvironmentId string) (types.ManagedEnvironmentItem, error)
	ListContainerApps(ctx context.Context, managedEnvironmentId string) ([]types.ContainerAppItem, error)

	// Certificate store on a managed environment. CreateCertificate cannot
	// attach tags, the platform only accepts them via TagCertificate after the
	// resource exists.
	ListCertificates(ctx context.Context, managedEnvironmentId string) ([]types.CertificateItem, error)
	CreateCertificate(ctx context.Context, managedEnvironmentId, name string, pfxBlob []byte, password string) (types.CertificateItem, error)
	TagCertificate(ctx context.Context, certificateId string, tags map[string]string) (types.CertificateItem, error)

	// Custom-domain binding surface. The custom-domain list is part of a single
	// ingress document per app, written back whole.
	GetCustomDomains(ctx context.Context, containerAppId string) ([]types.CustomDomainItem, error)
	UpdateCustomDomains(ctx context.Context, containerAppId string, domains []types.CustomDomainItem) error
	GetVerificationId(ctx context.Context, containerAppId string) (string, error)
	CheckCustomHostName(ctx context.Context, containerAppId, dnsName string) (passed bool, message string, err error)

	// Environment-level wildcard DNS suffix.
	BindDnsSuffix(ctx context.Context, managedEnvironmentId, dnsSuffix string, pfxBlob []byte, password string) error
}
