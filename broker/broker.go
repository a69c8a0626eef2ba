// Package broker is the public face of the certificate service: async
// issuance and suffix operations tracked by instance id, plus bounded
// read-only listings for dashboards.
package broker

import (
	"context"
	"errors"
	"strings"

	"code.cloudfoundry.org/lager"
	acadomainbroker "github.com/18f/aca-domain-broker"
	"github.com/18f/aca-domain-broker/interfaces"
	"github.com/18f/aca-domain-broker/managers"
	"github.com/18f/aca-domain-broker/types"
	"github.com/pborman/uuid"
	"golang.org/x/net/idna"
)

// Operation states reported by LastOperation.
const (
	OperationInProgress = "in progress"
	OperationSucceeded  = "succeeded"
	OperationFailed     = "failed"
)

type LastOperationResponse struct {
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
}

type BrokerSettings struct {
	Certificates *managers.CertificateManager
	Binding      *managers.BindingManager
	Platform     interfaces.ContainerAppsPlatform
	Dns          interfaces.DnsProvider
	State        managers.WorkflowStore
	Logger       lager.Logger
}

type Broker struct {
	settings *BrokerSettings
	logger   lager.Logger
}

func NewBroker(settings *BrokerSettings) (*Broker, error) {
	if settings.Certificates == nil || settings.Binding == nil || settings.State == nil || settings.Dns == nil {
		return nil, errors.New("broker requires the certificate, binding, and state managers plus a dns provider")
	}
	return &Broker{
		settings: settings,
		logger:   settings.Logger.Session("broker"),
	}, nil
}

// IssueCertificate starts an issuance workflow and returns immediately with
// a handle for polling. International names are converted to punycode before
// anything touches the CA.
func (b *Broker) IssueCertificate(ctx context.Context, request types.AddCertificateRequest) (types.OperationHandle, error) {
	lsession := b.logger.Session("issue-certificate", lager.Data{"dns-names": request.DnsNames})

	if err := request.Validate(); err != nil {
		lsession.Error("validation-failure", err)
		return types.OperationHandle{}, err
	}

	dnsNames, err := asciiNames(request.DnsNames)
	if err != nil {
		lsession.Error("punycode-failure", err)
		return types.OperationHandle{}, err
	}

	instanceId := uuid.NewRandom().String()
	issueRequest := managers.IssueRequest{
		// The workflow outlives this HTTP-scoped context.
		Context:              context.Background(),
		InstanceId:           instanceId,
		DnsNames:             dnsNames,
		ManagedEnvironmentId: request.ManagedEnvironmentId,
		BindToContainerApp:   request.BindToContainerApp,
		ContainerAppId:       request.ContainerAppId,
		UploadToEnvironment:  true,
		Response:             make(chan managers.IssueResponse, 1),
	}
	b.settings.Certificates.RequestRouter <- issueRequest

	go func() {
		response := <-issueRequest.Response
		if response.Error != nil {
			lsession.Error("issuance-failed", response.Error, lager.Data{"instance-id": instanceId})
		}
	}()

	lsession.Info("issuance-started", lager.Data{"instance-id": instanceId})
	return types.OperationHandle{InstanceId: instanceId}, nil
}

// AddDnsSuffix issues a wildcard for the suffix as a raw bundle and binds it
// to the managed environment, asynchronously like IssueCertificate.
func (b *Broker) AddDnsSuffix(ctx context.Context, request types.AddDnsSuffixRequest) (types.OperationHandle, error) {
	lsession := b.logger.Session("add-dns-suffix", lager.Data{"dns-suffix": request.DnsSuffix})

	if err := request.Validate(); err != nil {
		lsession.Error("validation-failure", err)
		return types.OperationHandle{}, err
	}

	suffix, err := idna.Lookup.ToASCII(strings.ToLower(request.DnsSuffix))
	if err != nil {
		lsession.Error("punycode-failure", err)
		return types.OperationHandle{}, err
	}

	environment, err := b.settings.Platform.GetManagedEnvironment(ctx, request.ManagedEnvironmentId)
	if err != nil {
		lsession.Error("get-environment-failure", err)
		return types.OperationHandle{}, err
	}

	instanceId := uuid.NewRandom().String()
	issueRequest := managers.IssueRequest{
		Context:              context.Background(),
		InstanceId:           instanceId,
		DnsNames:             []string{"*." + suffix},
		ManagedEnvironmentId: environment.Id,
		UploadToEnvironment:  false,
		Response:             make(chan managers.IssueResponse, 1),
	}
	b.settings.Certificates.RequestRouter <- issueRequest

	go func() {
		response := <-issueRequest.Response
		if response.Error != nil {
			lsession.Error("suffix-issuance-failed", response.Error, lager.Data{"instance-id": instanceId})
			return
		}
		if err := b.settings.Binding.BindSuffix(context.Background(), environment, suffix, response.PfxBlob, response.PfxPassword); err != nil {
			lsession.Error("suffix-bind-failed", err, lager.Data{"instance-id": instanceId})
			b.failInstance(instanceId, err)
		}
	}()

	lsession.Info("suffix-issuance-started", lager.Data{"instance-id": instanceId})
	return types.OperationHandle{InstanceId: instanceId}, nil
}

// LastOperation reports how a previously started workflow is doing.
func (b *Broker) LastOperation(ctx context.Context, instanceId string) (LastOperationResponse, error) {
	row, err := b.settings.State.Get(instanceId)
	if err != nil {
		return LastOperationResponse{}, err
	}

	switch row.State {
	case managers.Finished:
		return LastOperationResponse{State: OperationSucceeded, Description: row.Detail}, nil
	case managers.Error:
		return LastOperationResponse{State: OperationFailed, Description: row.Detail}, nil
	default:
		return LastOperationResponse{State: OperationInProgress, Description: row.State.String()}, nil
	}
}

// The list operations are for dashboards: bounded wait, and an empty list
// rather than an error when the platform is having a bad day.

func (b *Broker) ListManagedEnvironments(ctx context.Context) []types.ManagedEnvironmentItem {
	ctx, cancel := context.WithTimeout(ctx, acadomainbroker.ListRequestTimeout)
	defer cancel()

	items, err := b.settings.Platform.ListManagedEnvironments(ctx)
	if err != nil {
		b.logger.Error("list-environments-failure", err)
		return []types.ManagedEnvironmentItem{}
	}
	return items
}

func (b *Broker) ListContainerApps(ctx context.Context, managedEnvironmentId string) []types.ContainerAppItem {
	ctx, cancel := context.WithTimeout(ctx, acadomainbroker.ListRequestTimeout)
	defer cancel()

	items, err := b.settings.Platform.ListContainerApps(ctx, managedEnvironmentId)
	if err != nil {
		b.logger.Error("list-container-apps-failure", err)
		return []types.ContainerAppItem{}
	}
	return items
}

func (b *Broker) ListCertificates(ctx context.Context, managedEnvironmentId string) []types.CertificateItem {
	ctx, cancel := context.WithTimeout(ctx, acadomainbroker.ListRequestTimeout)
	defer cancel()

	items, err := b.settings.Platform.ListCertificates(ctx, managedEnvironmentId)
	if err != nil {
		b.logger.Error("list-certificates-failure", err)
		return []types.CertificateItem{}
	}
	return items
}

func (b *Broker) ListDnsZones(ctx context.Context) []types.DnsZoneItem {
	ctx, cancel := context.WithTimeout(ctx, acadomainbroker.ListRequestTimeout)
	defer cancel()

	items, err := b.settings.Dns.ListZones(ctx)
	if err != nil {
		b.logger.Error("list-dns-zones-failure", err)
		return []types.DnsZoneItem{}
	}
	return items
}

func (b *Broker) failInstance(instanceId string, cause error) {
	if err := b.settings.State.Transition(instanceId, managers.Error, cause.Error()); err != nil {
		b.logger.Error("record-failure-state", err, lager.Data{"instance-id": instanceId})
	}
}

// asciiNames lowercases and punycodes every name, keeping a leading wildcard
// label intact.
func asciiNames(dnsNames []string) ([]string, error) {
	out := make([]string, 0, len(dnsNames))
	for _, name := range dnsNames {
		name = strings.ToLower(strings.TrimSpace(name))
		wildcard := strings.HasPrefix(name, "*.")
		bare := strings.TrimPrefix(name, "*.")

		ascii, err := idna.Lookup.ToASCII(bare)
		if err != nil {
			return nil, err
		}
		if wildcard {
			ascii = "*." + ascii
		}
		out = append(out, ascii)
	}
	return out, nil
}
