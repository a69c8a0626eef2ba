package managers

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"code.cloudfoundry.org/lager"
	acadomainbroker "github.com/18f/aca-domain-broker"
	"github.com/18f/aca-domain-broker/interfaces"
	"github.com/18f/aca-domain-broker/types"
	"github.com/pborman/uuid"
	"github.com/robfig/cron"
)

type RenewalManagerSettings struct {
	Platform     interfaces.ContainerAppsPlatform
	Certificates *CertificateManager
	Binding      *BindingManager

	// Endpoint this deployment serves, used to claim only our own
	// certificates out of a shared subscription.
	Endpoint        string
	Schedule        string
	RenewBeforeDays int

	// Overridable in tests.
	Jitter func() time.Duration

	Logger lager.Logger
}

// RenewalManager sweeps every managed environment on a cron schedule and
// re-issues certificates approaching expiry. Renewal reuses the issuance
// workflow, and because certificate names derive deterministically from the
// first DNS name, the renewed PFX lands on the same platform resource and
// existing bindings keep working.
type RenewalManager struct {
	settings *RenewalManagerSettings
	cron     *cron.Cron
	logger   lager.Logger
}

func NewRenewalManager(settings *RenewalManagerSettings) (*RenewalManager, error) {
	if settings.Platform == nil || settings.Certificates == nil || settings.Binding == nil {
		return nil, errors.New("renewal manager requires the platform, certificate, and binding managers")
	}
	return &RenewalManager{
		settings: settings,
		logger:   settings.Logger.Session("renewal-manager"),
	}, nil
}

func (r *RenewalManager) Start() error {
	r.cron = cron.New()
	if err := r.cron.AddFunc(r.settings.Schedule, func() {
		r.Sweep(context.Background())
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("renewal-schedule-started", lager.Data{"schedule": r.settings.Schedule})
	return nil
}

func (r *RenewalManager) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// Sweep renews everything due across all environments. Each certificate is
// handled in isolation, one failure never stops the rest of the sweep. A
// random start delay keeps multiple deployments sharing a CA account from
// hammering it at the same instant.
func (r *RenewalManager) Sweep(ctx context.Context) {
	lsession := r.logger.Session("sweep")

	jitter := r.settings.Jitter
	if jitter == nil {
		jitter = renewalJitter
	}
	select {
	case <-time.After(jitter()):
	case <-ctx.Done():
		return
	}

	environments, err := r.settings.Platform.ListManagedEnvironments(ctx)
	if err != nil {
		lsession.Error("list-environments-failure", err)
		return
	}

	cutoff := time.Now().AddDate(0, 0, r.settings.RenewBeforeDays)

	for _, environment := range environments {
		r.sweepEnvironment(ctx, environment, cutoff)
	}
	lsession.Info("sweep-finished")
}

func (r *RenewalManager) sweepEnvironment(ctx context.Context, environment types.ManagedEnvironmentItem, cutoff time.Time) {
	lsession := r.logger.Session("sweep-environment", lager.Data{"environment": environment.Name})

	certificates, err := r.settings.Platform.ListCertificates(ctx, environment.Id)
	if err != nil {
		lsession.Error("list-certificates-failure", err)
		return
	}

	for _, certificate := range certificates {
		if !certificate.TagsFilter(acadomainbroker.IssuerName, r.settings.Endpoint) {
			continue
		}
		if certificate.ExpireOn.After(cutoff) {
			continue
		}

		dnsNames := certificate.DnsNames()
		if len(dnsNames) == 0 {
			lsession.Info("certificate-without-dns-names", lager.Data{"certificate": certificate.Name})
			continue
		}

		lsession.Info("renewing-certificate", lager.Data{
			"certificate": certificate.Name,
			"expire-on":   certificate.ExpireOn,
		})
		if err := r.renew(ctx, environment, dnsNames); err != nil {
			lsession.Error("renewal-failure", err, lager.Data{"certificate": certificate.Name})
		}
	}

	if environment.DnsSuffix != "" && !environment.SuffixExpireOn.IsZero() && environment.SuffixExpireOn.Before(cutoff) {
		lsession.Info("renewing-dns-suffix", lager.Data{"dns-suffix": environment.DnsSuffix})
		if err := r.renewSuffix(ctx, environment); err != nil {
			lsession.Error("dns-suffix-renewal-failure", err)
		}
	}
}

func (r *RenewalManager) renew(ctx context.Context, environment types.ManagedEnvironmentItem, dnsNames []string) error {
	request := IssueRequest{
		Context:              ctx,
		InstanceId:           uuid.NewRandom().String(),
		DnsNames:             dnsNames,
		ManagedEnvironmentId: environment.Id,
		UploadToEnvironment:  true,
		Response:             make(chan IssueResponse, 1),
	}
	r.settings.Certificates.RequestRouter <- request
	response := <-request.Response
	return response.Error
}

// renewSuffix re-issues the environment's wildcard as a raw bundle and
// re-binds it, the suffix certificate never lives in the environment's
// certificate store.
func (r *RenewalManager) renewSuffix(ctx context.Context, environment types.ManagedEnvironmentItem) error {
	request := IssueRequest{
		Context:              ctx,
		InstanceId:           uuid.NewRandom().String(),
		DnsNames:             []string{"*." + environment.DnsSuffix},
		ManagedEnvironmentId: environment.Id,
		UploadToEnvironment:  false,
		Response:             make(chan IssueResponse, 1),
	}
	r.settings.Certificates.RequestRouter <- request
	response := <-request.Response
	if response.Error != nil {
		return response.Error
	}

	return r.settings.Binding.BindSuffix(ctx, environment, environment.DnsSuffix, response.PfxBlob, response.PfxPassword)
}

// renewalJitter spreads sweep starts over a ten minute window.
func renewalJitter() time.Duration {
	h := fnv.New32a()
	h.Write([]byte(uuid.NewRandom().String()))
	return time.Duration(h.Sum32()%acadomainbroker.RenewalJitterSeconds) * time.Second
}
