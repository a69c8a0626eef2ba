package managers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
	acadomainbroker "github.com/18f/aca-domain-broker"
	"github.com/18f/aca-domain-broker/interfaces"
	"github.com/18f/aca-domain-broker/types"
)

type BindingManagerSettings struct {
	Platform interfaces.ContainerAppsPlatform
	Provider interfaces.DnsProvider
	Logger   lager.Logger

	// Overridable in tests.
	PropagationDelay time.Duration
	ShortRetry       RetryPolicy
}

// BindingManager attaches an issued certificate to its consumer: a custom
// domain on a container app, or a wildcard DNS suffix on a whole managed
// environment. Both start by proving domain ownership through an asuid TXT
// record.
type BindingManager struct {
	platform         interfaces.ContainerAppsPlatform
	provider         interfaces.DnsProvider
	propagationDelay time.Duration
	shortRetry       RetryPolicy
	logger           lager.Logger
}

func NewBindingManager(settings *BindingManagerSettings) *BindingManager {
	m := &BindingManager{
		platform:         settings.Platform,
		provider:         settings.Provider,
		propagationDelay: settings.PropagationDelay,
		shortRetry:       settings.ShortRetry,
		logger:           settings.Logger.Session("binding-manager"),
	}
	if m.propagationDelay == 0 {
		m.propagationDelay = acadomainbroker.PropagationDelay
	}
	if m.shortRetry.MaxAttempts == 0 {
		m.shortRetry = ShortRetry()
	}
	return m
}

// BindCustomDomain publishes the domain-verification TXT record, waits for
// the platform's hostname analysis to pass, then adds the domain to the
// app's ingress with SNI enabled. Re-binding an already bound hostname is a
// no-op unless the certificate changed.
func (b *BindingManager) BindCustomDomain(ctx context.Context, containerAppId, dnsName, certificateId string) error {
	lsession := b.logger.Session("bind-custom-domain", lager.Data{
		"container-app": containerAppId,
		"dns-name":      dnsName,
	})

	verificationId, err := b.platform.GetVerificationId(ctx, containerAppId)
	if err != nil {
		lsession.Error("get-verification-id-failure", err)
		return err
	}

	if err := b.publishVerificationRecord(ctx, dnsName, verificationId); err != nil {
		lsession.Error("publish-verification-record-failure", err)
		return err
	}

	select {
	case <-time.After(b.propagationDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	var lastMessage string
	err = b.shortRetry.Execute(ctx, func() error {
		passed, message, err := b.platform.CheckCustomHostName(ctx, containerAppId, dnsName)
		if err != nil {
			lastMessage = err.Error()
			return RetriableError{Inner: err}
		}
		if !passed {
			lastMessage = message
			return RetriableError{Inner: fmt.Errorf("hostname analysis: %s", message)}
		}
		return nil
	})
	if err != nil {
		lsession.Error("hostname-analysis-failure", err)
		return BindingValidationError{Hostname: dnsName, Message: lastMessage}
	}

	domains, err := b.platform.GetCustomDomains(ctx, containerAppId)
	if err != nil {
		lsession.Error("get-custom-domains-failure", err)
		return err
	}

	updated := false
	for idx := range domains {
		if !strings.EqualFold(domains[idx].Name, dnsName) {
			continue
		}
		if domains[idx].CertificateId == certificateId {
			lsession.Info("already-bound")
			return nil
		}
		domains[idx].CertificateId = certificateId
		domains[idx].SniEnabled = true
		updated = true
	}
	if !updated {
		domains = append(domains, types.CustomDomainItem{
			Name:          dnsName,
			CertificateId: certificateId,
			SniEnabled:    true,
		})
	}

	if err := b.platform.UpdateCustomDomains(ctx, containerAppId, domains); err != nil {
		lsession.Error("update-custom-domains-failure", err)
		return err
	}

	lsession.Info("custom-domain-bound")
	return nil
}

// BindSuffix attaches a wildcard certificate as the environment's DNS
// suffix. The environment carries its own verification id.
func (b *BindingManager) BindSuffix(ctx context.Context, environment types.ManagedEnvironmentItem, dnsSuffix string, pfxBlob []byte, password string) error {
	lsession := b.logger.Session("bind-dns-suffix", lager.Data{
		"environment": environment.Name,
		"dns-suffix":  dnsSuffix,
	})

	if err := b.publishVerificationRecord(ctx, dnsSuffix, environment.VerificationId); err != nil {
		lsession.Error("publish-verification-record-failure", err)
		return err
	}

	select {
	case <-time.After(b.propagationDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := b.platform.BindDnsSuffix(ctx, environment.Id, dnsSuffix, pfxBlob, password); err != nil {
		lsession.Error("bind-dns-suffix-failure", err)
		return err
	}

	lsession.Info("dns-suffix-bound")
	return nil
}

// publishVerificationRecord writes asuid.<name> with the verification id.
// The record has a single well-known value so it is replaced, not merged.
func (b *BindingManager) publishVerificationRecord(ctx context.Context, dnsName, verificationId string) error {
	recordName := VerificationRecordName(dnsName)

	zones, err := b.provider.ListZones(ctx)
	if err != nil {
		return err
	}
	zone, ok := FindZone(zones, recordName)
	if !ok {
		return NewUnmatchedZoneError([]string{recordName})
	}

	return b.provider.UpsertTxtRecord(ctx, zone, relativeRecordName(zone, recordName), []string{verificationId}, acadomainbroker.VerificationRecordTTL)
}

// VerificationRecordName prefixes the bare hostname with the asuid label,
// dropping a leading wildcard.
func VerificationRecordName(dnsName string) string {
	return "asuid." + strings.TrimPrefix(dnsName, "*.")
}
