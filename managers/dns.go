package managers

import (
	"context"
	"fmt"
	"strings"

	"code.cloudfoundry.org/lager"
	acadomainbroker "github.com/18f/aca-domain-broker"
	"github.com/18f/aca-domain-broker/interfaces"
	"github.com/18f/aca-domain-broker/types"
)

type DnsChallengeManagerSettings struct {
	Provider interfaces.DnsProvider
	Resolver interfaces.PublicResolver
	Logger   lager.Logger
}

// DnsChallengeManager owns everything between an ACME dns-01 challenge and
// the authoritative zones: matching names to zones, publishing TXT records,
// confirming propagation from the outside, and cleaning up afterwards.
type DnsChallengeManager struct {
	provider interfaces.DnsProvider
	resolver interfaces.PublicResolver
	logger   lager.Logger
}

func NewDnsChallengeManager(settings *DnsChallengeManagerSettings) *DnsChallengeManager {
	return &DnsChallengeManager{
		provider: settings.Provider,
		resolver: settings.Resolver,
		logger:   settings.Logger.Session("dns-challenge-manager"),
	}
}

// FindZone picks the zone whose name is the longest suffix of dnsName,
// matching either exactly or on a label boundary. Comparison is
// case-insensitive and a leading wildcard label is ignored.
func FindZone(zones []types.DnsZoneItem, dnsName string) (types.DnsZoneItem, bool) {
	name := strings.ToLower(strings.TrimPrefix(dnsName, "*."))

	var best types.DnsZoneItem
	found := false
	for _, zone := range zones {
		zoneName := strings.ToLower(zone.Name)
		if name != zoneName && !strings.HasSuffix(name, "."+zoneName) {
			continue
		}
		if !found || len(zoneName) > len(best.Name) {
			best = zone
			found = true
		}
	}
	return best, found
}

// Preconditions verifies that every requested DNS name lands in a managed
// zone and that each matched zone's delegation agrees with what public
// resolvers report. Every unmatched name is reported at once.
func (d *DnsChallengeManager) Preconditions(ctx context.Context, dnsNames []string) ([]types.DnsZoneItem, error) {
	lsession := d.logger.Session("preconditions", lager.Data{"dns-names": dnsNames})

	zones, err := d.provider.ListZones(ctx)
	if err != nil {
		lsession.Error("list-zones-failure", err)
		return nil, err
	}

	var unmatched []string
	matched := make(map[string]types.DnsZoneItem)
	for _, name := range dnsNames {
		zone, ok := FindZone(zones, name)
		if !ok {
			unmatched = append(unmatched, name)
			continue
		}
		matched[zone.Id] = zone
	}
	if len(unmatched) > 0 {
		lsession.Info("unmatched-dns-names", lager.Data{"unmatched": unmatched})
		return nil, NewUnmatchedZoneError(unmatched)
	}

	var out []types.DnsZoneItem
	for _, zone := range matched {
		if err := d.checkDelegation(ctx, zone); err != nil {
			lsession.Error("delegation-check-failure", err, lager.Data{"zone": zone.Name})
			return nil, err
		}
		out = append(out, zone)
	}

	return out, nil
}

// checkDelegation confirms at least one nameserver in the zone's delegation
// set is reported by public resolvers. Hosts are compared without trailing
// dots. Zones that don't expose their nameserver list are taken on trust.
func (d *DnsChallengeManager) checkDelegation(ctx context.Context, zone types.DnsZoneItem) error {
	if len(zone.NameServers) == 0 {
		return nil
	}

	public, err := d.resolver.LookupNS(ctx, zone.Name)
	if err != nil {
		return RetriableError{Inner: err}
	}

	expected := make(map[string]struct{}, len(zone.NameServers))
	for _, ns := range zone.NameServers {
		expected[strings.ToLower(strings.TrimSuffix(ns, "."))] = struct{}{}
	}
	for _, ns := range public {
		if _, ok := expected[strings.ToLower(strings.TrimSuffix(ns, "."))]; ok {
			return nil
		}
	}

	return PreconditionError{
		Message: fmt.Sprintf("zone %s is not delegated to this DNS service: declared %v, resolved %v",
			zone.Name, zone.NameServers, public),
	}
}

// CreateDns01Records publishes the challenge TXT records. Challenges sharing
// a record name are combined into one record set, and values already present
// on the record set are kept, so concurrent workflows don't clobber each
// other.
func (d *DnsChallengeManager) CreateDns01Records(ctx context.Context, challenges []types.AcmeChallengeResult) error {
	lsession := d.logger.Session("create-dns01-records")

	zones, err := d.provider.ListZones(ctx)
	if err != nil {
		lsession.Error("list-zones-failure", err)
		return err
	}

	grouped := make(map[string][]string)
	var order []string
	for _, challenge := range challenges {
		if _, seen := grouped[challenge.DnsRecordName]; !seen {
			order = append(order, challenge.DnsRecordName)
		}
		grouped[challenge.DnsRecordName] = append(grouped[challenge.DnsRecordName], challenge.DnsRecordValue)
	}

	for _, recordName := range order {
		zone, ok := FindZone(zones, recordName)
		if !ok {
			return NewUnmatchedZoneError([]string{recordName})
		}
		relative := relativeRecordName(zone, recordName)

		existing, err := d.provider.GetTxtRecordValues(ctx, zone, relative)
		if err != nil {
			lsession.Error("get-txt-record-failure", err, lager.Data{"record": recordName})
			return err
		}

		values := mergeValues(existing, grouped[recordName])
		if err := d.provider.UpsertTxtRecord(ctx, zone, relative, values, acadomainbroker.ChallengeRecordTTL); err != nil {
			lsession.Error("upsert-txt-record-failure", err, lager.Data{"record": recordName})
			return err
		}
		lsession.Info("txt-record-published", lager.Data{
			"record": recordName,
			"zone":   zone.Name,
			"values": len(values),
		})
	}

	return nil
}

// VerifyPropagation confirms every challenge value is visible from the
// public resolvers. Anything short of that is retriable, propagation is a
// matter of waiting.
func (d *DnsChallengeManager) VerifyPropagation(ctx context.Context, challenges []types.AcmeChallengeResult) error {
	for _, challenge := range challenges {
		values, err := d.resolver.LookupTXT(ctx, challenge.DnsRecordName)
		if err != nil {
			return RetriableError{Inner: err}
		}
		if !contains(values, challenge.DnsRecordValue) {
			return RetriableError{Inner: fmt.Errorf("TXT %s has not propagated yet", challenge.DnsRecordName)}
		}
	}
	return nil
}

// Cleanup removes the challenge record sets. Failures are logged and
// swallowed, a leftover TXT record is harmless.
//
// Deleting the whole record set also drops values a concurrent run merged
// into it since we published ours. That run will fail propagation and retry
// with a fresh record, so the worst case is one extra validation round.
func (d *DnsChallengeManager) Cleanup(ctx context.Context, challenges []types.AcmeChallengeResult) {
	lsession := d.logger.Session("cleanup")

	zones, err := d.provider.ListZones(ctx)
	if err != nil {
		lsession.Error("list-zones-failure", err)
		return
	}

	deleted := make(map[string]struct{})
	for _, challenge := range challenges {
		if _, done := deleted[challenge.DnsRecordName]; done {
			continue
		}
		deleted[challenge.DnsRecordName] = struct{}{}

		zone, ok := FindZone(zones, challenge.DnsRecordName)
		if !ok {
			continue
		}
		if err := d.provider.DeleteTxtRecord(ctx, zone, relativeRecordName(zone, challenge.DnsRecordName)); err != nil {
			lsession.Error("delete-txt-record-failure", err, lager.Data{"record": challenge.DnsRecordName})
		}
	}
}

func relativeRecordName(zone types.DnsZoneItem, recordName string) string {
	name := strings.ToLower(recordName)
	zoneName := strings.ToLower(zone.Name)
	if name == zoneName {
		return "@"
	}
	return strings.TrimSuffix(name, "."+zoneName)
}

func mergeValues(existing, incoming []string) []string {
	out := append([]string{}, existing...)
	for _, v := range incoming {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
