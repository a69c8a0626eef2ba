package interfaces

import (
	"context"

	"github.com/18f/aca-domain-broker/types"
)

// DnsProvider is the zone-management surface of the authoritative DNS service
// holding the delegated zones. Record names are relative to the zone.
type DnsProvider interface {
	ListZones(ctx context.Context) ([]types.DnsZoneItem, error)

	// GetTxtRecordValues returns the current values of a TXT record set, or an
	// empty slice when the record set doesn't exist.
	GetTxtRecordValues(ctx context.Context, zone types.DnsZoneItem, relativeName string) ([]string, error)
	UpsertTxtRecord(ctx context.Context, zone types.DnsZoneItem, relativeName string, values []string, ttl int64) error
	DeleteTxtRecord(ctx context.Context, zone types.DnsZoneItem, relativeName string) error
}

// PublicResolver queries public nameservers directly, bypassing any local
// caches, so propagation checks see what the CA will see.
type PublicResolver interface {
	LookupTXT(ctx context.Context, fqdn string) ([]string, error)
	LookupNS(ctx context.Context, fqdn string) ([]string, error)
}
