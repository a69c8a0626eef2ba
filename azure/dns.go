package azure

import (
	"context"
	"errors"
	"net/http"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/types"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/dns/armdns"
)

type DnsSettings struct {
	SubscriptionId string
	Credential     azcore.TokenCredential
	Logger         lager.Logger
}

// Dns implements interfaces.DnsProvider on Azure DNS.
type Dns struct {
	zones      *armdns.ZonesClient
	recordSets *armdns.RecordSetsClient
	logger     lager.Logger
}

func NewDns(settings *DnsSettings) (*Dns, error) {
	zones, err := armdns.NewZonesClient(settings.SubscriptionId, settings.Credential, nil)
	if err != nil {
		return nil, err
	}
	recordSets, err := armdns.NewRecordSetsClient(settings.SubscriptionId, settings.Credential, nil)
	if err != nil {
		return nil, err
	}
	return &Dns{
		zones:      zones,
		recordSets: recordSets,
		logger:     settings.Logger.Session("azure-dns"),
	}, nil
}

func (d *Dns) ListZones(ctx context.Context) ([]types.DnsZoneItem, error) {
	var out []types.DnsZoneItem

	pager := d.zones.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			d.logger.Error("list-zones-failure", err)
			return nil, err
		}
		for _, zone := range page.Value {
			id, err := arm.ParseResourceID(deref(zone.ID))
			if err != nil {
				return nil, err
			}
			item := types.DnsZoneItem{
				Id:            deref(zone.ID),
				Name:          deref(zone.Name),
				ResourceGroup: id.ResourceGroupName,
			}
			if zone.Properties != nil {
				for _, ns := range zone.Properties.NameServers {
					item.NameServers = append(item.NameServers, deref(ns))
				}
			}
			out = append(out, item)
		}
	}
	return out, nil
}

func (d *Dns) GetTxtRecordValues(ctx context.Context, zone types.DnsZoneItem, relativeName string) ([]string, error) {
	resp, err := d.recordSets.Get(ctx, zone.ResourceGroup, zone.Name, relativeName, armdns.RecordTypeTXT, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		d.logger.Error("get-txt-record-failure", err, lager.Data{"zone": zone.Name, "record": relativeName})
		return nil, err
	}

	var values []string
	if resp.Properties != nil {
		for _, record := range resp.Properties.TxtRecords {
			var value string
			for _, part := range record.Value {
				value += deref(part)
			}
			values = append(values, value)
		}
	}
	return values, nil
}

func (d *Dns) UpsertTxtRecord(ctx context.Context, zone types.DnsZoneItem, relativeName string, values []string, ttl int64) error {
	records := make([]*armdns.TxtRecord, 0, len(values))
	for _, value := range values {
		records = append(records, &armdns.TxtRecord{
			Value: []*string{to.Ptr(value)},
		})
	}

	_, err := d.recordSets.CreateOrUpdate(ctx, zone.ResourceGroup, zone.Name, relativeName, armdns.RecordTypeTXT, armdns.RecordSet{
		Properties: &armdns.RecordSetProperties{
			TTL:        to.Ptr(ttl),
			TxtRecords: records,
		},
	}, nil)
	if err != nil {
		d.logger.Error("upsert-txt-record-failure", err, lager.Data{"zone": zone.Name, "record": relativeName})
	}
	return err
}

func (d *Dns) DeleteTxtRecord(ctx context.Context, zone types.DnsZoneItem, relativeName string) error {
	_, err := d.recordSets.Delete(ctx, zone.ResourceGroup, zone.Name, relativeName, armdns.RecordTypeTXT, nil)
	if err != nil && !isNotFound(err) {
		d.logger.Error("delete-txt-record-failure", err, lager.Data{"zone": zone.Name, "record": relativeName})
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
