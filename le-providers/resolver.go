package le_providers

import (
	"context"
	"fmt"
	"strings"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/types"
	"github.com/miekg/dns"
)

// DnsResolver answers TXT and NS lookups against an explicit set of public
// recursors rather than whatever /etc/resolv.conf points at, so propagation
// checks see what the certificate authority will see.
type DnsResolver struct {
	resolvers types.Resolver
	client    dns.Client
	logger    lager.Logger
}

func NewDnsResolver(resolvers types.Resolver, logger lager.Logger) *DnsResolver {
	return &DnsResolver{
		resolvers: resolvers,
		logger:    logger.Session("dns-resolver"),
	}
}

// LookupTXT returns the TXT values every configured resolver agrees on. A
// value missing from any one resolver is treated as not yet propagated and
// left out of the result.
func (r *DnsResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	var common []string
	first := true

	for label, address := range r.resolvers {
		values, err := r.queryTXT(ctx, name, address)
		if err != nil {
			r.logger.Error("txt-lookup-failure", err, lager.Data{
				"resolver": label,
				"name":     name,
			})
			return nil, err
		}
		if first {
			common = values
			first = false
			continue
		}
		common = intersect(common, values)
	}

	return common, nil
}

// LookupNS returns the union of NS targets reported by the configured
// resolvers, hosts normalized without the trailing dot.
func (r *DnsResolver) LookupNS(ctx context.Context, name string) ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string

	for label, address := range r.resolvers {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), dns.TypeNS)
		m.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, m, address)
		if err != nil {
			r.logger.Error("ns-lookup-failure", err, lager.Data{
				"resolver": label,
				"name":     name,
			})
			return nil, err
		}

		for _, answer := range in.Answer {
			ns, ok := answer.(*dns.NS)
			if !ok {
				continue
			}
			host := strings.ToLower(strings.TrimSuffix(ns.Ns, "."))
			if _, dup := seen[host]; dup {
				continue
			}
			seen[host] = struct{}{}
			hosts = append(hosts, host)
		}
	}

	return hosts, nil
}

func (r *DnsResolver) queryTXT(ctx context.Context, name, address string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, address)
	if err != nil {
		return nil, err
	}

	switch in.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		// NXDOMAIN just means the record has not shown up yet.
	default:
		return nil, fmt.Errorf("txt query for %s against %s returned %s", name, address, dns.RcodeToString[in.Rcode])
	}

	var values []string
	for _, answer := range in.Answer {
		if txt, ok := answer.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}

func intersect(a, b []string) []string {
	present := make(map[string]struct{}, len(b))
	for _, v := range b {
		present[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := present[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
