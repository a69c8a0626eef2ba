package aca_domain_broker

import "time"

const (
	// Value of the Issuer provenance tag on every certificate this broker manages.
	IssuerName = "Acmebot"

	// Resource tag keys used as the provenance marker on uploaded certificates.
	IssuerTagKey   = "Issuer"
	EndpointTagKey = "Endpoint"
	DnsNamesTagKey = "DnsNames"

	// TTLs for the TXT records we write, in seconds.
	ChallengeRecordTTL    = 60
	VerificationRecordTTL = 3600

	// How long we wait for DNS writes to propagate before the first check.
	PropagationDelay = time.Second * 10

	// Bounded wait for the synchronous read paths exposed by the broker.
	ListRequestTimeout = time.Second * 30

	// Renewal sweeps sleep up to this many seconds before doing any work so a
	// fleet of brokers doesn't hit the CA and the DNS provider at the same moment.
	RenewalJitterSeconds = 600
)
