package types

import (
	"fmt"
	"strings"
)

// Global settings from the environment, only read on startup.
type RuntimeSettings struct {
	Port        string `envconfig:"port" default:"3000"`
	DatabaseUrl string `envconfig:"database_url" required:"true"`

	// ACME account settings.
	Email             string `envconfig:"email" required:"true"`
	AcmeUrl           string `envconfig:"acme_url" required:"true"`
	AcmeAccountKeyPem string `envconfig:"acme_account_key_pem"`
	PreferredChain    string `envconfig:"preferred_chain"`

	// Azure settings.
	SubscriptionId string `envconfig:"subscription_id" required:"true"`

	// The externally visible endpoint of this deployment. Its host is written
	// into the Endpoint tag so independent deployments sharing a subscription
	// never renew each other's certificates.
	Endpoint string `envconfig:"endpoint" required:"true"`

	// Webhook target for completion notifications, optional.
	WebhookUrl string `envconfig:"webhook_url"`

	Schedule        string   `envconfig:"schedule" default:"0 0 0 * * *"`
	RenewBeforeDays int      `envconfig:"renew_before_days" default:"30"`
	Resolvers       Resolver `envconfig:"resolvers" default:"google=8.8.8.8:53"`
}

type Resolver map[string]string

func (r *Resolver) Decode(value string) error {
	*r = make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		ns := strings.SplitN(pair, "=", 2)
		if len(ns) != 2 {
			return fmt.Errorf("resolver entry %q is not name=address", pair)
		}
		(*r)[ns[0]] = ns[1]
	}
	return nil
}
