package le_providers

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"code.cloudfoundry.org/lager"
	"github.com/18f/aca-domain-broker/types"
	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/registration"
	"go.uber.org/ratelimit"
)

const userAgent = "18f/aca-domain-broker"

// How many ACME directory calls per second we allow ourselves.
const acmeRateLimit = 18

// Configuration options for the ACME client.
type AcmeClientSettings struct {
	// ACME directory URL, e.g. the Let's Encrypt production directory.
	DirectoryUrl string
	// Account contact email.
	Email string
	// PEM-encoded account key. Generated fresh when empty, which creates a new
	// account on first registration.
	AccountKeyPem string
	// Optional HTTP client override, used mostly for testing.
	HttpClient *http.Client
	// Logger to inherit.
	Logger lager.Logger
}

// AcmeClient drives the ACME v2 protocol through lego's low-level API core,
// one thin method per protocol operation. The workflow layer owns ordering
// and retries; this type only speaks the wire.
type AcmeClient struct {
	core    *api.Core
	user    *acmeUser
	limiter ratelimit.Limiter
	logger  lager.Logger
}

type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string {
	return u.email
}

func (u *acmeUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *acmeUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

// NewAcmeClient builds the protocol client and registers the account. An
// existing account key resolves to the existing account, a fresh key creates
// a new one.
func NewAcmeClient(settings *AcmeClientSettings) (*AcmeClient, error) {
	if settings == nil {
		return nil, errors.New("a configuration must be provided")
	}

	lsession := settings.Logger.Session("acme-client", lager.Data{
		"directory": settings.DirectoryUrl,
	})

	if _, err := url.Parse(settings.DirectoryUrl); err != nil {
		lsession.Error("acme-url-parse", err)
		return nil, err
	}

	key, err := accountKey(settings.AccountKeyPem)
	if err != nil {
		lsession.Error("account-key", err)
		return nil, err
	}

	user := &acmeUser{
		email: settings.Email,
		key:   key,
	}

	httpClient := settings.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	core, err := api.New(httpClient, userAgent, settings.DirectoryUrl, "", key)
	if err != nil {
		lsession.Error("new-acme-api-failure", err)
		return nil, err
	}

	registrar := registration.NewRegistrar(core, user)
	reg, err := registrar.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		lsession.Error("registration-failure", err)
		return nil, err
	}
	user.registration = reg

	lsession.Info("acme-client-built")

	return &AcmeClient{
		core:    core,
		user:    user,
		limiter: ratelimit.New(acmeRateLimit, ratelimit.WithoutSlack),
		logger:  lsession,
	}, nil
}

func accountKey(pemBlock string) (crypto.PrivateKey, error) {
	if pemBlock == "" {
		return certcrypto.GeneratePrivateKey(certcrypto.EC256)
	}
	return certcrypto.ParsePEMPrivateKey([]byte(pemBlock))
}

func (a *AcmeClient) CreateOrder(ctx context.Context, dnsNames []string) (types.OrderDetails, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderDetails{}, err
	}
	a.limiter.Take()

	order, err := a.core.Orders.New(dnsNames)
	if err != nil {
		a.logger.Error("new-order-error", err, lager.Data{"dns-names": dnsNames})
		return types.OrderDetails{}, err
	}

	details := types.OrderDetails{
		OrderUrl:          order.Location,
		FinalizeUrl:       order.Finalize,
		CertificateUrl:    order.Certificate,
		Status:            order.Status,
		AuthorizationUrls: order.Authorizations,
		DnsNames:          dnsNames,
	}
	return details, checkStatus(details.Status)
}

func (a *AcmeClient) GetAuthorization(ctx context.Context, authorizationUrl string) (types.AuthorizationDetails, error) {
	if err := ctx.Err(); err != nil {
		return types.AuthorizationDetails{}, err
	}
	a.limiter.Take()

	authz, err := a.core.Authorizations.Get(authorizationUrl)
	if err != nil {
		a.logger.Error("get-authorization-failure", err, lager.Data{"url": authorizationUrl})
		return types.AuthorizationDetails{}, err
	}

	details := types.AuthorizationDetails{
		Url:        authorizationUrl,
		Identifier: authz.Identifier.Value,
		Wildcard:   authz.Wildcard,
		Status:     authz.Status,
	}
	for idx := range authz.Challenges {
		details.Challenges = append(details.Challenges, challengeDetails(authz.Challenges[idx]))
	}
	return details, nil
}

// ComputeDns01KeyAuthorization derives the TXT record name and value for one
// challenge per RFC 8555 §8.4, using the account key held by this client.
func (a *AcmeClient) ComputeDns01KeyAuthorization(authorization types.AuthorizationDetails, challenge types.ChallengeDetails) (string, string, error) {
	keyAuth, err := a.core.GetKeyAuthorization(challenge.Token)
	if err != nil {
		return "", "", err
	}

	domain := authorization.Identifier
	if authorization.Wildcard {
		domain = "*." + domain
	}

	info := dns01.GetChallengeInfo(domain, keyAuth)

	return strings.TrimSuffix(info.FQDN, "."), info.Value, nil
}

func (a *AcmeClient) AnswerChallenge(ctx context.Context, challengeUrl string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.limiter.Take()

	if _, err := a.core.Challenges.New(challengeUrl); err != nil {
		a.logger.Error("answer-challenge-failure", err, lager.Data{"url": challengeUrl})
		return err
	}
	return nil
}

func (a *AcmeClient) GetOrderStatus(ctx context.Context, order types.OrderDetails) (types.OrderDetails, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderDetails{}, err
	}
	a.limiter.Take()

	refreshed, err := a.core.Orders.Get(order.OrderUrl)
	if err != nil {
		a.logger.Error("get-order-failure", err, lager.Data{"url": order.OrderUrl})
		return types.OrderDetails{}, err
	}

	order.Status = refreshed.Status
	order.FinalizeUrl = refreshed.Finalize
	order.CertificateUrl = refreshed.Certificate
	if len(refreshed.Authorizations) > 0 {
		order.AuthorizationUrls = refreshed.Authorizations
	}
	return order, checkStatus(order.Status)
}

func (a *AcmeClient) GetChallengeStatus(ctx context.Context, challengeUrl string) (types.ChallengeDetails, error) {
	if err := ctx.Err(); err != nil {
		return types.ChallengeDetails{}, err
	}
	a.limiter.Take()

	chlg, err := a.core.Challenges.Get(challengeUrl)
	if err != nil {
		a.logger.Error("get-challenge-failure", err, lager.Data{"url": challengeUrl})
		return types.ChallengeDetails{}, err
	}
	return challengeDetails(chlg.Challenge), nil
}

func (a *AcmeClient) FinalizeOrder(ctx context.Context, finalizeUrl string, csr []byte) (types.OrderDetails, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderDetails{}, err
	}
	a.limiter.Take()

	order, err := a.core.Orders.UpdateForCSR(finalizeUrl, csr)
	if err != nil {
		a.logger.Error("finalize-order-failure", err, lager.Data{"url": finalizeUrl})
		return types.OrderDetails{}, err
	}

	details := types.OrderDetails{
		OrderUrl:          order.Location,
		FinalizeUrl:       finalizeUrl,
		CertificateUrl:    order.Certificate,
		Status:            order.Status,
		AuthorizationUrls: order.Authorizations,
	}
	return details, checkStatus(details.Status)
}

func (a *AcmeClient) DownloadCertificateChain(ctx context.Context, order types.OrderDetails, preferredChainIssuer string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if order.CertificateUrl == "" {
		return nil, errors.New("order has no certificate url, is it valid yet?")
	}
	a.limiter.Take()

	if preferredChainIssuer == "" {
		cert, _, err := a.core.Certificates.Get(order.CertificateUrl, true)
		if err != nil {
			a.logger.Error("acme-get-certificate", err, lager.Data{"url": order.CertificateUrl})
			return nil, err
		}
		return cert, nil
	}

	all, err := a.core.Certificates.GetAll(order.CertificateUrl, true)
	if err != nil {
		a.logger.Error("acme-get-all-certificates", err, lager.Data{"url": order.CertificateUrl})
		return nil, err
	}

	for link := range all {
		if hasPreferredChain(all[link].Cert, preferredChainIssuer) {
			return all[link].Cert, nil
		}
	}

	// no alternate matched, fall back to the default chain.
	a.logger.Info("preferred-chain-not-offered", lager.Data{
		"preferred": preferredChainIssuer,
	})
	deflt, ok := all[order.CertificateUrl]
	if !ok {
		return nil, fmt.Errorf("default chain missing from response for %s", order.CertificateUrl)
	}
	return deflt.Cert, nil
}

func hasPreferredChain(bundle []byte, issuer string) bool {
	certs, err := certcrypto.ParsePEMBundle(bundle)
	if err != nil || len(certs) == 0 {
		return false
	}
	top := certs[len(certs)-1]
	return strings.EqualFold(top.Issuer.CommonName, issuer)
}

func challengeDetails(chlg acme.Challenge) types.ChallengeDetails {
	details := types.ChallengeDetails{
		Url:    chlg.URL,
		Type:   chlg.Type,
		Status: chlg.Status,
		Token:  chlg.Token,
	}
	if chlg.Error != nil {
		details.ErrorType = chlg.Error.Type
		details.ErrorDetail = chlg.Error.Detail
	}
	return details
}

// checkStatus enforces the fixed RFC 8555 status vocabulary. An unknown value
// is a protocol violation, never something to retry.
func checkStatus(status string) error {
	if !types.ValidAcmeStatus(status) {
		return fmt.Errorf("unknown ACME status %q, refusing to continue", status)
	}
	return nil
}
