package fakes

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/18f/aca-domain-broker/types"
)

// HappyAcmeClient scripts a well-behaved CA: every challenge validates once
// answered, finalization succeeds, and the download returns a real
// self-signed PEM chain.
func HappyAcmeClient() *AcmeClient {
	var mu sync.Mutex
	answered := make(map[string]bool)
	finalized := false

	authzUrl := func(name string) string { return "https://ca.test/authz/" + strings.TrimPrefix(name, "*.") }
	identifier := func(url string) string { return strings.TrimPrefix(url, "https://ca.test/authz/") }
	challengeUrl := func(ident string) string { return "https://ca.test/chall/" + ident }

	allAnswered := func(order types.OrderDetails) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, url := range order.AuthorizationUrls {
			if !answered[challengeUrl(identifier(url))] {
				return false
			}
		}
		return true
	}

	return &AcmeClient{
		CreateOrderFn: func(ctx context.Context, dnsNames []string) (types.OrderDetails, error) {
			order := types.OrderDetails{
				OrderUrl:    "https://ca.test/order/1",
				FinalizeUrl: "https://ca.test/finalize/1",
				Status:      types.AcmeStatusPending,
				DnsNames:    dnsNames,
			}
			for _, name := range dnsNames {
				order.AuthorizationUrls = append(order.AuthorizationUrls, authzUrl(name))
			}
			return order, nil
		},
		GetAuthorizationFn: func(ctx context.Context, authorizationUrl string) (types.AuthorizationDetails, error) {
			ident := identifier(authorizationUrl)
			return types.AuthorizationDetails{
				Url:        authorizationUrl,
				Identifier: ident,
				Status:     types.AcmeStatusPending,
				Challenges: []types.ChallengeDetails{{
					Url:    challengeUrl(ident),
					Type:   "dns-01",
					Status: types.AcmeStatusPending,
					Token:  "token-" + ident,
				}},
			}, nil
		},
		ComputeDns01KeyAuthorizationFn: func(authorization types.AuthorizationDetails, challenge types.ChallengeDetails) (string, string, error) {
			return "_acme-challenge." + authorization.Identifier, "value-" + authorization.Identifier, nil
		},
		AnswerChallengeFn: func(ctx context.Context, challengeUrl string) error {
			mu.Lock()
			defer mu.Unlock()
			answered[challengeUrl] = true
			return nil
		},
		GetChallengeStatusFn: func(ctx context.Context, challengeUrl string) (types.ChallengeDetails, error) {
			mu.Lock()
			defer mu.Unlock()
			status := types.AcmeStatusPending
			if answered[challengeUrl] {
				status = types.AcmeStatusValid
			}
			return types.ChallengeDetails{Url: challengeUrl, Type: "dns-01", Status: status}, nil
		},
		GetOrderStatusFn: func(ctx context.Context, order types.OrderDetails) (types.OrderDetails, error) {
			mu.Lock()
			done := finalized
			mu.Unlock()
			switch {
			case done:
				order.Status = types.AcmeStatusValid
				order.CertificateUrl = "https://ca.test/cert/1"
			case allAnswered(order):
				order.Status = types.AcmeStatusReady
			default:
				order.Status = types.AcmeStatusPending
			}
			return order, nil
		},
		FinalizeOrderFn: func(ctx context.Context, finalizeUrl string, csr []byte) (types.OrderDetails, error) {
			if _, err := x509.ParseCertificateRequest(csr); err != nil {
				return types.OrderDetails{}, fmt.Errorf("bad csr: %s", err)
			}
			mu.Lock()
			finalized = true
			mu.Unlock()
			return types.OrderDetails{
				OrderUrl:       "https://ca.test/order/1",
				FinalizeUrl:    finalizeUrl,
				CertificateUrl: "https://ca.test/cert/1",
				Status:         types.AcmeStatusValid,
			}, nil
		},
		DownloadCertificateChainFn: func(ctx context.Context, order types.OrderDetails, preferredChainIssuer string) ([]byte, error) {
			return SelfSignedPEM(order.DnsNames)
		},
	}
}

// SelfSignedPEM mints a throwaway certificate so code downstream of the CA
// has real DER to chew on.
func SelfSignedPEM(dnsNames []string) ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	commonName := "test"
	if len(dnsNames) > 0 {
		commonName = dnsNames[0]
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 3, 0),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}
