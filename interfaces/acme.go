package interfaces

import (
	"context"

	"github.com/18f/aca-domain-broker/types"
)

// AcmeClient is the thin protocol surface the workflows drive. All calls are
// idempotent-safe to retry except CreateOrder, which the certificate workflow
// calls exactly once per run.
type AcmeClient interface {
	CreateOrder(ctx context.Context, dnsNames []string) (types.OrderDetails, error)
	GetAuthorization(ctx context.Context, authorizationUrl string) (types.AuthorizationDetails, error)
	ComputeDns01KeyAuthorization(authorization types.AuthorizationDetails, challenge types.ChallengeDetails) (recordName, recordValue string, err error)
	AnswerChallenge(ctx context.Context, challengeUrl string) error
	GetOrderStatus(ctx context.Context, order types.OrderDetails) (types.OrderDetails, error)
	GetChallengeStatus(ctx context.Context, challengeUrl string) (types.ChallengeDetails, error)
	FinalizeOrder(ctx context.Context, finalizeUrl string, csr []byte) (types.OrderDetails, error)

	// DownloadCertificateChain returns the PEM bundle for a valid order,
	// preferring the alternate chain whose root issuer common name matches
	// preferredChainIssuer when one is offered.
	DownloadCertificateChain(ctx context.Context, order types.OrderDetails, preferredChainIssuer string) ([]byte, error)
}
