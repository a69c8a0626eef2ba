package managers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
	acadomainbroker "github.com/18f/aca-domain-broker"
	"github.com/18f/aca-domain-broker/interfaces"
	"github.com/18f/aca-domain-broker/types"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/pborman/uuid"
	"software.sslmate.com/src/go-pkcs12"
)

type CertificateManagerSettings struct {
	AcmeClient    interfaces.AcmeClient
	Dns           *DnsChallengeManager
	Platform      interfaces.ContainerAppsPlatform
	Binding       *BindingManager
	State         WorkflowStore
	Notifications interfaces.NotificationSink

	// Endpoint this deployment serves, recorded on every certificate tag so
	// several deployments can share one subscription.
	Endpoint       string
	PreferredChain string

	// Overridable in tests. Zero values take the defaults.
	PropagationDelay time.Duration
	ShortRetry       RetryPolicy
	LongRetry        RetryPolicy

	Logger lager.Logger
}

// IssueRequest asks for one certificate covering DnsNames. Requests are
// pushed onto the manager's RequestRouter and answered on the Response
// channel.
type IssueRequest struct {
	Context              context.Context
	InstanceId           string
	DnsNames             []string
	ManagedEnvironmentId string
	BindToContainerApp   bool
	ContainerAppId       string

	// When false the certificate is not stored on the environment and the
	// response carries the raw PFX instead. Used for the wildcard DNS suffix
	// flows, where the platform wants the blob directly.
	UploadToEnvironment bool

	Response chan IssueResponse
}

type IssueResponse struct {
	InstanceId  string
	Certificate types.CertificateItem
	PfxBlob     []byte
	PfxPassword string
	DnsNames    []string
	Error       error
}

// CertificateManager runs the ACME issuance workflow: preconditions, order,
// dns-01 challenges, validation, finalization, download, and upload to the
// managed environment. Progress is checkpointed so a restarted process can
// resume mid-flight instances.
type CertificateManager struct {
	RequestRouter chan IssueRequest

	settings         *CertificateManagerSettings
	propagationDelay time.Duration
	shortRetry       RetryPolicy
	longRetry        RetryPolicy
	logger           lager.Logger
}

func NewCertificateManager(settings *CertificateManagerSettings) (*CertificateManager, error) {
	if settings.AcmeClient == nil || settings.Dns == nil || settings.State == nil {
		return nil, errors.New("certificate manager requires an acme client, a dns manager, and a state manager")
	}

	m := &CertificateManager{
		RequestRouter:    make(chan IssueRequest, 150),
		settings:         settings,
		propagationDelay: settings.PropagationDelay,
		shortRetry:       settings.ShortRetry,
		longRetry:        settings.LongRetry,
		logger:           settings.Logger.Session("certificate-manager"),
	}
	if m.propagationDelay == 0 {
		m.propagationDelay = acadomainbroker.PropagationDelay
	}
	if m.shortRetry.MaxAttempts == 0 {
		m.shortRetry = ShortRetry()
	}
	if m.longRetry.MaxAttempts == 0 {
		m.longRetry = LongRetry()
	}

	go m.listen()

	return m, nil
}

func (m *CertificateManager) listen() {
	for request := range m.RequestRouter {
		go m.handle(request)
	}
}

func (m *CertificateManager) handle(request IssueRequest) {
	lsession := m.logger.Session("handle", lager.Data{"instance-id": request.InstanceId})

	checkpoint := IssuanceCheckpoint{
		DnsNames:             request.DnsNames,
		ManagedEnvironmentId: request.ManagedEnvironmentId,
		ContainerAppId:       request.ContainerAppId,
		BindToContainerApp:   request.BindToContainerApp,
		UploadToEnvironment:  request.UploadToEnvironment,
	}
	if err := m.settings.State.Create(request.InstanceId, IssueOp); err != nil {
		request.Response <- IssueResponse{InstanceId: request.InstanceId, Error: err}
		return
	}
	if err := m.settings.State.SaveCheckpoint(request.InstanceId, checkpoint); err != nil {
		request.Response <- IssueResponse{InstanceId: request.InstanceId, Error: err}
		return
	}

	response := m.drive(request.Context, request.InstanceId, checkpoint, New)

	if response.Error != nil {
		lsession.Error("issuance-failed", response.Error)
		m.fail(request.InstanceId, response.Error)
	}
	request.Response <- response
}

// Resume re-drives every unfinished issuance workflow found in the state
// store, typically after a process restart. Results are logged rather than
// returned, nobody is waiting on the original response channel anymore.
func (m *CertificateManager) Resume(ctx context.Context) error {
	lsession := m.logger.Session("resume")

	rows, err := m.settings.State.Unfinished()
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.Operation != string(IssueOp) {
			continue
		}
		checkpoint, err := m.settings.State.LoadCheckpoint(row.InstanceId)
		if err != nil {
			lsession.Error("load-checkpoint-failure", err, lager.Data{"instance-id": row.InstanceId})
			continue
		}
		lsession.Info("resuming", lager.Data{
			"instance-id": row.InstanceId,
			"state":       row.State.String(),
		})

		go func(instanceId string, checkpoint IssuanceCheckpoint, state State) {
			response := m.drive(ctx, instanceId, checkpoint, state)
			if response.Error != nil {
				lsession.Error("resumed-issuance-failed", response.Error, lager.Data{"instance-id": instanceId})
				m.fail(instanceId, response.Error)
			}
		}(row.InstanceId, checkpoint, row.State)
	}

	return nil
}

// drive runs the workflow from the given state to completion. A validation
// escalation restarts the whole run with a fresh order after the long
// cool-off, the CA invalidates an order once any of its challenges fails.
func (m *CertificateManager) drive(ctx context.Context, instanceId string, checkpoint IssuanceCheckpoint, from State) IssueResponse {
	var response IssueResponse

	err := m.longRetry.Execute(ctx, func() error {
		var err error
		response, err = m.issue(ctx, instanceId, checkpoint, from)

		var escalation RetriableEscalation
		if errors.As(err, &escalation) {
			checkpoint.Order = types.OrderDetails{}
			checkpoint.Challenges = nil
			if resetErr := m.settings.State.Reset(instanceId, checkpoint); resetErr != nil {
				return resetErr
			}
			from = New
		}
		return err
	})

	response.InstanceId = instanceId
	response.DnsNames = checkpoint.DnsNames
	response.Error = err
	return response
}

func (m *CertificateManager) issue(ctx context.Context, instanceId string, checkpoint IssuanceCheckpoint, state State) (IssueResponse, error) {
	lsession := m.logger.Session("issue", lager.Data{
		"instance-id": instanceId,
		"dns-names":   checkpoint.DnsNames,
	})

	save := func(next State) error {
		if err := m.settings.State.SaveCheckpoint(instanceId, checkpoint); err != nil {
			return err
		}
		if err := m.settings.State.Transition(instanceId, next, ""); err != nil {
			return err
		}
		state = next
		return nil
	}

	if state < OrderCreated {
		if _, err := m.settings.Dns.Preconditions(ctx, checkpoint.DnsNames); err != nil {
			return IssueResponse{}, err
		}

		order, err := m.settings.AcmeClient.CreateOrder(ctx, checkpoint.DnsNames)
		if err != nil {
			lsession.Error("create-order-failure", err)
			return IssueResponse{}, err
		}
		checkpoint.Order = order
		if err := save(OrderCreated); err != nil {
			return IssueResponse{}, err
		}
		lsession.Info("order-created", lager.Data{"order-url": order.OrderUrl})
	} else {
		// Resuming: the order may have progressed (or died) while we were
		// away, refresh before deciding what is left to do.
		order, err := m.settings.AcmeClient.GetOrderStatus(ctx, checkpoint.Order)
		if err != nil {
			return IssueResponse{}, err
		}
		checkpoint.Order = order
		switch order.Status {
		case types.AcmeStatusInvalid:
			return IssueResponse{}, m.classifyInvalidOrder(ctx, checkpoint)
		case types.AcmeStatusReady, types.AcmeStatusValid:
			if state < Validated {
				state = Validated
			}
		}
	}

	if state < ChallengesPrepared {
		challenges, err := m.prepareChallenges(ctx, checkpoint.Order)
		if err != nil {
			return IssueResponse{}, err
		}
		checkpoint.Challenges = challenges
		if err := save(ChallengesPrepared); err != nil {
			return IssueResponse{}, err
		}
	}

	if len(checkpoint.Challenges) > 0 {
		defer m.settings.Dns.Cleanup(context.Background(), checkpoint.Challenges)
	}

	if state < RecordsPublished && len(checkpoint.Challenges) > 0 {
		if err := m.settings.Dns.CreateDns01Records(ctx, checkpoint.Challenges); err != nil {
			return IssueResponse{}, err
		}
		if err := save(RecordsPublished); err != nil {
			return IssueResponse{}, err
		}
	}

	if state < Propagated && len(checkpoint.Challenges) > 0 {
		select {
		case <-time.After(m.propagationDelay):
		case <-ctx.Done():
			return IssueResponse{}, ctx.Err()
		}

		err := m.shortRetry.Execute(ctx, func() error {
			return m.settings.Dns.VerifyPropagation(ctx, checkpoint.Challenges)
		})
		if err != nil {
			lsession.Error("propagation-verify-failure", err)
			return IssueResponse{}, err
		}
		if err := save(Propagated); err != nil {
			return IssueResponse{}, err
		}
	}

	if state < Validated {
		if err := m.validateChallenges(ctx, &checkpoint); err != nil {
			lsession.Error("challenge-validation-failure", err)
			return IssueResponse{}, err
		}
		if err := save(Validated); err != nil {
			return IssueResponse{}, err
		}
		lsession.Info("challenges-validated")
	}

	if state < Finalized {
		if err := m.finalize(ctx, &checkpoint); err != nil {
			lsession.Error("finalize-failure", err)
			return IssueResponse{}, err
		}
		if err := save(Finalized); err != nil {
			return IssueResponse{}, err
		}
		lsession.Info("order-finalized")
	}

	pfxBlob, password, expireOn, err := m.downloadAndPackage(ctx, &checkpoint)
	if err != nil {
		lsession.Error("download-failure", err)
		return IssueResponse{}, err
	}
	if err := m.settings.State.SaveCheckpoint(instanceId, checkpoint); err != nil {
		return IssueResponse{}, err
	}

	if !checkpoint.UploadToEnvironment {
		if err := m.settings.State.Transition(instanceId, Finished, "bundle issued"); err != nil {
			return IssueResponse{}, err
		}
		return IssueResponse{PfxBlob: pfxBlob, PfxPassword: password}, nil
	}

	certificate, err := m.upload(ctx, &checkpoint, pfxBlob, password)
	if err != nil {
		lsession.Error("upload-failure", err)
		return IssueResponse{}, err
	}
	if err := save(Uploaded); err != nil {
		return IssueResponse{}, err
	}
	lsession.Info("certificate-uploaded", lager.Data{"certificate": certificate.Name})

	if checkpoint.BindToContainerApp && m.settings.Binding != nil {
		for _, dnsName := range checkpoint.DnsNames {
			if err := m.settings.Binding.BindCustomDomain(ctx, checkpoint.ContainerAppId, dnsName, certificate.Id); err != nil {
				lsession.Error("bind-failure", err, lager.Data{"dns-name": dnsName})
				return IssueResponse{}, err
			}
		}
		if err := save(Bound); err != nil {
			return IssueResponse{}, err
		}
	}

	m.notify(ctx, checkpoint, expireOn)

	if err := m.settings.State.Transition(instanceId, Finished, ""); err != nil {
		return IssueResponse{}, err
	}
	return IssueResponse{Certificate: certificate}, nil
}

// prepareChallenges fetches every authorization on the order and computes
// the dns-01 record for each one still pending. An authorization without
// exactly one dns-01 challenge cannot be satisfied here.
func (m *CertificateManager) prepareChallenges(ctx context.Context, order types.OrderDetails) ([]types.AcmeChallengeResult, error) {
	var challenges []types.AcmeChallengeResult

	for _, authzUrl := range order.AuthorizationUrls {
		authz, err := m.settings.AcmeClient.GetAuthorization(ctx, authzUrl)
		if err != nil {
			return nil, err
		}
		if authz.Status == types.AcmeStatusValid {
			continue
		}

		challenge, ok := authz.Dns01Challenge()
		if !ok {
			return nil, ProtocolError{
				Operation: "prepare-challenges",
				Detail:    fmt.Sprintf("authorization for %s offers no usable dns-01 challenge", authz.Identifier),
			}
		}
		if challenge.Status == types.AcmeStatusValid {
			continue
		}

		recordName, recordValue, err := m.settings.AcmeClient.ComputeDns01KeyAuthorization(authz, challenge)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, types.AcmeChallengeResult{
			Url:            challenge.Url,
			DnsRecordName:  recordName,
			DnsRecordValue: recordValue,
		})
	}

	return challenges, nil
}

// validateChallenges tells the CA to go look, then polls until every
// challenge and the order settle. Failed challenges are judged as a set,
// never one at a time.
func (m *CertificateManager) validateChallenges(ctx context.Context, checkpoint *IssuanceCheckpoint) error {
	for _, challenge := range checkpoint.Challenges {
		if err := m.settings.AcmeClient.AnswerChallenge(ctx, challenge.Url); err != nil {
			return err
		}
	}

	return m.shortRetry.Execute(ctx, func() error {
		var invalid []types.ChallengeDetails
		pending := 0
		for _, challenge := range checkpoint.Challenges {
			status, err := m.settings.AcmeClient.GetChallengeStatus(ctx, challenge.Url)
			if err != nil {
				return RetriableError{Inner: err}
			}
			switch status.Status {
			case types.AcmeStatusValid:
			case types.AcmeStatusPending, types.AcmeStatusProcessing:
				pending++
			case types.AcmeStatusInvalid:
				invalid = append(invalid, status)
			default:
				return ProtocolError{Operation: "validate-challenges", Detail: fmt.Sprintf("challenge %s reports status %q", challenge.Url, status.Status)}
			}
		}
		if len(invalid) > 0 {
			return classifyChallengeFailures(invalid)
		}
		if pending > 0 {
			return RetriableError{Inner: fmt.Errorf("%d challenges still pending", pending)}
		}

		order, err := m.settings.AcmeClient.GetOrderStatus(ctx, checkpoint.Order)
		if err != nil {
			return RetriableError{Inner: err}
		}
		checkpoint.Order = order
		switch order.Status {
		case types.AcmeStatusReady, types.AcmeStatusValid:
			return nil
		case types.AcmeStatusInvalid:
			return m.classifyInvalidOrder(ctx, *checkpoint)
		default:
			return RetriableError{Inner: fmt.Errorf("order %s still %s", order.OrderUrl, order.Status)}
		}
	})
}

// classifyChallengeFailures decides whether a failed validation deserves a
// fresh order later. Only when every failed challenge died on connection or
// DNS trouble is the failure plausibly transient; a single hard rejection
// anywhere in the set makes the whole order final.
func classifyChallengeFailures(invalid []types.ChallengeDetails) error {
	transient := true
	details := make([]string, 0, len(invalid))
	for _, status := range invalid {
		details = append(details, fmt.Sprintf("%s: %s", status.ErrorType, status.ErrorDetail))
		switch status.ErrorType {
		case types.AcmeErrorConnection, types.AcmeErrorDns:
		default:
			transient = false
		}
	}

	joined := strings.Join(details, "; ")
	if transient {
		return RetriableEscalation{Inner: fmt.Errorf("challenges failed on transient trouble: %s", joined)}
	}
	return ProtocolError{Operation: "validate-challenges", Detail: joined}
}

// classifyInvalidOrder inspects the challenges behind an order the CA has
// already invalidated, so a restart or an order-level poll never escalates
// past a permanent rejection.
func (m *CertificateManager) classifyInvalidOrder(ctx context.Context, checkpoint IssuanceCheckpoint) error {
	var invalid []types.ChallengeDetails
	for _, challenge := range checkpoint.Challenges {
		status, err := m.settings.AcmeClient.GetChallengeStatus(ctx, challenge.Url)
		if err != nil {
			continue
		}
		if status.Status == types.AcmeStatusInvalid {
			invalid = append(invalid, status)
		}
	}
	if len(invalid) == 0 {
		// nothing to pin the failure on, e.g. the order expired while we
		// were away.
		return RetriableEscalation{Inner: fmt.Errorf("order %s went invalid without a failed challenge", checkpoint.Order.OrderUrl)}
	}
	return classifyChallengeFailures(invalid)
}

// finalize submits the CSR and polls until the CA signs. The private key is
// generated once and checkpointed so a resumed run finalizes with the same
// key.
func (m *CertificateManager) finalize(ctx context.Context, checkpoint *IssuanceCheckpoint) error {
	if checkpoint.CertificateKeyPem == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return err
		}
		checkpoint.CertificateKeyPem = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}))
	}

	key, err := parseRsaKey(checkpoint.CertificateKeyPem)
	if err != nil {
		return err
	}

	if checkpoint.Order.Status == types.AcmeStatusReady {
		csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
			Subject:  pkix.Name{CommonName: checkpoint.DnsNames[0]},
			DNSNames: checkpoint.DnsNames,
		}, key)
		if err != nil {
			return err
		}

		order, err := m.settings.AcmeClient.FinalizeOrder(ctx, checkpoint.Order.FinalizeUrl, csr)
		if err != nil {
			return err
		}
		checkpoint.Order = order
	}

	return m.shortRetry.Execute(ctx, func() error {
		if checkpoint.Order.Status == types.AcmeStatusValid {
			return nil
		}
		order, err := m.settings.AcmeClient.GetOrderStatus(ctx, checkpoint.Order)
		if err != nil {
			return RetriableError{Inner: err}
		}
		checkpoint.Order = order
		switch order.Status {
		case types.AcmeStatusValid:
			return nil
		case types.AcmeStatusInvalid:
			return ProtocolError{Operation: "finalize", Detail: fmt.Sprintf("order %s rejected at finalization", order.OrderUrl)}
		default:
			return RetriableError{Inner: fmt.Errorf("order %s still %s after finalization", order.OrderUrl, order.Status)}
		}
	})
}

func (m *CertificateManager) downloadAndPackage(ctx context.Context, checkpoint *IssuanceCheckpoint) ([]byte, string, time.Time, error) {
	bundle, err := m.settings.AcmeClient.DownloadCertificateChain(ctx, checkpoint.Order, m.settings.PreferredChain)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	certs, err := certcrypto.ParsePEMBundle(bundle)
	if err != nil || len(certs) == 0 {
		return nil, "", time.Time{}, fmt.Errorf("unable to parse certificate bundle: %v", err)
	}

	key, err := parseRsaKey(checkpoint.CertificateKeyPem)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	if checkpoint.PfxPassword == "" {
		checkpoint.PfxPassword = uuid.NewRandom().String()
	}

	pfxBlob, err := pkcs12.Legacy.Encode(key, certs[0], certs[1:], checkpoint.PfxPassword)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	return pfxBlob, checkpoint.PfxPassword, certs[0].NotAfter, nil
}

// upload stores the PFX on the managed environment and tags it in a second
// call, the platform does not accept tags at creation time.
func (m *CertificateManager) upload(ctx context.Context, checkpoint *IssuanceCheckpoint, pfxBlob []byte, password string) (types.CertificateItem, error) {
	name := CertificateName(checkpoint.DnsNames[0])

	certificate, err := m.settings.Platform.CreateCertificate(ctx, checkpoint.ManagedEnvironmentId, name, pfxBlob, password)
	if err != nil {
		return types.CertificateItem{}, err
	}
	checkpoint.CertificateId = certificate.Id

	tagged, err := m.settings.Platform.TagCertificate(ctx, certificate.Id, map[string]string{
		acadomainbroker.IssuerTagKey:   acadomainbroker.IssuerName,
		acadomainbroker.EndpointTagKey: types.NormalizeEndpoint(m.settings.Endpoint),
		acadomainbroker.DnsNamesTagKey: strings.Join(checkpoint.DnsNames, ","),
	})
	if err != nil {
		// The certificate exists but carries no tags, so renewal sweeps will
		// never find it. Surface the error, the orphaned resource is an
		// accepted leak.
		return types.CertificateItem{}, err
	}
	return tagged, nil
}

func (m *CertificateManager) notify(ctx context.Context, checkpoint IssuanceCheckpoint, expireOn time.Time) {
	if m.settings.Notifications == nil {
		return
	}

	environmentName := checkpoint.ManagedEnvironmentId
	if env, err := m.settings.Platform.GetManagedEnvironment(ctx, checkpoint.ManagedEnvironmentId); err == nil {
		environmentName = env.Name
	}
	if err := m.settings.Notifications.SendCompletedEvent(ctx, environmentName, expireOn, checkpoint.DnsNames); err != nil {
		m.logger.Error("notification-failure", err)
	}
}

func (m *CertificateManager) fail(instanceId string, cause error) {
	if err := m.settings.State.Transition(instanceId, Error, cause.Error()); err != nil {
		m.logger.Error("record-failure-state", err, lager.Data{"instance-id": instanceId})
	}
}

// CertificateName derives the platform resource name from the first DNS
// name: wildcards spelled out, dots flattened.
func CertificateName(dnsName string) string {
	name := strings.ReplaceAll(dnsName, "*", "wildcard")
	return strings.ReplaceAll(name, ".", "-")
}

func parseRsaKey(pemBlock string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemBlock))
	if block == nil {
		return nil, errors.New("no PEM block in checkpointed key")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
