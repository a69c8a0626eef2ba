package types

// ACME order/challenge status vocabulary per RFC 8555. Any other value coming
// off the wire is a protocol violation.
const (
	AcmeStatusPending    = "pending"
	AcmeStatusReady      = "ready"
	AcmeStatusProcessing = "processing"
	AcmeStatusValid      = "valid"
	AcmeStatusInvalid    = "invalid"
)

func ValidAcmeStatus(status string) bool {
	switch status {
	case AcmeStatusPending, AcmeStatusReady, AcmeStatusProcessing, AcmeStatusValid, AcmeStatusInvalid:
		return true
	}
	return false
}

// ACME problem types the validation step treats as transient infrastructure
// failures rather than hard rejections.
const (
	AcmeErrorConnection = "urn:ietf:params:acme:error:connection"
	AcmeErrorDns        = "urn:ietf:params:acme:error:dns"
)

// One in-flight ACME order. Discarded when the workflow run ends; the
// workflow checkpoint is the durable form.
type OrderDetails struct {
	OrderUrl          string   `json:"orderUrl"`
	FinalizeUrl       string   `json:"finalizeUrl"`
	CertificateUrl    string   `json:"certificateUrl"`
	Status            string   `json:"status"`
	AuthorizationUrls []string `json:"authorizationUrls"`
	DnsNames          []string `json:"dnsNames"`
}

type AuthorizationDetails struct {
	Url        string             `json:"url"`
	Identifier string             `json:"identifier"`
	Wildcard   bool               `json:"wildcard"`
	Status     string             `json:"status"`
	Challenges []ChallengeDetails `json:"challenges"`
}

// Dns01Challenge returns the single usable dns-01 challenge, or false when the
// authorization doesn't carry exactly one.
func (a AuthorizationDetails) Dns01Challenge() (ChallengeDetails, bool) {
	var found []ChallengeDetails
	for idx := range a.Challenges {
		if a.Challenges[idx].Type == "dns-01" {
			found = append(found, a.Challenges[idx])
		}
	}
	if len(found) != 1 {
		return ChallengeDetails{}, false
	}
	return found[0], true
}

type ChallengeDetails struct {
	Url         string `json:"url"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Token       string `json:"token"`
	ErrorType   string `json:"errorType,omitempty"`
	ErrorDetail string `json:"errorDetail,omitempty"`
}
