package managers

// State is a checkpoint in the certificate issuance workflow. Values are
// ordered, a workflow only ever moves to a higher state or to Error.
type State float64

const (
	Unknown State = iota
	New
	OrderCreated
	ChallengesPrepared
	RecordsPublished
	Propagated
	Validated
	Finalized
	CertificateReady
	Uploaded
	Bound
	Finished
	Error
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case OrderCreated:
		return "order-created"
	case ChallengesPrepared:
		return "challenges-prepared"
	case RecordsPublished:
		return "records-published"
	case Propagated:
		return "propagated"
	case Validated:
		return "validated"
	case Finalized:
		return "finalized"
	case CertificateReady:
		return "certificate-ready"
	case Uploaded:
		return "uploaded"
	case Bound:
		return "bound"
	case Finished:
		return "finished"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Op names the kind of workflow an instance id belongs to.
type Op string

const (
	IssueOp     Op = "issue"
	DnsSuffixOp Op = "dns-suffix"
	RenewOp     Op = "renew"
)
