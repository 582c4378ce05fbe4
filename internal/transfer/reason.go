package transfer

// Mode selects what a data connection carries.
type Mode int

const (
	ModeDownload Mode = iota
	ModeUpload
	ModeList
	// ModeResumeTest expects exactly one byte followed by a clean close.
	ModeResumeTest
)

func (m Mode) String() string {
	switch m {
	case ModeDownload:
		return "download"
	case ModeUpload:
		return "upload"
	case ModeList:
		return "list"
	case ModeResumeTest:
		return "resumetest"
	}
	return "unknown"
}

// EndReason is the terminal outcome of one transfer attempt. Only the first
// reason reported for an attempt is kept.
type EndReason int

const (
	EndNone EndReason = iota
	EndSuccessful
	EndFailure
	// EndFailureCritical is a local failure, such as a disk error, that
	// retrying the transfer will not fix.
	EndFailureCritical
	EndFailedTLSResumption
	EndWrongTLSALPN
	EndFailedResumeTest
)

func (r EndReason) String() string {
	switch r {
	case EndNone:
		return "none"
	case EndSuccessful:
		return "successful"
	case EndFailure:
		return "failure"
	case EndFailureCritical:
		return "failure_critical"
	case EndFailedTLSResumption:
		return "failed_tls_resumption"
	case EndWrongTLSALPN:
		return "wrong_tls_alpn"
	case EndFailedResumeTest:
		return "failed_resumetest"
	}
	return "unknown"
}
