package transfer

import "github.com/gonzalop/ftpengine/internal/capabilities"

// ALPN identifiers offered by the control and data connections. A server
// that selects ALPNControl on the control connection promises to resume
// its TLS session on every data connection.
const (
	ALPNControl = "x-filezilla-ftp"
	ALPNData    = "ftp-data"
)

// Decision is the verdict of the session resumption policy.
type Decision int

const (
	// DecisionContinue proceeds, nothing to record.
	DecisionContinue Decision = iota
	// DecisionRecordYes proceeds and records that the server resumes sessions.
	DecisionRecordYes
	// DecisionAskUser holds the transfer until the user accepts an
	// unresumed data connection.
	DecisionAskUser
	// DecisionFatal ends the transfer with EndFailedTLSResumption.
	DecisionFatal
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionRecordYes:
		return "record-yes"
	case DecisionAskUser:
		return "ask-user"
	case DecisionFatal:
		return "fatal"
	}
	return "unknown"
}

// ResumptionPolicy classifies a completed data connection handshake.
// Cooperative servers must always resume. Otherwise a server that resumed
// before must keep doing so, and an unknown server needs the user's
// consent before data flows over an unresumed session.
func ResumptionPolicy(cooperative, resumed bool, known capabilities.Tri) Decision {
	switch {
	case resumed && known != capabilities.Yes:
		return DecisionRecordYes
	case resumed:
		return DecisionContinue
	case cooperative, known == capabilities.Yes:
		return DecisionFatal
	case known == capabilities.Unknown:
		return DecisionAskUser
	}
	return DecisionContinue
}
