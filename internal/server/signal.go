package server

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
	// browsers built against older drafts send this tag for trickle ICE
	signalIceCandidate = "ice-candidate"
)

type signalEnvelope struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// checkSignal verifies that raw is a well formed offer, answer or ICE
// candidate. The payload itself is forwarded untouched.
func checkSignal(raw json.RawMessage) (string, error) {
	var env signalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", newError(KindValidation, "malformed signal payload", err)
	}

	switch env.Type {
	case SignalOffer, SignalAnswer:
		if env.SDP == "" {
			return "", validationError("%s is missing sdp", env.Type)
		}
		desc := webrtc.SessionDescription{
			Type: webrtc.NewSDPType(env.Type),
			SDP:  env.SDP,
		}
		if _, err := desc.Unmarshal(); err != nil {
			return "", newError(KindValidation, "invalid sdp", err)
		}
	case SignalCandidate, signalIceCandidate:
		if env.Candidate == nil {
			return "", validationError("candidate is missing")
		}
	default:
		return "", validationError("unknown signal type %q", env.Type)
	}

	return env.Type, nil
}
