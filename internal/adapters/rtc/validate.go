package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/onair/internal/app/signaling"
	"github.com/dkeye/onair/internal/domain"
)

// Validator checks relay payloads: offers and answers must be JSON session
// descriptions with parseable SDP carrying audio, candidates must parse as
// ICE candidates.
type Validator struct{}

func (Validator) Validate(kind string, payload []byte) error {
	var err error
	switch kind {
	case signaling.MsgOffer:
		err = validateDescription(payload, webrtc.SDPTypeOffer)
	case signaling.MsgAnswer:
		err = validateDescription(payload, webrtc.SDPTypeAnswer)
	case signaling.MsgCandidate:
		err = validateCandidate(payload)
	default:
		return nil
	}
	if err != nil {
		return errors.Join(domain.ErrMalformedPayload, err)
	}
	return nil
}

func validateDescription(payload []byte, want webrtc.SDPType) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	if desc.Type != 0 && desc.Type != want {
		return fmt.Errorf("description type %s, want %s", desc.Type, want)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("parse sdp: %w", err)
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == webrtc.RTPCodecTypeAudio.String() {
			return nil
		}
	}
	return errors.New("sdp has no audio section")
}

func validateCandidate(payload []byte) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	// An empty candidate marks the end of gathering.
	if init.Candidate == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(init.Candidate, "candidate:")); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	return nil
}
