package calls

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"rtc-service/internal/apperr"
)

// ValidateSessionDescription checks that sd has the wanted type and parses as SDP.
func ValidateSessionDescription(sd *webrtc.SessionDescription, want webrtc.SDPType) error {
	if sd == nil {
		return fmt.Errorf("%w: %s required", apperr.ErrInvalidRequest, want)
	}
	if sd.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", apperr.ErrInvalidRequest, want, sd.Type)
	}
	if _, err := sd.Unmarshal(); err != nil {
		return fmt.Errorf("%w: malformed sdp: %v", apperr.ErrInvalidRequest, err)
	}
	return nil
}
