package media

import "strings"

const pcmaRtpmap = "a=rtpmap:8 PCMA"

// RestrictToPCMA removes every rtpmap attribute from an SDP body except the
// static PCMA mapping on payload type 8, with or without the clock-rate
// suffix. Lines that are not rtpmap
// attributes pass through untouched, so the payload lists in m= lines keep
// their original order. Applying the filter twice yields the same output.
func RestrictToPCMA(sdp string) string {
	lines := strings.Split(sdp, "\r\n")
	crlf := true
	if len(lines) == 1 {
		lines = strings.Split(sdp, "\n")
		crlf = false
	}

	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(line, "a=rtpmap:") && !strings.HasPrefix(line, pcmaRtpmap) {
			continue
		}
		kept = append(kept, line)
	}

	if crlf {
		return strings.Join(kept, "\r\n")
	}
	return strings.Join(kept, "\n")
}
