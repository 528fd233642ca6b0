package servicelog

import "strings"

// Media pipeline subprocesses write a constant stream of progress and
// warning chatter to stderr. These substrings mark lines that carry no
// diagnostic value and would otherwise drown the log.
var noisyFragments = []string{
	"deprecated pixel format",
	"Last message repeated",
	"frame=", // ffmpeg progress lines
	"Past duration",
	"Non-monotonous DTS",
	"Queue input is backward in time",
	"0:0: PLAYING", // gstreamer state chatter beyond the first
	"Redistribute latency",
}

// Noisy reports whether a subprocess output line should be dropped
// instead of logged.
func Noisy(line string) bool {
	for _, frag := range noisyFragments {
		if strings.Contains(line, frag) {
			return true
		}
	}
	return false
}
