// Package detect holds the pure detection filtering primitives. No I/O
// happens here; the functions are safe to call from any goroutine.
package detect

// BBox is a detection bounding box in source pixels.
type BBox struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	W float32 `json:"w"`
	H float32 `json:"h"`
}

// Detection is a single classified object reported by the worker.
// Immutable once produced.
type Detection struct {
	Class   string  `json:"cls"`
	Conf    float32 `json:"conf"`
	BBox    BBox    `json:"bbox"`
	TrackID string  `json:"track_id,omitempty"`
}

// Result is one inference outcome for a frame, as decoded from the
// worker protocol.
type Result struct {
	FrameID    uint64
	TsISO      string
	TsMonoNs   uint64
	Detections []Detection
	LatPreMs   float32
	LatInferMs float32
	LatPostMs  float32
}

// FilterConfig selects which detections count. An empty AllowedClasses
// set allows every class.
type FilterConfig struct {
	Threshold      float32
	AllowedClasses map[string]struct{}
}

// NewFilterConfig builds a FilterConfig from a class list. Unknown or
// empty lists produce an allow-all set.
func NewFilterConfig(threshold float32, classes []string) FilterConfig {
	cfg := FilterConfig{Threshold: threshold}
	if len(classes) > 0 {
		cfg.AllowedClasses = make(map[string]struct{}, len(classes))
		for _, c := range classes {
			cfg.AllowedClasses[c] = struct{}{}
		}
	}
	return cfg
}

// Filter keeps detections with conf >= threshold whose class is allowed.
func Filter(detections []Detection, cfg FilterConfig) []Detection {
	kept := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Conf < cfg.Threshold {
			continue
		}
		if cfg.AllowedClasses != nil {
			if _, ok := cfg.AllowedClasses[d.Class]; !ok {
				continue
			}
		}
		kept = append(kept, d)
	}
	return kept
}

// Score is the confidence of the best detection, or 0 for none.
func Score(detections []Detection) float32 {
	var best float32
	for _, d := range detections {
		if d.Conf > best {
			best = d.Conf
		}
	}
	return best
}

// IsRelevant reports whether a filtered detection list should trigger
// or maintain a session.
func IsRelevant(detections []Detection) bool {
	return len(detections) > 0
}
