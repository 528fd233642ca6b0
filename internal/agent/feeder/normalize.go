package feeder

// Some shared-memory transports hand over NV12 frames that are rotated
// horizontally: the capture started mid-row and every row wraps at the
// same column. The seam shows up as a single column with an anomalous
// horizontal gradient along the full height of the luminance plane.

const (
	seamMeanFactor = 2.5
	seamPeakFactor = 1.5
)

// detectSeam returns the column index where an NV12 frame wraps, or -1
// when no single anomalous column stands out.
func detectSeam(luma []byte, width, height int) int {
	if width < 4 || height < 4 || len(luma) < width*height {
		return -1
	}
	scores := make([]uint64, width)
	for r := 0; r < height; r++ {
		row := luma[r*width : (r+1)*width]
		prev := int(row[width-1])
		for c := 0; c < width; c++ {
			cur := int(row[c])
			d := cur - prev
			if d < 0 {
				d = -d
			}
			scores[c] += uint64(d)
			prev = cur
		}
	}
	var total, best, second uint64
	bestCol := -1
	for c, s := range scores {
		total += s
		if s > best {
			second = best
			best = s
			bestCol = c
		} else if s > second {
			second = s
		}
	}
	mean := total / uint64(width)
	if mean == 0 || bestCol <= 0 {
		return -1
	}
	if float64(best) <= seamMeanFactor*float64(mean) {
		return -1
	}
	if second > 0 && float64(best) <= seamPeakFactor*float64(second) {
		return -1
	}
	return bestCol
}

// rotateRows rotates every row of a plane left by shift bytes.
func rotateRows(plane []byte, width, height, shift int) {
	if shift <= 0 || shift >= width {
		return
	}
	tmp := make([]byte, shift)
	for r := 0; r < height; r++ {
		row := plane[r*width : (r+1)*width]
		copy(tmp, row[:shift])
		copy(row, row[shift:])
		copy(row[width-shift:], tmp)
	}
}

// normalizeNV12 detects and repairs a horizontally shifted NV12 frame
// in place. Returns true if a seam was found and corrected.
func normalizeNV12(data []byte, width, height int) bool {
	lumaSize := width * height
	if len(data) < lumaSize*3/2 {
		return false
	}
	seam := detectSeam(data[:lumaSize], width, height)
	if seam < 0 {
		return false
	}
	rotateRows(data[:lumaSize], width, height, seam)
	// The interleaved chroma plane is half height, full row width in
	// bytes; the shift must stay aligned to UV pairs.
	chromaShift := seam &^ 1
	rotateRows(data[lumaSize:lumaSize*3/2], width, height/2, chromaShift)
	return true
}
