// Package progress maps stage-local completion onto the global 0-100 scale.
package progress

import "math"

// Fixed stage windows on the overall progress scale.
const (
	PingStart     = 0
	PingEnd       = 10
	DownloadStart = 10
	DownloadEnd   = 60
	UploadStart   = 60
	UploadEnd     = 100
)

// Overall maps a stage-local completion percentage onto the global scale by
// linear interpolation between the stage bounds. Monotonic in local for fixed
// bounds.
func Overall(stageStart, stageEnd, local float64) int {
	if local < 0 {
		local = 0
	}
	if local > 100 {
		local = 100
	}
	global := stageStart + (stageEnd-stageStart)*local/100
	return int(math.Round(global))
}
