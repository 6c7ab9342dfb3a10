package tunnel

import "sync/atomic"

// TrafficCounter tracks bytes sent to and received from a tunnel target.
type TrafficCounter struct {
	uploadBytes   atomic.Int64
	downloadBytes atomic.Int64
}

// AddUpload adds to upload bytes counter.
func (t *TrafficCounter) AddUpload(n int64) {
	t.uploadBytes.Add(n)
}

// AddDownload adds to download bytes counter.
func (t *TrafficCounter) AddDownload(n int64) {
	t.downloadBytes.Add(n)
}

// Upload returns the bytes written to the target so far.
func (t *TrafficCounter) Upload() int64 {
	return t.uploadBytes.Load()
}

// Download returns the bytes read from the target so far.
func (t *TrafficCounter) Download() int64 {
	return t.downloadBytes.Load()
}
