package pairing

// Status is the externally observable pairing state, published on the status
// feed for the UI layer.
type Status string

const (
	StatusIdle        Status = "IDLE"
	StatusAdvertising Status = "ADVERTISING"
	StatusScanning    Status = "SCANNING"
	StatusConnecting  Status = "CONNECTING"
	StatusNegotiating Status = "NEGOTIATING"
	StatusPaired      Status = "PAIRED"
	StatusFailed      Status = "FAILED"
)
