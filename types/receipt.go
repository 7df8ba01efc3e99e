package types

// TransferReceipt is returned by the transfer client on successful delivery.
type TransferReceipt struct {
	// RemoteKey is the object key the chunk was written to.
	RemoteKey string
	// IntegrityTag is the store-returned integrity tag (ETag-equivalent).
	IntegrityTag string
	// Parts is the number of part requests used (1 for single-shot uploads).
	Parts int
}
