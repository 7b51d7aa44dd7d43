package metadata

// Reserved header keys. Applications should not use them for custom headers.
const (
	// KeyCreditAddress names the address a consumer returns one credit to
	// for every message it dispatches.
	KeyCreditAddress = "flowbus_credit_address"

	// KeyCorrelationID tracks related messages across services.
	KeyCorrelationID = "correlation_id"

	// KeyNode identifies the bus node that put a message on the transport.
	KeyNode = "flowbus_node"

	// KeySend marks a transported message as point-to-point ("true") or fan-out.
	KeySend = "flowbus_send"

	// KeyReplyAddress carries the reply address across the transport.
	KeyReplyAddress = "flowbus_reply_address"

	// KeyAddress carries the destination address across the transport.
	KeyAddress = "flowbus_address"
)

// IsReserved reports whether key is used by flowbus itself.
func IsReserved(key string) bool {
	switch key {
	case KeyCreditAddress, KeyNode, KeySend, KeyReplyAddress, KeyAddress:
		return true
	}
	return false
}

// IsEnvelope reports whether key only describes transport routing. Envelope
// keys are stripped from messages received over the cluster bridge.
func IsEnvelope(key string) bool {
	switch key {
	case KeyNode, KeySend, KeyReplyAddress, KeyAddress:
		return true
	}
	return false
}
