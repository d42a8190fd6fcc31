package x402

import "errors"

// Ambient sentinel errors surfaced at process startup and config-load time.
// These are programmer-facing (fatal to initialization), distinct from the
// wire-level tagged reason strings below, which travel in VerifyResponse and
// SettleResponse and are never turned into Go errors at the wire boundary.
var (
	// ErrInvalidKey indicates a malformed or unusable private key during signer setup.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrInvalidMnemonic indicates a BIP-39 mnemonic failed checksum validation.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidKeystore indicates a keystore file could not be decrypted or parsed.
	ErrInvalidKeystore = errors.New("invalid keystore")

	// ErrInvalidNetwork indicates a network identifier does not parse as CAIP-2.
	ErrInvalidNetwork = errors.New("invalid network identifier")

	// ErrNoHandler indicates no SchemeHandler is registered for a (network, scheme) pair.
	ErrNoHandler = errors.New("no handler registered")

	// ErrNoSigners indicates a scheme handler has no configured signing addresses.
	ErrNoSigners = errors.New("no signers configured")

	// ErrInvalidAmount indicates a decimal amount string could not be parsed where a
	// failure must be surfaced rather than saturated to zero (config/startup paths only;
	// the verify-time parser saturates per the protocol's lenient policy, see bigint.go).
	ErrInvalidAmount = errors.New("invalid amount")
)

// Reason is a stable wire-level tag carried in VerifyResponse.InvalidReason and
// SettleResponse.ErrorReason. Tags are part of the protocol contract and must
// never change spelling once shipped.
type Reason string

// Verify-phase reason tags.
const (
	ReasonUnsupportedScheme        Reason = "unsupported_scheme"
	ReasonUnsupportedSchemeNetwork Reason = "unsupported_scheme_network"
	ReasonInvalidUptoEVMPayload    Reason = "invalid_upto_evm_payload"
	ReasonNetworkMismatch          Reason = "network_mismatch"
	ReasonMissingEIP712Domain      Reason = "missing_eip712_domain"
	ReasonRecipientMismatch        Reason = "recipient_mismatch"
	ReasonCapTooLow                Reason = "cap_too_low"
	ReasonCapBelowRequiredMax      Reason = "cap_below_required_max"
	ReasonAuthorizationExpired     Reason = "authorization_expired"
	ReasonInvalidChainID           Reason = "invalid_chain_id"
	ReasonInvalidPermitSignature   Reason = "invalid_permit_signature"
	ReasonVerificationError        Reason = "verification_error"
	ReasonInvalidExactEVMPayload   Reason = "invalid_exact_evm_payload"
	ReasonInvalidExactSVMPayload   Reason = "invalid_exact_svm_payload"
	ReasonAuthorizationNotYetValid Reason = "authorization_not_yet_valid"
	ReasonAmountMismatch           Reason = "amount_mismatch"
	ReasonInvalidTransferSignature Reason = "invalid_transfer_signature"
)

// Settle-phase reason tags, in addition to every verify-phase tag above, which
// is carried through unchanged when settle's internal re-verify fails.
const (
	ReasonTotalExceedsCap          Reason = "total_exceeds_cap"
	ReasonUnsupportedSignatureType Reason = "unsupported_signature_type"
	ReasonInsufficientAllowance    Reason = "insufficient_allowance"
	ReasonPermitFailed             Reason = "permit_failed"
	ReasonInvalidTransactionState  Reason = "invalid_transaction_state"
	ReasonTransactionFailed        Reason = "transaction_failed"
	ReasonSettlementFailed         Reason = "settlement_failed"
)

// String returns the tag's wire text.
func (r Reason) String() string {
	return string(r)
}
